// Package ledger is the append-only violation ledger. It is one of only
// two cross-component mutable structures (the other is the instance
// registry); every status and report derives violation data from here and
// nowhere else.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
)

// Ledger records violations and fans them out to observers.
type Ledger struct {
	mu      sync.RWMutex
	entries []model.Violation
	hooks   []func(model.Violation)
	log     *zap.Logger
	met     *metrics.Set
}

// New returns an empty ledger.
func New(log *zap.Logger, met *metrics.Set) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.NewUnregistered()
	}
	return &Ledger{log: log.Named("ledger"), met: met}
}

// Observe registers a hook invoked for every recorded violation. Hooks run
// on the recording goroutine and must be fast.
func (l *Ledger) Observe(fn func(model.Violation)) {
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Record appends one violation. Entries are never mutated or removed.
func (l *Ledger) Record(v model.Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.entries = append(l.entries, v)
	hooks := l.hooks
	l.mu.Unlock()

	l.met.Violations.WithLabelValues(string(v.Type)).Inc()
	l.log.Warn("violation recorded",
		zap.String("plugin", v.PluginID),
		zap.String("type", string(v.Type)),
		zap.String("severity", string(v.Severity)),
		zap.String("rule", v.Rule))
	for _, fn := range hooks {
		fn(v)
	}
}

// ForPlugin returns all violations attributed to one instance.
func (l *Ledger) ForPlugin(id string) []model.Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Violation
	for _, v := range l.entries {
		if v.PluginID == id {
			out = append(out, v)
		}
	}
	return out
}

// Since returns violations recorded at or after t.
func (l *Ledger) Since(t time.Time) []model.Violation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Violation
	for _, v := range l.entries {
		if !v.Timestamp.Before(t) {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of violations attributed to one instance.
func (l *Ledger) Count(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, v := range l.entries {
		if v.PluginID == id {
			n++
		}
	}
	return n
}

// Len returns the total ledger length.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
