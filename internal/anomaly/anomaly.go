// Package anomaly is the behavioral security monitor. It consumes audit
// events, keeps a sliding window per instance, scores the window and
// quarantines instances whose score crosses the configured threshold.
package anomaly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

// Scorer maps a window of audit events to a score in [0,1].
type Scorer interface {
	Score(events []model.AuditEvent) float64
}

// WeightScorer is the default scorer: the weighted event sum saturating
// toward 1. Kind multipliers make unauthorized device probes count harder
// than plain permission noise.
type WeightScorer struct {
	// Saturation is the weighted sum that maps to score 1.0.
	Saturation float64
}

var kindMultiplier = map[string]float64{
	model.AuditPermissionDenied:   1.0,
	model.AuditMessageFlood:       1.5,
	model.AuditDeviceUnauthorized: 2.0,
	model.AuditSandboxFault:       2.5,
}

// Score implements Scorer.
func (s WeightScorer) Score(events []model.AuditEvent) float64 {
	sat := s.Saturation
	if sat <= 0 {
		sat = 10
	}
	var sum float64
	for _, e := range events {
		w := e.Weight
		if w == 0 {
			w = 1
		}
		if m, ok := kindMultiplier[e.Kind]; ok {
			w *= m
		}
		sum += w
	}
	score := sum / sat
	if score > 1 {
		return 1
	}
	return score
}

// Config tunes the monitor.
type Config struct {
	// Window is the sliding window events are scored over.
	Window time.Duration
	// Threshold quarantines an instance when its score reaches it.
	Threshold float64
	// MaxMessagesPerSecond flags channel traffic as a flood above this
	// rate. Zero disables flood detection.
	MaxMessagesPerSecond int
	// ScanEvery is the interval of the background sweep that prunes
	// expired window entries and stale rate counters, so instances that
	// go quiet do not hold scoring state forever. Zero disables it.
	ScanEvery time.Duration
	// Allow lists instance ids that are scored but never quarantined.
	Allow []string
	// Deny lists instance ids quarantined on their first audit event.
	Deny    []string
	Logger  *zap.Logger
	Metrics *metrics.Set
}

// Monitor scores behavior and drives quarantine decisions.
type Monitor struct {
	cfg    Config
	scorer Scorer
	reg    *registry.Registry
	log    *zap.Logger
	met    *metrics.Set

	// onQuarantine stops the sandbox and raises the operator alert; wired
	// by the orchestrator.
	onQuarantine func(pluginID string, q *model.QuarantineError)

	mu          sync.Mutex
	windows     map[string][]model.AuditEvent
	quarantined map[string]bool
	msgCounts   map[string]*rateWindow
	allow       map[string]bool
	deny        map[string]bool
}

type rateWindow struct {
	second time.Time
	count  int
}

// New builds a monitor over the shared registry. A nil scorer selects the
// default WeightScorer.
func New(cfg Config, reg *registry.Registry, scorer Scorer) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if scorer == nil {
		scorer = WeightScorer{}
	}
	m := &Monitor{
		cfg:         cfg,
		scorer:      scorer,
		reg:         reg,
		log:         cfg.Logger.Named("anomaly"),
		met:         cfg.Metrics,
		windows:     make(map[string][]model.AuditEvent),
		quarantined: make(map[string]bool),
		msgCounts:   make(map[string]*rateWindow),
		allow:       make(map[string]bool),
		deny:        make(map[string]bool),
	}
	for _, id := range cfg.Allow {
		m.allow[id] = true
	}
	for _, id := range cfg.Deny {
		m.deny[id] = true
	}
	return m
}

// Run executes the pruning sweep until ctx is done. Returns immediately
// when ScanEvery is not positive.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ScanEvery <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.ScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep drops window entries past the scoring horizon and rate counters
// from lapsed seconds. Quarantine latches are untouched.
func (m *Monitor) sweep(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, win := range m.windows {
		kept := win[:0]
		for _, e := range win {
			if e.Timestamp.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.windows, id)
			continue
		}
		m.windows[id] = kept
	}
	for id, rw := range m.msgCounts {
		if now.Sub(rw.second) > time.Second {
			delete(m.msgCounts, id)
		}
	}
}

// OnQuarantine installs the quarantine hook.
func (m *Monitor) OnQuarantine(fn func(pluginID string, q *model.QuarantineError)) {
	m.onQuarantine = fn
}

// BindLedger feeds every recorded violation into the monitor as an audit
// event, making the ledger the single behavioral source.
func (m *Monitor) BindLedger(lg *ledger.Ledger) {
	lg.Observe(func(v model.Violation) {
		weight := 1.0
		if v.Severity == model.SeverityCritical {
			weight = 3.0
		}
		m.Observe(model.AuditEvent{
			PluginID:  v.PluginID,
			Kind:      auditKindFor(v),
			Detail:    v.Rule,
			Weight:    weight,
			Timestamp: v.Timestamp,
		})
	})
}

func auditKindFor(v model.Violation) string {
	switch v.Type {
	case model.ViolationPermission:
		return model.AuditPermissionDenied
	case model.ViolationBehavior:
		return model.AuditMessageFlood
	default:
		return model.AuditSandboxFault
	}
}

// Observe folds one audit event into the instance's window and re-scores.
func (m *Monitor) Observe(e model.AuditEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	if m.quarantined[e.PluginID] {
		m.mu.Unlock()
		return
	}
	cutoff := e.Timestamp.Add(-m.cfg.Window)
	win := m.windows[e.PluginID]
	kept := win[:0]
	for _, old := range win {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	kept = append(kept, e)
	m.windows[e.PluginID] = kept
	score := m.scorer.Score(kept)
	denied := m.deny[e.PluginID]
	allowed := m.allow[e.PluginID]
	trip := score >= m.cfg.Threshold || denied
	if trip && !allowed {
		m.quarantined[e.PluginID] = true
	}
	m.mu.Unlock()

	if inst, err := m.reg.Get(e.PluginID); err == nil {
		inst.SetAnomalyScore(score)
	}
	if !trip {
		return
	}
	if allowed {
		m.log.Warn("anomaly threshold crossed on allow-listed instance",
			zap.String("plugin", e.PluginID),
			zap.Float64("score", score))
		return
	}
	reason := "anomaly_score"
	if denied {
		reason = "deny_listed"
	}
	q := &model.QuarantineError{
		PluginID:  e.PluginID,
		Score:     score,
		Threshold: m.cfg.Threshold,
		Reason:    reason,
	}
	m.met.Quarantines.Inc()
	m.log.Error("instance quarantined",
		zap.String("plugin", e.PluginID),
		zap.Float64("score", score),
		zap.String("reason", reason))
	if m.onQuarantine != nil {
		m.onQuarantine(e.PluginID, q)
	}
}

// MessageSeen counts one inbound channel message, raising a flood event
// when the per-second rate limit is exceeded.
func (m *Monitor) MessageSeen(pluginID string) {
	if m.cfg.MaxMessagesPerSecond <= 0 {
		return
	}
	now := time.Now()
	second := now.Truncate(time.Second)
	m.mu.Lock()
	rw, ok := m.msgCounts[pluginID]
	if !ok || !rw.second.Equal(second) {
		rw = &rateWindow{second: second}
		m.msgCounts[pluginID] = rw
	}
	rw.count++
	flood := rw.count == m.cfg.MaxMessagesPerSecond+1
	m.mu.Unlock()
	if flood {
		m.Observe(model.AuditEvent{
			PluginID:  pluginID,
			Kind:      model.AuditMessageFlood,
			Detail:    "channel message rate limit exceeded",
			Weight:    2,
			Timestamp: now,
		})
	}
}

// ScoreFor returns the current window score for one instance.
func (m *Monitor) ScoreFor(pluginID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scorer.Score(m.windows[pluginID])
}

// Quarantined reports whether the monitor has tripped for the instance.
func (m *Monitor) Quarantined(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined[pluginID]
}

// Reset clears the window and quarantine latch. Administrative only.
func (m *Monitor) Reset(pluginID string) {
	m.mu.Lock()
	delete(m.windows, pluginID)
	delete(m.quarantined, pluginID)
	delete(m.msgCounts, pluginID)
	m.mu.Unlock()
	if inst, err := m.reg.Get(pluginID); err == nil {
		inst.SetAnomalyScore(0)
	}
}
