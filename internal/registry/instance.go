package registry

import (
	"context"
	"sync"
	"time"

	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/model"
)

// Runtime is the handle a sandbox runner attaches to a started instance.
type Runtime interface {
	PID() int
	// Stop requests graceful shutdown, escalating to forced termination
	// when the context deadline passes.
	Stop(ctx context.Context) error
	// Kill terminates immediately.
	Kill() error
}

// Instance is one registered plugin. Lifecycle writes go through the
// registry (single-writer); reads take the short-lived instance lock.
type Instance struct {
	ID       string
	Dir      string
	Manifest *manifest.Manifest

	mu          sync.Mutex
	state       model.InstanceState
	stateReason string
	stateSince  time.Time
	runtime     Runtime
	samples     []model.ResourceSample
	sampleCap   int
	anomaly     float64
	loadedAt    time.Time
}

// State returns the current lifecycle state and the reason for it.
func (i *Instance) State() (model.InstanceState, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state, i.stateReason
}

// Runtime returns the attached sandbox handle, nil when not running.
func (i *Instance) Runtime() Runtime {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runtime
}

// AttachRuntime binds the sandbox handle. At most one live sandbox per
// instance: attaching over an existing handle is a programming error the
// registry guards against during Start.
func (i *Instance) AttachRuntime(r Runtime) {
	i.mu.Lock()
	i.runtime = r
	i.mu.Unlock()
}

// DetachRuntime clears the sandbox handle after stop.
func (i *Instance) DetachRuntime() {
	i.mu.Lock()
	i.runtime = nil
	i.mu.Unlock()
}

// AddSample appends one resource sample, keeping history bounded and
// timestamps monotone.
func (i *Instance) AddSample(s model.ResourceSample) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n := len(i.samples); n > 0 && !s.Timestamp.After(i.samples[n-1].Timestamp) {
		return
	}
	i.samples = append(i.samples, s)
	if i.sampleCap > 0 && len(i.samples) > i.sampleCap {
		i.samples = i.samples[len(i.samples)-i.sampleCap:]
	}
}

// Samples returns a copy of the sample history.
func (i *Instance) Samples() []model.ResourceSample {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]model.ResourceSample, len(i.samples))
	copy(out, i.samples)
	return out
}

// SetAnomalyScore stores the monitor's latest score for status reporting.
func (i *Instance) SetAnomalyScore(score float64) {
	i.mu.Lock()
	i.anomaly = score
	i.mu.Unlock()
}

// AnomalyScore returns the last stored score.
func (i *Instance) AnomalyScore() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.anomaly
}

// Snapshot is a read-only view used by status and report generation.
type Snapshot struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	State        string              `json:"state"`
	StateReason  string              `json:"state_reason,omitempty"`
	StateSince   time.Time           `json:"state_since"`
	AnomalyScore float64             `json:"anomaly_score"`
	LastSample   *model.ResourceSample `json:"last_sample,omitempty"`
	LoadedAt     time.Time           `json:"loaded_at"`
}

// Snapshot captures the instance under its lock.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := Snapshot{
		ID:           i.ID,
		Name:         i.Manifest.Name,
		Version:      i.Manifest.Version,
		State:        i.state.String(),
		StateReason:  i.stateReason,
		StateSince:   i.stateSince,
		AnomalyScore: i.anomaly,
		LoadedAt:     i.loadedAt,
	}
	if n := len(i.samples); n > 0 {
		last := i.samples[n-1]
		s.LastSample = &last
	}
	return s
}
