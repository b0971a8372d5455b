// Package enforcer samples resource usage of running sandboxes and holds
// each instance to its manifest ceilings. Soft breaches record warning
// violations and raise a throttle signal; sustained breaches terminate the
// sandbox.
package enforcer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

// Sampler observes one process. Production uses the gopsutil sampler;
// tests script sequences.
type Sampler interface {
	Sample(ctx context.Context, pid int) (model.ResourceSample, error)
}

// Config tunes the enforcement loop.
type Config struct {
	// Interval between sampling passes.
	Interval time.Duration
	// BreachWindow is the number of consecutive over-ceiling samples that
	// escalates a breach from soft to hard.
	BreachWindow int
	// BaselineAlpha weights the newest sample in the rolling usage
	// baseline kept for reports. Defaults to 0.2.
	BaselineAlpha float64
	Logger        *zap.Logger
}

// Enforcer runs the sampling loop over every Running instance.
type Enforcer struct {
	cfg     Config
	reg     *registry.Registry
	sampler Sampler
	ledger  *ledger.Ledger
	log     *zap.Logger

	// onHardBreach terminates the sandbox; wired by the orchestrator.
	onHardBreach func(pluginID string, breach *model.ResourceExceededError)
	// onThrottle lowers delivery priority for the instance. Optional.
	onThrottle func(pluginID string)

	mu     sync.Mutex
	tracks map[string]*track
}

// track is the per-instance enforcement memory.
type track struct {
	memStreak int
	cpuStreak int
	ewmaRSS   float64
	ewmaCPU   float64
	seeded    bool
}

// Baseline is the rolling usage estimate exposed in reports.
type Baseline struct {
	RSSBytes   float64 `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
}

// New builds an enforcer over the shared registry and ledger.
func New(cfg Config, reg *registry.Registry, sampler Sampler, lg *ledger.Ledger) *Enforcer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BreachWindow <= 0 {
		cfg.BreachWindow = 3
	}
	if cfg.BaselineAlpha <= 0 || cfg.BaselineAlpha > 1 {
		cfg.BaselineAlpha = 0.2
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Enforcer{
		cfg:     cfg,
		reg:     reg,
		sampler: sampler,
		ledger:  lg,
		log:     cfg.Logger.Named("enforcer"),
		tracks:  make(map[string]*track),
	}
}

// OnHardBreach installs the termination hook.
func (e *Enforcer) OnHardBreach(fn func(pluginID string, breach *model.ResourceExceededError)) {
	e.onHardBreach = fn
}

// OnThrottle installs the soft-breach hook.
func (e *Enforcer) OnThrottle(fn func(pluginID string)) { e.onThrottle = fn }

// Run executes sampling passes until ctx is done.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick performs one sampling pass over every Running instance.
func (e *Enforcer) Tick(ctx context.Context) {
	for _, inst := range e.reg.List() {
		state, _ := inst.State()
		if state != model.StateRunning {
			continue
		}
		rt := inst.Runtime()
		if rt == nil {
			continue
		}
		sample, err := e.sampler.Sample(ctx, rt.PID())
		if err != nil {
			e.log.Debug("sample failed", zap.String("plugin", inst.ID), zap.Error(err))
			continue
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = time.Now()
		}
		inst.AddSample(sample)
		e.evaluate(inst, sample)
	}
}

func (e *Enforcer) evaluate(inst *registry.Instance, s model.ResourceSample) {
	e.mu.Lock()
	tr, ok := e.tracks[inst.ID]
	if !ok {
		tr = &track{}
		e.tracks[inst.ID] = tr
	}
	if !tr.seeded {
		tr.ewmaRSS = float64(s.RSSBytes)
		tr.ewmaCPU = s.CPUPercent
		tr.seeded = true
	} else {
		alpha := e.cfg.BaselineAlpha
		tr.ewmaRSS = alpha*float64(s.RSSBytes) + (1-alpha)*tr.ewmaRSS
		tr.ewmaCPU = alpha*s.CPUPercent + (1-alpha)*tr.ewmaCPU
	}
	limits := inst.Manifest.Resources

	var hard *model.ResourceExceededError
	soft := false
	if limits.MemoryBytes > 0 && s.RSSBytes > limits.MemoryBytes {
		tr.memStreak++
		if tr.memStreak >= e.cfg.BreachWindow {
			hard = &model.ResourceExceededError{
				PluginID: inst.ID, Resource: "memory",
				Limit: limits.MemoryBytes, Observed: s.RSSBytes, Hard: true,
			}
		} else {
			soft = true
		}
	} else {
		tr.memStreak = 0
	}
	if hard == nil && limits.CPUPercent > 0 && s.CPUPercent > limits.CPUPercent {
		tr.cpuStreak++
		if tr.cpuStreak >= e.cfg.BreachWindow {
			hard = &model.ResourceExceededError{
				PluginID: inst.ID, Resource: "cpu",
				Limit: uint64(limits.CPUPercent), Observed: uint64(s.CPUPercent), Hard: true,
			}
		} else {
			soft = true
		}
	} else {
		tr.cpuStreak = 0
	}
	e.mu.Unlock()

	switch {
	case hard != nil:
		e.ledger.Record(model.Violation{
			PluginID: inst.ID,
			Type:     model.ViolationResource,
			Severity: model.SeverityCritical,
			Rule:     "resources." + hard.Resource,
			Evidence: hard.Error(),
		})
		if e.onHardBreach != nil {
			e.onHardBreach(inst.ID, hard)
		}
	case soft:
		e.ledger.Record(model.Violation{
			PluginID: inst.ID,
			Type:     model.ViolationResource,
			Severity: model.SeverityWarning,
			Rule:     "resources",
			Evidence: softEvidence(s, limits.MemoryBytes, limits.CPUPercent),
		})
		if e.onThrottle != nil {
			e.onThrottle(inst.ID)
		}
	}
}

func softEvidence(s model.ResourceSample, memLimit uint64, cpuLimit float64) string {
	if memLimit > 0 && s.RSSBytes > memLimit {
		return (&model.ResourceExceededError{Resource: "memory", Limit: memLimit, Observed: s.RSSBytes}).Error()
	}
	return (&model.ResourceExceededError{Resource: "cpu", Limit: uint64(cpuLimit), Observed: uint64(s.CPUPercent)}).Error()
}

// BaselineFor returns the rolling usage estimate for one instance.
func (e *Enforcer) BaselineFor(pluginID string) (Baseline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr, ok := e.tracks[pluginID]
	if !ok || !tr.seeded {
		return Baseline{}, false
	}
	return Baseline{RSSBytes: tr.ewmaRSS, CPUPercent: tr.ewmaCPU}, true
}

// Forget drops enforcement memory for an instance, used on unload and
// after quarantine reset so a restart begins with a clean streak.
func (e *Enforcer) Forget(pluginID string) {
	e.mu.Lock()
	delete(e.tracks, pluginID)
	e.mu.Unlock()
}
