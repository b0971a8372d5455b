package orchestrator

import (
	"time"

	"github.com/srediag/devsentry/internal/enforcer"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

// Status is the derived per-instance view: registry snapshot plus ledger
// and enforcement data. Nothing here is stored; every call recomputes.
type Status struct {
	registry.Snapshot
	Violations  int                `json:"violations"`
	Quarantined bool               `json:"quarantined"`
	Baseline    *enforcer.Baseline `json:"baseline,omitempty"`
}

// Report is the operator-facing security report.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	Instances       []InstanceReport `json:"instances"`
	Devices         []model.Device   `json:"devices,omitempty"`
	TotalViolations int              `json:"total_violations"`
}

// InstanceReport extends Status with the full violation history.
type InstanceReport struct {
	Status
	RecentViolations []model.Violation `json:"recent_violations,omitempty"`
}

// GetStatus returns the derived status for one instance.
func (o *Orchestrator) GetStatus(id string) (Status, error) {
	inst, err := o.reg.Get(id)
	if err != nil {
		return Status{}, err
	}
	return o.statusOf(inst), nil
}

// ListStatus returns the derived status of every registered instance.
func (o *Orchestrator) ListStatus() []Status {
	insts := o.reg.List()
	out := make([]Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, o.statusOf(inst))
	}
	return out
}

func (o *Orchestrator) statusOf(inst *registry.Instance) Status {
	s := Status{
		Snapshot:   inst.Snapshot(),
		Violations: o.lgr.Count(inst.ID),
	}
	if o.anom != nil {
		s.Quarantined = o.anom.Quarantined(inst.ID)
	}
	if o.enf != nil {
		if b, ok := o.enf.BaselineFor(inst.ID); ok {
			s.Baseline = &b
		}
	}
	return s
}

// GenerateReport assembles the full report from the registry, the ledger
// and the live device table. A positive period restricts the violation
// history to the trailing window; zero means everything.
func (o *Orchestrator) GenerateReport(period time.Duration) Report {
	r := Report{
		GeneratedAt:     time.Now(),
		TotalViolations: o.lgr.Len(),
	}
	var since time.Time
	if period > 0 {
		since = time.Now().Add(-period)
	}
	for _, inst := range o.reg.List() {
		recent := o.lgr.ForPlugin(inst.ID)
		if !since.IsZero() {
			kept := recent[:0]
			for _, v := range recent {
				if !v.Timestamp.Before(since) {
					kept = append(kept, v)
				}
			}
			recent = kept
		}
		r.Instances = append(r.Instances, InstanceReport{
			Status:           o.statusOf(inst),
			RecentViolations: recent,
		})
	}
	if o.mon != nil {
		r.Devices = o.mon.ListDevices(nil)
	}
	return r
}
