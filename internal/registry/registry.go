// Package registry validates plugin packages, owns the lifecycle state
// machine and holds the shared instance table. All lifecycle state writes
// funnel through Transition, giving single-writer semantics; reads are
// lock-brief snapshots.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/model"
)

// Policy is the host-side admission policy applied on top of manifest
// validation.
type Policy struct {
	// ExclusiveMinTrust is the minimum trust level allowed to claim a
	// device exclusively.
	ExclusiveMinTrust manifest.TrustLevel
	// RequireSignature rejects manifests without a detached signature.
	RequireSignature bool
}

// Registry is the shared instance table plus lifecycle authority.
type Registry struct {
	policy    Policy
	log       *zap.Logger
	sampleCap int
	instances cmap.ConcurrentMap[string, *Instance]
}

// New returns an empty registry.
func New(policy Policy, sampleCap int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.ExclusiveMinTrust == "" {
		policy.ExclusiveMinTrust = manifest.TrustTrusted
	}
	if sampleCap <= 0 {
		sampleCap = 60
	}
	return &Registry{
		policy:    policy,
		log:       log.Named("registry"),
		sampleCap: sampleCap,
		instances: cmap.New[*Instance](),
	}
}

// Load validates the package at dir against schema, integrity and host
// policy, then registers a Loaded instance. On any error nothing is
// registered.
func (r *Registry) Load(dir string) (*Instance, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}
	if err := r.checkPolicy(m); err != nil {
		return nil, err
	}
	inst := &Instance{
		ID:         uuid.NewString(),
		Dir:        dir,
		Manifest:   m,
		state:      model.StateLoaded,
		stateSince: time.Now(),
		loadedAt:   time.Now(),
		sampleCap:  r.sampleCap,
	}
	r.instances.Set(inst.ID, inst)
	r.log.Info("plugin loaded",
		zap.String("id", inst.ID),
		zap.String("name", m.Name),
		zap.String("version", m.Version),
		zap.String("trust", string(m.Trust)))
	return inst, nil
}

func (r *Registry) checkPolicy(m *manifest.Manifest) error {
	if m.Permissions.ClaimsExclusive() && !m.Trust.AtLeast(r.policy.ExclusiveMinTrust) {
		return &model.ValidationError{
			Field:  "permissions.devices",
			Reason: fmt.Sprintf("exclusive device claims require trust %q or higher", r.policy.ExclusiveMinTrust),
		}
	}
	if r.policy.RequireSignature && m.Integrity.Signature == "" {
		return &model.ValidationError{
			Field:  "integrity.signature",
			Reason: "host policy requires a manifest signature",
		}
	}
	return nil
}

// Get resolves an instance id.
func (r *Registry) Get(id string) (*Instance, error) {
	inst, ok := r.instances.Get(id)
	if !ok {
		return nil, model.ErrUnknownInstance
	}
	return inst, nil
}

// List returns all registered instances.
func (r *Registry) List() []*Instance {
	out := make([]*Instance, 0, r.instances.Count())
	for _, inst := range r.instances.Items() {
		out = append(out, inst)
	}
	return out
}

// Transition moves an instance to a new state, rejecting moves the
// lifecycle graph does not permit. op names the caller's operation for the
// error message; reason is stored for status reporting.
func (r *Registry) Transition(id string, to model.InstanceState, op, reason string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !canTransition(inst.state, to) {
		return &model.StateTransitionError{PluginID: id, From: inst.state, To: to, Op: op}
	}
	from := inst.state
	inst.state = to
	inst.stateReason = reason
	inst.stateSince = time.Now()
	r.log.Info("lifecycle transition",
		zap.String("id", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))
	return nil
}

// Block moves an instance to Blocked. It exists as a named operation so
// the transition is always tied to an explicit violation-driven decision.
func (r *Registry) Block(id, reason string) error {
	return r.Transition(id, model.StateBlocked, "block", reason)
}

// Reset is the administrative exit from quarantine: Blocked -> Stopped.
func (r *Registry) Reset(id string) error {
	return r.Transition(id, model.StateStopped, "reset", "administrative reset")
}

// Unload removes an instance. Only Stopped and Blocked instances may be
// unloaded.
func (r *Registry) Unload(id string) error {
	inst, err := r.Get(id)
	if err != nil {
		return err
	}
	state, _ := inst.State()
	if state != model.StateStopped && state != model.StateBlocked {
		return &model.StateTransitionError{PluginID: id, From: state, To: state, Op: "unload"}
	}
	r.instances.Remove(id)
	r.log.Info("plugin unloaded", zap.String("id", id), zap.String("name", inst.Manifest.Name))
	return nil
}
