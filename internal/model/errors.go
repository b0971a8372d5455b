package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrChannelTimeout resolves a request whose per-call deadline passed
	// before a correlated response arrived. Non-fatal for the instance.
	ErrChannelTimeout = errors.New("channel request timed out")

	// ErrChannelSaturated rejects a send once the per-instance in-flight
	// limit is reached. The caller must not queue and retry blindly.
	ErrChannelSaturated = errors.New("channel in-flight limit reached")

	// ErrChannelClosed fails sends and pending requests after teardown.
	ErrChannelClosed = errors.New("channel closed")

	// ErrPayloadTooLarge rejects frames above the configured payload cap.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")

	// ErrUnknownInstance is returned for lifecycle or messaging calls
	// naming an id the registry has never seen or has unloaded.
	ErrUnknownInstance = errors.New("unknown plugin instance")

	// ErrUnknownDevice is returned by the device query surface for a
	// signature with no live record.
	ErrUnknownDevice = errors.New("unknown device signature")

	// ErrSubscriptionClosed terminates a consumer-group receive loop.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ValidationError rejects a manifest outright at load time. Nothing is
// registered when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation failed: %s: %s", e.Field, e.Reason)
}

// PermissionDeniedError reports a capability call absent from the manifest
// grant. It is recorded as a Violation; the instance keeps running unless a
// threshold is crossed elsewhere.
type PermissionDeniedError struct {
	PluginID   string
	Capability string
	Rule       string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied for plugin %s: capability %q not granted (rule %s)", e.PluginID, e.Capability, e.Rule)
}

// ResourceExceededError reports a ceiling breach. Hard breaches force
// termination; soft breaches carry a throttle signal only.
type ResourceExceededError struct {
	PluginID string
	Resource string
	Limit    uint64
	Observed uint64
	Hard     bool
}

func (e *ResourceExceededError) Error() string {
	kind := "soft"
	if e.Hard {
		kind = "hard"
	}
	return fmt.Sprintf("%s %s ceiling exceeded for plugin %s: %d > %d", kind, e.Resource, e.PluginID, e.Observed, e.Limit)
}

// SandboxFaultError reports an uncaught fault inside an isolated context.
// Only the faulting instance is affected.
type SandboxFaultError struct {
	PluginID    string
	ExitCode    int
	Diagnostics string
}

func (e *SandboxFaultError) Error() string {
	return fmt.Sprintf("sandbox fault in plugin %s: exit %d: %s", e.PluginID, e.ExitCode, e.Diagnostics)
}

// QuarantineError marks the terminal security state. Leaving it requires an
// explicit administrative reset.
type QuarantineError struct {
	PluginID  string
	Score     float64
	Threshold float64
	Reason    string
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("plugin %s quarantined (%s): score %.2f crossed threshold %.2f", e.PluginID, e.Reason, e.Score, e.Threshold)
}

// StateTransitionError rejects an illegal lifecycle transition.
type StateTransitionError struct {
	PluginID string
	From     InstanceState
	To       InstanceState
	Op       string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for plugin %s during %s", e.From, e.To, e.PluginID, e.Op)
}
