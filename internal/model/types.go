// Package model holds the domain types shared across devsentry components:
// devices, device events, plugin lifecycle state, violations and channel
// messages, plus the typed error taxonomy every component reports through.
package model

import (
	"fmt"
	"time"
)

// DeviceEventKind classifies a hot-plug event.
type DeviceEventKind string

const (
	EventAttach DeviceEventKind = "attach"
	EventDetach DeviceEventKind = "detach"
	EventError  DeviceEventKind = "error"
)

// Device describes one physical device observed on the bus. Identity fields
// are immutable after first sight; only FirstSeen/LastSeen move.
type Device struct {
	VendorID      uint16    `json:"vendor_id"`
	ProductID     uint16    `json:"product_id"`
	Class         uint8     `json:"class"`
	Manufacturer  string    `json:"manufacturer,omitempty"`
	Product       string    `json:"product,omitempty"`
	Serial        string    `json:"serial,omitempty"`
	BusLocation   string    `json:"bus_location,omitempty"`
	RawDescriptor []byte    `json:"-"`
	Signature     string    `json:"signature"`
	Incomplete    bool      `json:"incomplete,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// DeviceEvent is one normalized, deduplicated hot-plug notification.
type DeviceEvent struct {
	Kind      DeviceEventKind `json:"kind"`
	Device    Device          `json:"device"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// InstanceState is the plugin lifecycle state.
type InstanceState int

const (
	StateLoaded InstanceState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateBlocked
	StateFailed
)

var stateNames = map[InstanceState]string{
	StateLoaded:   "loaded",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateBlocked:  "blocked",
	StateFailed:   "failed",
}

func (s InstanceState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ViolationType classifies a recorded policy breach.
type ViolationType string

const (
	ViolationPermission ViolationType = "permission"
	ViolationResource   ViolationType = "resource"
	ViolationBehavior   ViolationType = "behavior"
	ViolationIntegrity  ViolationType = "integrity"
)

// Severity of a violation. Critical violations feed escalation paths;
// warnings only accumulate.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation is one append-only ledger entry attributed to an instance.
type Violation struct {
	PluginID  string        `json:"plugin_id"`
	Type      ViolationType `json:"type"`
	Severity  Severity      `json:"severity"`
	Rule      string        `json:"rule"`
	Evidence  string        `json:"evidence,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// MessageDirection tags which side originated a channel message.
type MessageDirection int

const (
	HostToPlugin MessageDirection = iota
	PluginToHost
)

// ChannelMessage is the unit of host<->sandbox traffic.
type ChannelMessage struct {
	ID            string           `json:"id"`
	Direction     MessageDirection `json:"direction"`
	Type          string           `json:"type"`
	Payload       []byte           `json:"payload,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// ResourceSample is one enforcer observation for an instance.
type ResourceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	Handles    int32     `json:"handles,omitempty"`
}

// AuditEvent is one behavioral observation fed to the security monitor.
type AuditEvent struct {
	PluginID  string    `json:"plugin_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit event kinds produced by the runtime.
const (
	AuditPermissionDenied   = "permission_denied"
	AuditMessageFlood       = "message_flood"
	AuditDeviceUnauthorized = "device_unauthorized"
	AuditSandboxFault       = "sandbox_fault"
)
