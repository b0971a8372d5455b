// Package sandbox executes plugin instances in isolated OS processes and
// mediates every host capability through a closed, manifest-checked proxy.
// No sandbox ever holds an ambient host handle: the only way out is a
// capability request over the secure channel, and the proxy decides.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/srediag/devsentry/internal/channel"
	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/model"
)

// CapabilityKind enumerates the closed set of operations a sandbox may
// request. Anything outside this set is denied without dispatch.
type CapabilityKind string

const (
	CapDeviceList     CapabilityKind = "device.list"
	CapDeviceInfo     CapabilityKind = "device.info"
	CapFSRead         CapabilityKind = "fs.read"
	CapFSWrite        CapabilityKind = "fs.write"
	CapNetDial        CapabilityKind = "net.dial"
	CapQueueSubscribe CapabilityKind = "queue.subscribe"
)

// CapabilityRequest is the tagged variant a sandbox sends over the channel.
type CapabilityRequest struct {
	Kind      CapabilityKind        `json:"kind"`
	Path      string                `json:"path,omitempty"`
	Data      []byte                `json:"data,omitempty"`
	Signature string                `json:"signature,omitempty"`
	Host      string                `json:"host,omitempty"`
	Port      int                   `json:"port,omitempty"`
	Topic     string                `json:"topic,omitempty"`
	Filter    manifest.DeviceFilter `json:"filter,omitempty"`
}

// CapabilityResult carries the successful outcome back to the sandbox.
type CapabilityResult struct {
	Devices []model.Device `json:"devices,omitempty"`
	Device  *model.Device  `json:"device,omitempty"`
	Data    []byte         `json:"data,omitempty"`
}

// HostServices are the real host implementations behind the proxy. They are
// reached only after a grant check succeeds.
type HostServices interface {
	ListDevices(match func(model.Device) bool) []model.Device
	GetDevice(signature string) (model.Device, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Dial(host string, port int) error
	Subscribe(pluginID, topic string) error
}

// Proxy enforces one instance's manifest grants. Each denial records a
// Violation and emits an audit event; the host implementation is never
// invoked on a mismatch.
type Proxy struct {
	pluginID string
	perms    manifest.Permissions
	host     HostServices
	ledger   *ledger.Ledger
	audit    func(model.AuditEvent)
	incoming func(model.ChannelMessage)
}

// NewProxy builds the capability proxy for one instance.
func NewProxy(pluginID string, perms manifest.Permissions, host HostServices, lg *ledger.Ledger, audit func(model.AuditEvent)) *Proxy {
	return &Proxy{pluginID: pluginID, perms: perms, host: host, ledger: lg, audit: audit}
}

// ObserveIncoming installs an observer for every inbound channel message
// from this instance; the runners wire it into the session so message-rate
// auditing sees all traffic.
func (p *Proxy) ObserveIncoming(fn func(model.ChannelMessage)) { p.incoming = fn }

// IncomingObserver returns the installed observer, nil when unset.
func (p *Proxy) IncomingObserver() func(model.ChannelMessage) { return p.incoming }

// Invoke dispatches one capability request through the closed switch.
func (p *Proxy) Invoke(_ context.Context, req CapabilityRequest) (CapabilityResult, error) {
	switch req.Kind {
	case CapDeviceList:
		if len(p.perms.Devices) == 0 {
			return CapabilityResult{}, p.deny(req, "permissions.devices", model.AuditDeviceUnauthorized)
		}
		devices := p.host.ListDevices(func(d model.Device) bool {
			return p.perms.AllowsDevice(d) && req.Filter.Matches(d)
		})
		return CapabilityResult{Devices: devices}, nil

	case CapDeviceInfo:
		dev, err := p.host.GetDevice(req.Signature)
		if err != nil {
			return CapabilityResult{}, err
		}
		if !p.perms.AllowsDevice(dev) {
			return CapabilityResult{}, p.deny(req, "permissions.devices", model.AuditDeviceUnauthorized)
		}
		return CapabilityResult{Device: &dev}, nil

	case CapFSRead:
		if !p.perms.AllowsPath(req.Path, false) {
			return CapabilityResult{}, p.deny(req, "permissions.filesystem", model.AuditPermissionDenied)
		}
		data, err := p.host.ReadFile(req.Path)
		if err != nil {
			return CapabilityResult{}, err
		}
		return CapabilityResult{Data: data}, nil

	case CapFSWrite:
		if !p.perms.AllowsPath(req.Path, true) {
			return CapabilityResult{}, p.deny(req, "permissions.filesystem", model.AuditPermissionDenied)
		}
		return CapabilityResult{}, p.host.WriteFile(req.Path, req.Data)

	case CapNetDial:
		if !p.perms.AllowsNetwork(req.Host, req.Port) {
			return CapabilityResult{}, p.deny(req, "permissions.network", model.AuditPermissionDenied)
		}
		return CapabilityResult{}, p.host.Dial(req.Host, req.Port)

	case CapQueueSubscribe:
		if !p.perms.AllowsQueue(req.Topic) {
			return CapabilityResult{}, p.deny(req, "permissions.queues", model.AuditPermissionDenied)
		}
		return CapabilityResult{}, p.host.Subscribe(p.pluginID, req.Topic)
	}
	return CapabilityResult{}, p.deny(req, "capability", model.AuditPermissionDenied)
}

func (p *Proxy) deny(req CapabilityRequest, rule, auditKind string) error {
	evidence := string(req.Kind)
	if req.Path != "" {
		evidence += " " + req.Path
	}
	if req.Signature != "" {
		evidence += " " + req.Signature
	}
	if p.ledger != nil {
		p.ledger.Record(model.Violation{
			PluginID: p.pluginID,
			Type:     model.ViolationPermission,
			Severity: model.SeverityWarning,
			Rule:     rule,
			Evidence: evidence,
		})
	}
	if p.audit != nil {
		p.audit(model.AuditEvent{
			PluginID: p.pluginID,
			Kind:     auditKind,
			Detail:   evidence,
			Weight:   1,
		})
	}
	return &model.PermissionDeniedError{PluginID: p.pluginID, Capability: string(req.Kind), Rule: rule}
}

// MessageTypeCapability is the channel message type carrying a
// CapabilityRequest payload.
const MessageTypeCapability = "capability"

// ChannelHandler adapts the proxy to the secure channel: capability
// messages are dispatched, everything else is rejected.
func (p *Proxy) ChannelHandler() channel.Handler {
	return func(ctx context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
		if msg.Type != MessageTypeCapability {
			return model.ChannelMessage{}, fmt.Errorf("unsupported message type %q", msg.Type)
		}
		var req CapabilityRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return model.ChannelMessage{}, fmt.Errorf("decode capability request: %w", err)
		}
		result, err := p.Invoke(ctx, req)
		if err != nil {
			return model.ChannelMessage{}, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return model.ChannelMessage{}, err
		}
		return model.ChannelMessage{Type: "capability.result", Payload: payload}, nil
	}
}
