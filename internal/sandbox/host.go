package sandbox

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/srediag/devsentry/internal/device"
	"github.com/srediag/devsentry/internal/model"
)

// HostAPI is the production HostServices implementation. It is shared by
// every proxy; the per-instance grant checks happen in the proxy, so the
// methods here assume the caller was already admitted.
type HostAPI struct {
	monitor     *device.Monitor
	dialTimeout time.Duration
	// subscribe is set by the orchestrator to bind a plugin to a delivery
	// topic. Nil means queue capabilities resolve but do nothing, which is
	// what tests and degraded startup want.
	subscribe func(pluginID, topic string) error
}

// NewHostAPI wires the host implementations over the device monitor.
func NewHostAPI(monitor *device.Monitor) *HostAPI {
	return &HostAPI{monitor: monitor, dialTimeout: 3 * time.Second}
}

// SetSubscriber installs the queue binding hook.
func (h *HostAPI) SetSubscriber(fn func(pluginID, topic string) error) { h.subscribe = fn }

func (h *HostAPI) ListDevices(match func(model.Device) bool) []model.Device {
	if h.monitor == nil {
		return nil
	}
	return h.monitor.ListDevices(match)
}

func (h *HostAPI) GetDevice(signature string) (model.Device, error) {
	if h.monitor == nil {
		return model.Device{}, model.ErrUnknownDevice
	}
	return h.monitor.GetDevice(signature)
}

func (h *HostAPI) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host read failed,%w", err)
	}
	return data, nil
}

func (h *HostAPI) WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("host write failed,%w", err)
	}
	return nil
}

// Dial opens and immediately closes one egress connection, confirming the
// grant target is reachable. Plugins stream through the channel, not raw
// sockets, so reachability is the whole contract here.
func (h *HostAPI) Dial(host string, port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), h.dialTimeout)
	if err != nil {
		return fmt.Errorf("host dial failed,%w", err)
	}
	return conn.Close()
}

func (h *HostAPI) Subscribe(pluginID, topic string) error {
	if h.subscribe == nil {
		return nil
	}
	return h.subscribe(pluginID, topic)
}
