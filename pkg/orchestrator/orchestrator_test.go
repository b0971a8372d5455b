package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/anomaly"
	"github.com/srediag/devsentry/internal/channel"
	"github.com/srediag/devsentry/internal/config"
	"github.com/srediag/devsentry/internal/eventlog"
	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
	"github.com/srediag/devsentry/internal/sandbox"
)

// writeKeyboardPackage creates a loadable package granting vendor 0x05ac
// and nothing else.
func writeKeyboardPackage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	entry := []byte("#!/bin/sh\nexit 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin"), entry, 0o755))
	sum := sha256.Sum256(entry)
	doc := fmt.Sprintf(`name: keyboard-watch
version: 1.0.0
entry: plugin
trust: standard
permissions:
  devices:
    - vendor_id: "0x05ac"
resources:
  memory_bytes: 67108864
  cpu_percent: 50
integrity:
  sha256: %s
`, hex.EncodeToString(sum[:]))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(doc), 0o600))
	return dir
}

type harness struct {
	orc    *Orchestrator
	reg    *registry.Registry
	lgr    *ledger.Ledger
	evl    *eventlog.Log
	anom   *anomaly.Monitor
	host   *hostStub
	alerts chan string
	cancel context.CancelFunc
	done   chan error
}

// hostStub satisfies sandbox.HostServices for wiring tests.
type hostStub struct{}

func (hostStub) ListDevices(func(model.Device) bool) []model.Device { return nil }
func (hostStub) GetDevice(string) (model.Device, error)            { return model.Device{}, model.ErrUnknownDevice }
func (hostStub) ReadFile(string) ([]byte, error)                   { return nil, os.ErrNotExist }
func (hostStub) WriteFile(string, []byte) error                    { return nil }
func (hostStub) Dial(string, int) error                            { return nil }
func (hostStub) Subscribe(string, string) error                    { return nil }

func newHarness(t *testing.T, lb *sandbox.Loopback, scorer anomaly.Scorer) *harness {
	t.Helper()
	cfg := config.Default()
	reg := registry.New(registry.Policy{}, 16, zap.NewNop())
	lgr := ledger.New(zap.NewNop(), nil)
	evl, err := eventlog.Open(eventlog.Options{
		Path:              filepath.Join(t.TempDir(), "events.db"),
		Retention:         128,
		VisibilityTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { evl.Close() })

	anom := anomaly.New(anomaly.Config{
		Window:    time.Minute,
		Threshold: 0.8,
	}, reg, scorer)

	alerts := make(chan string, 8)
	host := &hostStub{}
	orc, err := New(Options{
		Config:   cfg,
		Registry: reg,
		Ledger:   lgr,
		Events:   evl,
		Host:     host,
		Starter:  lb,
		Anomaly:  anom,
		Alert:    func(msg string) { alerts <- msg },
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orc.Run(ctx) }()

	h := &harness{
		orc: orc, reg: reg, lgr: lgr, evl: evl, anom: anom,
		host: host, alerts: alerts, cancel: cancel, done: done,
	}
	t.Cleanup(func() {
		shutCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = orc.Shutdown(shutCtx)
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("orchestrator run loop did not exit")
		}
	})
	return h
}

func attachEvent(seq uint64, vendor uint16) model.DeviceEvent {
	return model.DeviceEvent{
		Kind: model.EventAttach,
		Device: model.Device{
			VendorID:  vendor,
			ProductID: 0x024f,
			Signature: fmt.Sprintf("%04x-%d", vendor, seq),
		},
		Sequence:  seq,
		Timestamp: time.Now(),
		Source:    "test",
	}
}

func TestAttachDeliveredOnlyToEntitledPlugin(t *testing.T) {
	seen := make(chan model.ChannelMessage, 8)
	lb := &sandbox.Loopback{
		GuestHandler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			seen <- msg
			return model.ChannelMessage{}, nil
		},
	}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))

	_, err = h.evl.Append(context.Background(), attachEvent(1, 0x05ac))
	require.NoError(t, err)

	select {
	case msg := <-seen:
		assert.Equal(t, "device.attach", msg.Type)
		var ev model.DeviceEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, uint16(0x05ac), ev.Device.VendorID)
		assert.Equal(t, uint64(1), ev.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("entitled plugin never saw the attach")
	}

	// A device outside the grant must not be fanned out to this plugin.
	_, err = h.evl.Append(context.Background(), attachEvent(2, 0x1d6b))
	require.NoError(t, err)
	select {
	case msg := <-seen:
		t.Fatalf("plugin saw event outside its grant: %s", msg.Payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDuplicateSequenceNotRedelivered(t *testing.T) {
	seen := make(chan model.ChannelMessage, 8)
	lb := &sandbox.Loopback{
		GuestHandler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			seen <- msg
			return model.ChannelMessage{}, nil
		},
	}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))

	ev := attachEvent(5, 0x05ac)
	_, err = h.evl.Append(context.Background(), ev)
	require.NoError(t, err)
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}

	// The same sequence appended again (a producer retry) must be
	// suppressed for a consumer that already handled it.
	_, err = h.evl.Append(context.Background(), ev)
	require.NoError(t, err)
	select {
	case <-seen:
		t.Fatal("duplicate sequence delivered twice")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSendMessageRoundtrip(t *testing.T) {
	lb := &sandbox.Loopback{
		GuestHandler: func(_ context.Context, msg model.ChannelMessage) (model.ChannelMessage, error) {
			return model.ChannelMessage{Type: "pong", Payload: msg.Payload}, nil
		},
	}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)

	// Messaging a plugin that is not running is a lifecycle error.
	_, err = h.orc.SendMessage(context.Background(), inst.ID, model.ChannelMessage{Type: "ping"})
	var stErr *model.StateTransitionError
	require.ErrorAs(t, err, &stErr)

	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))
	resp, err := h.orc.SendMessage(context.Background(), inst.ID, model.ChannelMessage{
		Type:    "ping",
		Payload: []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Type)
	assert.Equal(t, []byte("hello"), resp.Payload)
}

func TestSandboxFaultLandsInFailed(t *testing.T) {
	lb := &sandbox.Loopback{
		Guest: func(ctx context.Context, _ *channel.Session) error {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
			return fmt.Errorf("decoder crashed")
		},
	}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))

	require.Eventually(t, func() bool {
		state, reason := inst.State()
		return state == model.StateFailed && reason == "sandbox_fault"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Nil(t, inst.Runtime())

	// A contained fault must leave the instance restartable.
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))
}

func TestRepeatedDenialsQuarantineAndReset(t *testing.T) {
	spam := make(chan struct{})
	lb := &sandbox.Loopback{
		Guest: func(ctx context.Context, sess *channel.Session) error {
			payload, _ := json.Marshal(sandbox.CapabilityRequest{
				Kind: sandbox.CapFSRead,
				Path: "/etc/shadow",
			})
			for i := 0; i < 6; i++ {
				_, err := sess.Request(ctx, model.ChannelMessage{
					Type:    sandbox.MessageTypeCapability,
					Payload: payload,
				})
				if err != nil {
					break
				}
			}
			close(spam)
			<-ctx.Done()
			return nil
		},
	}
	h := newHarness(t, lb, anomaly.WeightScorer{Saturation: 4})

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))

	select {
	case <-spam:
	case <-time.After(3 * time.Second):
		t.Fatal("guest never finished probing")
	}

	require.Eventually(t, func() bool {
		state, _ := inst.State()
		return state == model.StateBlocked
	}, 3*time.Second, 20*time.Millisecond, "denial spree must quarantine the instance")
	assert.True(t, h.anom.Quarantined(inst.ID))
	assert.Greater(t, h.lgr.Count(inst.ID), 3)

	select {
	case msg := <-h.alerts:
		assert.Contains(t, msg, "quarantined")
	case <-time.After(time.Second):
		t.Fatal("quarantine raised no alert")
	}

	require.NoError(t, h.orc.ResetQuarantine(inst.ID))
	state, _ := inst.State()
	assert.Equal(t, model.StateStopped, state)
	assert.False(t, h.anom.Quarantined(inst.ID))
}

func TestStatusAndReportDerived(t *testing.T) {
	lb := &sandbox.Loopback{}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)

	h.lgr.Record(model.Violation{
		PluginID: inst.ID,
		Type:     model.ViolationPermission,
		Severity: model.SeverityWarning,
		Rule:     "permissions.filesystem",
	})

	status, err := h.orc.GetStatus(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "keyboard-watch", status.Name)
	assert.Equal(t, "loaded", status.State)
	assert.Equal(t, 1, status.Violations)

	report := h.orc.GenerateReport(0)
	require.Len(t, report.Instances, 1)
	assert.Equal(t, 1, report.TotalViolations)
	require.Len(t, report.Instances[0].RecentViolations, 1)
	assert.Equal(t, model.ViolationPermission, report.Instances[0].RecentViolations[0].Type)
	assert.False(t, report.GeneratedAt.IsZero())

	// A period that predates the violation excludes it from the history
	// while the aggregate count still covers the full ledger.
	old := h.orc.GenerateReport(time.Nanosecond)
	assert.Empty(t, old.Instances[0].RecentViolations)
	assert.Equal(t, 1, old.TotalViolations)

	_, err = h.orc.GetStatus("no-such-id")
	assert.ErrorIs(t, err, model.ErrUnknownInstance)
}

func TestShutdownStopsRunningPlugins(t *testing.T) {
	lb := &sandbox.Loopback{}
	h := newHarness(t, lb, nil)

	inst, err := h.orc.LoadPlugin(writeKeyboardPackage(t))
	require.NoError(t, err)
	require.NoError(t, h.orc.StartPlugin(context.Background(), inst.ID))

	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orc.Shutdown(shutCtx))

	state, _ := inst.State()
	assert.Equal(t, model.StateStopped, state)
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run loop survived shutdown")
	}
}
