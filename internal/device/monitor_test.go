package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/devsentry/internal/model"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []model.DeviceEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev model.DeviceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) snapshot() []model.DeviceEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.DeviceEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *capturePublisher) waitFor(t *testing.T, n int) []model.DeviceEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := p.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(p.snapshot()))
	return nil
}

func appleKeyboard() RawNotification {
	return RawNotification{
		Action:    "add",
		VendorID:  0x05ac,
		ProductID: 0x0250,
		Product:   "Apple Keyboard",
		Serial:    "AK-0001",
	}
}

func newTestMonitor(t *testing.T, opts Options) (*Monitor, *MemorySource, *capturePublisher) {
	t.Helper()
	src := NewMemorySource(64)
	pub := &capturePublisher{}
	opts.Source = src
	opts.Publisher = pub
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 30 * time.Millisecond
	}
	m, err := NewMonitor(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m, src, pub
}

func TestDebounceEmitsExactlyOnce(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{})

	// A chattering bus repeats the attach notification several times inside
	// the window; exactly one event must survive.
	for i := 0; i < 5; i++ {
		src.Inject(appleKeyboard())
	}
	evs := pub.waitFor(t, 1)
	time.Sleep(60 * time.Millisecond)
	evs = pub.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventAttach, evs[0].Kind)
	assert.Equal(t, uint16(0x05ac), evs[0].Device.VendorID)
	assert.Equal(t, uint64(1), evs[0].Sequence)
}

func TestDebounceWindowExpires(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{DebounceWindow: 20 * time.Millisecond})

	src.Inject(appleKeyboard())
	pub.waitFor(t, 1)
	time.Sleep(40 * time.Millisecond)
	src.Inject(appleKeyboard())
	evs := pub.waitFor(t, 2)
	assert.Equal(t, uint64(2), evs[1].Sequence)
}

func TestDetachNotDebouncedAgainstAttach(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{})

	n := appleKeyboard()
	src.Inject(n)
	n.Action = "remove"
	src.Inject(n)
	evs := pub.waitFor(t, 2)
	assert.Equal(t, model.EventAttach, evs[0].Kind)
	assert.Equal(t, model.EventDetach, evs[1].Kind)
	assert.Equal(t, evs[0].Device.Signature, evs[1].Device.Signature)
}

func TestVendorFilter(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{
		Filter: Filter{VendorAllow: map[uint16]struct{}{0x05ac: {}}},
	})

	other := appleKeyboard()
	other.VendorID = 0x1234
	other.Serial = "OTHER-1"
	src.Inject(other)
	src.Inject(appleKeyboard())

	evs := pub.waitFor(t, 1)
	require.Len(t, evs, 1)
	assert.Equal(t, uint16(0x05ac), evs[0].Device.VendorID)
}

func TestClassDenyWins(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{
		Filter: Filter{ClassDeny: map[uint8]struct{}{0x03: {}}},
	})

	hid := appleKeyboard()
	hid.Class = 0x03
	src.Inject(hid)
	ok := appleKeyboard()
	ok.Serial = "AK-0002"
	src.Inject(ok)

	evs := pub.waitFor(t, 1)
	require.Len(t, evs, 1)
	assert.Equal(t, "AK-0002", evs[0].Device.Serial)
}

func TestDescriptorFailureYieldsPartialDevice(t *testing.T) {
	_, src, pub := newTestMonitor(t, Options{})

	n := appleKeyboard()
	n.ReadErr = errors.New("sysfs descriptor read failed")
	src.Inject(n)

	evs := pub.waitFor(t, 1)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Device.Incomplete, "degraded read must flag the record, not drop the event")
}

func TestDeviceTableAndGracePeriod(t *testing.T) {
	m, src, pub := newTestMonitor(t, Options{ReclaimGrace: 40 * time.Millisecond})

	n := appleKeyboard()
	src.Inject(n)
	pub.waitFor(t, 1)

	sig := Signature(n.VendorID, n.ProductID, n.Serial)
	dev, err := m.GetDevice(sig)
	require.NoError(t, err)
	assert.Equal(t, "Apple Keyboard", dev.Product)
	assert.Len(t, m.ListDevices(nil), 1)

	n.Action = "remove"
	src.Inject(n)
	pub.waitFor(t, 2)

	// Still visible inside the grace period.
	_, err = m.GetDevice(sig)
	assert.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.GetDevice(sig)
		return errors.Is(err, model.ErrUnknownDevice)
	}, 2*time.Second, 20*time.Millisecond, "device should be reclaimed after grace period")
}

func TestReattachCancelsReclaim(t *testing.T) {
	m, src, pub := newTestMonitor(t, Options{ReclaimGrace: 60 * time.Millisecond})

	n := appleKeyboard()
	src.Inject(n)
	n.Action = "remove"
	src.Inject(n)
	pub.waitFor(t, 2)

	n.Action = "add"
	time.Sleep(35 * time.Millisecond)
	src.Inject(n)
	pub.waitFor(t, 3)

	time.Sleep(100 * time.Millisecond)
	sig := Signature(n.VendorID, n.ProductID, n.Serial)
	_, err := m.GetDevice(sig)
	assert.NoError(t, err, "reattached device must survive the old reclaim timer")
}

func TestConcurrentReadsDuringChurn(t *testing.T) {
	m, src, pub := newTestMonitor(t, Options{DebounceWindow: time.Nanosecond})

	sig := Signature(0x05ac, 0x0250, "AK-0001")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, d := range m.ListDevices(nil) {
					_ = d.LastSeen
				}
				if d, err := m.GetDevice(sig); err == nil {
					_ = d.LastSeen
				}
			}
		}()
	}

	n := appleKeyboard()
	for i := 0; i < 150; i++ {
		n.Action = "add"
		src.Inject(n)
		n.Action = "remove"
		src.Inject(n)
	}
	pub.waitFor(t, 300)
	close(stop)
	wg.Wait()

	dev, err := m.GetDevice(sig)
	require.NoError(t, err)
	assert.False(t, dev.LastSeen.IsZero())
}

func TestRotatingSerialsDoNotGrowState(t *testing.T) {
	m, src, pub := newTestMonitor(t, Options{ReclaimGrace: 20 * time.Millisecond})

	const cycles = 200
	for i := 0; i < cycles; i++ {
		n := appleKeyboard()
		n.Serial = fmt.Sprintf("AK-%04d", i)
		src.Inject(n)
		n.Action = "remove"
		src.Inject(n)
	}
	pub.waitFor(t, 2*cycles)

	// Every device detached, so after the grace period the table and the
	// debounce stamps must both drain back to empty.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		stamps := len(m.lastEmit)
		m.mu.Unlock()
		return m.devices.Count() == 0 && stamps == 0
	}, 3*time.Second, 20*time.Millisecond,
		"monitor state must not accumulate across attach/detach cycles of distinct devices")
}

func TestSignatureStability(t *testing.T) {
	a := Signature(0x05ac, 0x0250, "AK-0001")
	b := Signature(0x05ac, 0x0250, "AK-0001")
	c := Signature(0x05ac, 0x0250, "AK-0002")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
