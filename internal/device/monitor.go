// Package device implements the hot-plug monitor: it normalizes raw OS
// notifications into deduplicated DeviceEvents, applies vendor/class
// filters, and owns the live device table with grace-period reclamation
// after detach.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
)

// Publisher receives normalized events. The event log implements it.
type Publisher interface {
	Publish(ctx context.Context, ev model.DeviceEvent) error
}

// Filter restricts which devices produce events. Empty allow sets admit
// everything; ClassDeny always wins.
type Filter struct {
	VendorAllow  map[uint16]struct{}
	ProductAllow map[uint16]struct{}
	ClassDeny    map[uint8]struct{}
}

// Admit reports whether a notification passes the filter.
func (f Filter) Admit(n RawNotification) bool {
	if _, denied := f.ClassDeny[n.Class]; denied {
		return false
	}
	if len(f.VendorAllow) > 0 {
		if _, ok := f.VendorAllow[n.VendorID]; !ok {
			return false
		}
	}
	if len(f.ProductAllow) > 0 {
		if _, ok := f.ProductAllow[n.ProductID]; !ok {
			return false
		}
	}
	return true
}

// Options configures a Monitor.
type Options struct {
	Source         Source
	Publisher      Publisher
	Filter         Filter
	DebounceWindow time.Duration
	ReclaimGrace   time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Set
}

// deviceRecord guards its fields with its own mutex: the monitor loop
// mutates records that ListDevices/GetDevice read concurrently, and the
// concurrent map only protects map access.
type deviceRecord struct {
	mu        sync.Mutex
	dev       model.Device
	connected bool
}

func (r *deviceRecord) snapshot() model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dev
}

type emitStamp struct {
	kind model.DeviceEventKind
	at   time.Time
}

// Monitor is the device hot-plug monitor. One Monitor owns one Source.
type Monitor struct {
	src     Source
	pub     Publisher
	filter  Filter
	window  time.Duration
	log     *zap.Logger
	met     *metrics.Set
	seq     atomic.Uint64
	devices cmap.ConcurrentMap[string, *deviceRecord]
	reclaim *expirable.LRU[string, string]

	mu       sync.Mutex
	lastEmit map[string]emitStamp

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewMonitor wires a Monitor; Start must be called before events flow.
func NewMonitor(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("device monitor requires a source")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("device monitor requires a publisher")
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 35 * time.Millisecond
	}
	if opts.ReclaimGrace <= 0 {
		opts.ReclaimGrace = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	m := &Monitor{
		src:      opts.Source,
		pub:      opts.Publisher,
		filter:   opts.Filter,
		window:   opts.DebounceWindow,
		log:      opts.Logger.Named("device"),
		met:      opts.Metrics,
		devices:  cmap.New[*deviceRecord](),
		lastEmit: make(map[string]emitStamp),
	}
	m.reclaim = expirable.NewLRU[string, string](1024, func(sig, _ string) {
		rec, ok := m.devices.Get(sig)
		if !ok {
			return
		}
		rec.mu.Lock()
		connected := rec.connected
		rec.mu.Unlock()
		if connected {
			return
		}
		m.devices.Remove(sig)
		// The debounce stamp goes with the record, so rotating serials
		// cannot grow monitor state without bound.
		m.mu.Lock()
		delete(m.lastEmit, sig)
		m.mu.Unlock()
		m.log.Debug("reclaimed detached device", zap.String("signature", sig))
	}, opts.ReclaimGrace)
	return m, nil
}

// Start begins consuming the source. The monitor loop publishes to the
// event log and returns to the source immediately; it never waits on
// plugin consumers.
func (m *Monitor) Start(ctx context.Context) error {
	if m.started {
		return fmt.Errorf("device monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, err := m.src.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start device source: %w", err)
	}
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true
	go m.loop(ctx, ch)
	return nil
}

// Stop terminates the source and waits for the loop to drain.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	m.src.Stop()
	m.cancel()
	<-m.done
	m.started = false
}

func (m *Monitor) loop(ctx context.Context, ch <-chan RawNotification) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			m.handle(ctx, n)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, n RawNotification) {
	if !m.filter.Admit(n) {
		return
	}
	sig := Signature(n.VendorID, n.ProductID, n.Serial)
	var kind model.DeviceEventKind
	switch n.Action {
	case "add":
		kind = model.EventAttach
	case "remove":
		kind = model.EventDetach
	default:
		kind = model.EventError
	}
	if m.debounced(sig, kind) {
		m.met.DebouncedEvents.Inc()
		return
	}

	now := time.Now()
	dev := m.upsert(sig, n, kind, now)
	ev := model.DeviceEvent{
		Kind:      kind,
		Device:    dev,
		Sequence:  m.seq.Add(1),
		Timestamp: now,
		Source:    m.src.Name(),
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		// Publish failures are reported, never masked by retries here;
		// the log layer owns its own bounded retry.
		m.log.Error("publish device event failed",
			zap.String("signature", sig),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	m.met.DeviceEvents.WithLabelValues(string(kind)).Inc()
	if n.ReadErr != nil {
		m.log.Warn("descriptor read degraded to partial record",
			zap.String("signature", sig), zap.Error(n.ReadErr))
	}
}

// debounced suppresses a repeat of the same kind for one signature inside
// the configured window. Exactly one event per window survives.
func (m *Monitor) debounced(sig string, kind model.DeviceEventKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if last, ok := m.lastEmit[sig]; ok && last.kind == kind && now.Sub(last.at) < m.window {
		return true
	}
	m.lastEmit[sig] = emitStamp{kind: kind, at: now}
	return false
}

func (m *Monitor) upsert(sig string, n RawNotification, kind model.DeviceEventKind, now time.Time) model.Device {
	rec, ok := m.devices.Get(sig)
	if !ok {
		rec = &deviceRecord{dev: model.Device{
			VendorID:      n.VendorID,
			ProductID:     n.ProductID,
			Class:         n.Class,
			Manufacturer:  n.Manufacturer,
			Product:       n.Product,
			Serial:        n.Serial,
			BusLocation:   n.BusLocation,
			RawDescriptor: n.Raw,
			Signature:     sig,
			Incomplete:    n.ReadErr != nil,
			FirstSeen:     now,
		}}
		m.devices.Set(sig, rec)
	}
	rec.mu.Lock()
	rec.dev.LastSeen = now
	switch kind {
	case model.EventAttach:
		rec.connected = true
	case model.EventDetach:
		rec.connected = false
	}
	dev := rec.dev
	rec.mu.Unlock()
	// The reclaim cache runs its eviction callback inline and takes the
	// record lock itself, so touch it only after the record is released.
	switch kind {
	case model.EventAttach:
		m.reclaim.Remove(sig)
	case model.EventDetach:
		m.reclaim.Add(sig, sig)
	}
	return dev
}

// ListDevices returns the devices currently tracked, filtered by match when
// non-nil. Detached devices remain visible until their grace period lapses.
func (m *Monitor) ListDevices(match func(model.Device) bool) []model.Device {
	out := make([]model.Device, 0, m.devices.Count())
	for _, rec := range m.devices.Items() {
		d := rec.snapshot()
		if match == nil || match(d) {
			out = append(out, d)
		}
	}
	return out
}

// GetDevice resolves one signature to its record.
func (m *Monitor) GetDevice(signature string) (model.Device, error) {
	rec, ok := m.devices.Get(signature)
	if !ok {
		return model.Device{}, model.ErrUnknownDevice
	}
	return rec.snapshot(), nil
}
