// Package orchestrator composes the runtime: it owns plugin lifecycle
// operations, pumps device events from the log to entitled sandboxes, and
// reacts to enforcement and anomaly decisions. Status and reports are
// derived views over the registry and the violation ledger; the
// orchestrator keeps no lifecycle state of its own.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/anomaly"
	"github.com/srediag/devsentry/internal/channel"
	"github.com/srediag/devsentry/internal/config"
	"github.com/srediag/devsentry/internal/device"
	"github.com/srediag/devsentry/internal/enforcer"
	"github.com/srediag/devsentry/internal/eventlog"
	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
	"github.com/srediag/devsentry/internal/sandbox"
)

// pluginGroup is the consumer group the event pump reads under.
const pluginGroup = "plugin-fanout"

// throttleWindow is how long a soft resource breach slows an instance's
// event deliveries.
const throttleWindow = time.Second

// Options wires the orchestrator's collaborators.
type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	Events   *eventlog.Log
	// Monitor supplies the live device table for reports and host
	// capabilities. Optional in tests.
	Monitor  *device.Monitor
	Host     sandbox.HostServices
	Starter  sandbox.Starter
	Anomaly  *anomaly.Monitor
	Enforcer *enforcer.Enforcer
	// Alert receives operator-facing alarms (quarantines, log saturation).
	Alert func(msg string)
	// PoolSize caps concurrent event deliveries. Defaults to 8.
	PoolSize int
	Logger   *zap.Logger
	Metrics  *metrics.Set
}

// Orchestrator is the host runtime facade.
type Orchestrator struct {
	cfg  *config.Config
	reg  *registry.Registry
	lgr  *ledger.Ledger
	evl  *eventlog.Log
	mon  *device.Monitor
	host sandbox.HostServices
	str  sandbox.Starter
	anom *anomaly.Monitor
	enf  *enforcer.Enforcer
	log  *zap.Logger
	met  *metrics.Set

	pool      *ants.Pool
	alert     func(string)
	delivered cmap.ConcurrentMap[string, uint64]
	throttled cmap.ConcurrentMap[string, time.Time]

	runMu   sync.Mutex
	cancel  context.CancelFunc
	pumpWG  sync.WaitGroup
	running bool
}

// New builds the orchestrator and wires the cross-component hooks: the
// ledger feeds the anomaly monitor, the enforcer's breach decisions
// terminate sandboxes, and quarantine verdicts block instances.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Ledger == nil || opts.Events == nil || opts.Starter == nil {
		return nil, fmt.Errorf("orchestrator requires registry, ledger, event log and a sandbox starter")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 8
	}
	if opts.Alert == nil {
		opts.Alert = func(string) {}
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("delivery pool failed,%w", err)
	}
	o := &Orchestrator{
		cfg:       opts.Config,
		reg:       opts.Registry,
		lgr:       opts.Ledger,
		evl:       opts.Events,
		mon:       opts.Monitor,
		host:      opts.Host,
		str:       opts.Starter,
		anom:      opts.Anomaly,
		enf:       opts.Enforcer,
		log:       opts.Logger.Named("orchestrator"),
		met:       opts.Metrics,
		pool:      pool,
		alert:     opts.Alert,
		delivered: cmap.New[uint64](),
		throttled: cmap.New[time.Time](),
	}
	if o.anom != nil {
		o.anom.BindLedger(o.lgr)
		o.anom.OnQuarantine(o.handleQuarantine)
	}
	if o.enf != nil {
		o.enf.OnHardBreach(o.handleHardBreach)
		o.enf.OnThrottle(o.handleThrottle)
	}
	return o, nil
}

// Run starts the event pump and the enforcement loop, blocking until ctx
// is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.runMu.Lock()
	if o.running {
		o.runMu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.runMu.Unlock()

	sub, err := o.evl.Subscribe(pluginGroup)
	if err != nil {
		return fmt.Errorf("subscribe event pump: %w", err)
	}
	defer sub.Close()

	if o.enf != nil {
		o.pumpWG.Add(1)
		go func() {
			defer o.pumpWG.Done()
			o.enf.Run(ctx)
		}()
	}
	if o.anom != nil {
		o.pumpWG.Add(1)
		go func() {
			defer o.pumpWG.Done()
			o.anom.Run(ctx)
		}()
	}

	for {
		entry, err := sub.Next(ctx)
		if err != nil {
			o.pumpWG.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		o.fanout(ctx, entry)
		if err := sub.Ack(entry.Offset); err != nil {
			o.log.Warn("ack failed", zap.Uint64("offset", entry.Offset), zap.Error(err))
		}
	}
}

// fanout delivers one event to every Running instance whose manifest
// admits the device, waiting for the batch so the ack happens only after
// delivery. Duplicate sequences from redelivery are suppressed per plugin.
func (o *Orchestrator) fanout(ctx context.Context, entry eventlog.Entry) {
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		o.log.Error("encode event for delivery", zap.Error(err))
		return
	}
	msgType := "device." + string(entry.Event.Kind)

	var wg sync.WaitGroup
	for _, inst := range o.reg.List() {
		state, _ := inst.State()
		if state != model.StateRunning {
			continue
		}
		if !inst.Manifest.Permissions.AllowsDevice(entry.Event.Device) {
			continue
		}
		sb, ok := inst.Runtime().(sandbox.Sandbox)
		if !ok {
			continue
		}
		if last, ok := o.delivered.Get(inst.ID); ok && entry.Event.Sequence <= last {
			continue
		}
		inst := inst
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if until, ok := o.throttled.Get(inst.ID); ok {
				if wait := time.Until(until); wait > 0 {
					time.Sleep(wait)
				}
			}
			err := sb.Session().Notify(ctx, model.ChannelMessage{
				Direction: model.HostToPlugin,
				Type:      msgType,
				Payload:   payload,
			})
			if err != nil {
				o.log.Warn("event delivery failed",
					zap.String("plugin", inst.ID),
					zap.Uint64("sequence", entry.Event.Sequence),
					zap.Error(err))
				return
			}
			o.delivered.Set(inst.ID, entry.Event.Sequence)
		}
		if err := o.pool.Submit(task); err != nil {
			wg.Done()
			o.log.Warn("delivery pool rejected task", zap.Error(err))
		}
	}
	wg.Wait()
}

// LoadPlugin validates and registers the package at dir.
func (o *Orchestrator) LoadPlugin(dir string) (*registry.Instance, error) {
	return o.reg.Load(dir)
}

// StartPlugin moves an instance into a running sandbox. A failed start
// lands in Failed with the cause as the state reason.
func (o *Orchestrator) StartPlugin(ctx context.Context, id string) error {
	inst, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if err := o.reg.Transition(id, model.StateStarting, "start", ""); err != nil {
		return err
	}

	proxy := sandbox.NewProxy(id, inst.Manifest.Permissions, o.host, o.lgr, o.observeAudit)
	if o.anom != nil {
		proxy.ObserveIncoming(func(model.ChannelMessage) { o.anom.MessageSeen(id) })
	}
	sb, err := o.str.Start(ctx, inst, proxy, func(f *model.SandboxFaultError) { o.handleFault(id, f) })
	if err != nil {
		_ = o.reg.Transition(id, model.StateFailed, "start", "startup_failed")
		return fmt.Errorf("start plugin %s failed,%w", id, err)
	}
	inst.AttachRuntime(sb)
	if err := o.reg.Transition(id, model.StateRunning, "start", ""); err != nil {
		// Lost a race against a quarantine decision during startup.
		_ = sb.Kill()
		inst.DetachRuntime()
		return err
	}
	return nil
}

// StopPlugin performs the orderly shutdown sequence.
func (o *Orchestrator) StopPlugin(ctx context.Context, id string) error {
	inst, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if err := o.reg.Transition(id, model.StateStopping, "stop", ""); err != nil {
		return err
	}
	if rt := inst.Runtime(); rt != nil {
		if err := rt.Stop(ctx); err != nil {
			o.log.Warn("sandbox stop degraded", zap.String("plugin", id), zap.Error(err))
		}
		inst.DetachRuntime()
	}
	o.delivered.Remove(id)
	return o.reg.Transition(id, model.StateStopped, "stop", "")
}

// UnloadPlugin removes a Stopped or Blocked instance and drops its
// enforcement memory.
func (o *Orchestrator) UnloadPlugin(id string) error {
	if err := o.reg.Unload(id); err != nil {
		return err
	}
	if o.enf != nil {
		o.enf.Forget(id)
	}
	if o.anom != nil {
		o.anom.Reset(id)
	}
	o.delivered.Remove(id)
	return nil
}

// SendMessage performs one host-to-plugin request over the instance's
// secure channel.
func (o *Orchestrator) SendMessage(ctx context.Context, id string, msg model.ChannelMessage) (model.ChannelMessage, error) {
	inst, err := o.reg.Get(id)
	if err != nil {
		return model.ChannelMessage{}, err
	}
	state, _ := inst.State()
	if state != model.StateRunning {
		return model.ChannelMessage{}, &model.StateTransitionError{PluginID: id, From: state, To: state, Op: "send_message"}
	}
	sb, ok := inst.Runtime().(sandbox.Sandbox)
	if !ok {
		return model.ChannelMessage{}, model.ErrChannelClosed
	}
	msg.Direction = model.HostToPlugin
	return sb.Session().Request(ctx, msg)
}

// ResetQuarantine is the administrative exit from Blocked: the instance
// lands in Stopped with a clean anomaly window and enforcement memory.
func (o *Orchestrator) ResetQuarantine(id string) error {
	if err := o.reg.Reset(id); err != nil {
		return err
	}
	if o.anom != nil {
		o.anom.Reset(id)
	}
	if o.enf != nil {
		o.enf.Forget(id)
	}
	o.delivered.Remove(id)
	o.log.Info("quarantine reset", zap.String("plugin", id))
	return nil
}

// Shutdown stops the pump and every live sandbox.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runMu.Lock()
	cancel := o.cancel
	o.running = false
	o.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, inst := range o.reg.List() {
		state, _ := inst.State()
		if state != model.StateRunning && state != model.StateStarting {
			continue
		}
		if err := o.StopPlugin(ctx, inst.ID); err != nil {
			o.log.Warn("shutdown stop failed", zap.String("plugin", inst.ID), zap.Error(err))
		}
	}
	o.pumpWG.Wait()
	o.pool.Release()
	return nil
}

func (o *Orchestrator) observeAudit(e model.AuditEvent) {
	if o.anom != nil {
		o.anom.Observe(e)
	}
}

// handleFault contains a sandbox crash to its instance: Failed state,
// audit trail, nothing else touched.
func (o *Orchestrator) handleFault(id string, f *model.SandboxFaultError) {
	inst, err := o.reg.Get(id)
	if err != nil {
		return
	}
	inst.DetachRuntime()
	if err := o.reg.Transition(id, model.StateFailed, "fault", "sandbox_fault"); err != nil {
		o.log.Debug("fault transition skipped", zap.String("plugin", id), zap.Error(err))
		return
	}
	o.log.Error("sandbox fault contained",
		zap.String("plugin", id),
		zap.Int("exit_code", f.ExitCode))
	o.observeAudit(model.AuditEvent{
		PluginID: id,
		Kind:     model.AuditSandboxFault,
		Detail:   f.Diagnostics,
		Weight:   2,
	})
}

// handleHardBreach terminates the sandbox and blocks the instance after a
// sustained resource ceiling breach.
func (o *Orchestrator) handleHardBreach(id string, breach *model.ResourceExceededError) {
	inst, err := o.reg.Get(id)
	if err != nil {
		return
	}
	if rt := inst.Runtime(); rt != nil {
		_ = rt.Kill()
		inst.DetachRuntime()
	}
	if err := o.reg.Block(id, "resource_exceeded"); err != nil {
		o.log.Debug("breach block skipped", zap.String("plugin", id), zap.Error(err))
		return
	}
	o.alert(fmt.Sprintf("plugin %s blocked: %s", id, breach.Error()))
}

func (o *Orchestrator) handleThrottle(id string) {
	o.throttled.Set(id, time.Now().Add(throttleWindow))
}

// handleQuarantine executes the anomaly monitor's verdict: stop the
// sandbox, block the instance, alert the operator.
func (o *Orchestrator) handleQuarantine(id string, q *model.QuarantineError) {
	inst, err := o.reg.Get(id)
	if err != nil {
		return
	}
	state, _ := inst.State()
	if state == model.StateBlocked {
		return
	}
	if rt := inst.Runtime(); rt != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = rt.Stop(stopCtx)
		cancel()
		inst.DetachRuntime()
	}
	if err := o.reg.Block(id, q.Reason); err != nil {
		o.log.Warn("quarantine block failed", zap.String("plugin", id), zap.Error(err))
		return
	}
	o.alert(q.Error())
}

// ChannelConfig builds the session template runners should use. Meter and
// tracer come from the otel globals, so wiring an SDK in the daemon lights
// them up without touching this code.
func ChannelConfig(cfg *config.Config) channel.Config {
	return channel.Config{
		MaxInFlight:    cfg.Channel.MaxInFlight,
		MaxPayload:     cfg.Channel.MaxPayload,
		RequestTimeout: cfg.Channel.RequestTimeout,
		Meter:          otel.Meter("devsentry/channel"),
		Tracer:         otel.Tracer("devsentry/channel"),
	}
}
