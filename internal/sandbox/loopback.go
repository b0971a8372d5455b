package sandbox

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/channel"
	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

// GuestFunc is the plugin body a loopback sandbox runs after the handshake.
// Returning a non-nil error outside an orderly stop is reported as a fault.
type GuestFunc func(ctx context.Context, sess *channel.Session) error

// Loopback runs the plugin in-process over a net.Pipe instead of spawning
// an OS process. It exercises the full channel and proxy path, which makes
// it the sandbox of choice for tests and for builtin diagnostics plugins.
type Loopback struct {
	// Guest runs the plugin body. Optional; a nil guest just serves
	// GuestHandler until stopped.
	Guest GuestFunc
	// GuestHandler serves host-to-plugin requests and notifications.
	GuestHandler channel.Handler
	Channel      channel.Config
	Logger       *zap.Logger
	Metrics      *metrics.Set
}

// Start opens both channel ends and launches the guest body.
func (l *Loopback) Start(ctx context.Context, inst *registry.Instance, proxy *Proxy, onFault FaultFunc) (Sandbox, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	met := l.Metrics
	if met == nil {
		met = metrics.NewUnregistered()
	}

	hostEnd, guestEnd := net.Pipe()

	hostCfg := l.Channel
	hostCfg.Initiator = true
	hostCfg.Handler = proxy.ChannelHandler()
	hostCfg.OnIncoming = proxy.IncomingObserver()
	hostCfg.Logger = log
	hostCfg.Metrics = met
	hostSess := channel.New(hostEnd, hostCfg)

	guestCfg := l.Channel
	guestCfg.Initiator = false
	guestCfg.Handler = l.GuestHandler
	guestCfg.Logger = log
	guestSess := channel.New(guestEnd, guestCfg)

	openErr := make(chan error, 1)
	go func() { openErr <- guestSess.Open(ctx) }()
	if err := hostSess.Open(ctx); err != nil {
		met.SandboxStarts.WithLabelValues("handshake_timeout").Inc()
		return nil, err
	}
	if err := <-openErr; err != nil {
		met.SandboxStarts.WithLabelValues("handshake_timeout").Inc()
		return nil, err
	}
	met.SandboxStarts.WithLabelValues("ok").Inc()

	guestCtx, cancel := context.WithCancel(context.Background())
	h := &loopbackHandle{
		pluginID:  inst.ID,
		hostSess:  hostSess,
		guestSess: guestSess,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go h.run(guestCtx, l.Guest, onFault)
	return h, nil
}

type loopbackHandle struct {
	pluginID  string
	hostSess  *channel.Session
	guestSess *channel.Session
	cancel    context.CancelFunc
	stopping  atomic.Bool
	done      chan struct{}
}

func (h *loopbackHandle) run(ctx context.Context, guest GuestFunc, onFault FaultFunc) {
	defer close(h.done)
	if guest == nil {
		<-ctx.Done()
		return
	}
	err := guest(ctx, h.guestSess)
	if err == nil || h.stopping.Load() || ctx.Err() != nil {
		return
	}
	if onFault != nil {
		onFault(&model.SandboxFaultError{
			PluginID:    h.pluginID,
			ExitCode:    -1,
			Diagnostics: err.Error(),
		})
	}
}

func (h *loopbackHandle) PID() int { return os.Getpid() }

func (h *loopbackHandle) Session() *channel.Session { return h.hostSess }

func (h *loopbackHandle) Stop(ctx context.Context) error {
	h.stopping.Store(true)
	_ = h.hostSess.Close(ctx)
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = h.guestSess.Close(closeCtx)
	return nil
}

func (h *loopbackHandle) Kill() error {
	h.stopping.Store(true)
	h.cancel()
	closeCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = h.hostSess.Close(closeCtx)
	_ = h.guestSess.Close(closeCtx)
	return nil
}
