package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/channel"
	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/model"
	"github.com/srediag/devsentry/internal/registry"
)

// Sandbox couples the registry runtime handle with the secure channel the
// orchestrator uses to reach the plugin.
type Sandbox interface {
	registry.Runtime
	Session() *channel.Session
}

// FaultFunc is invoked when a sandbox dies outside an orderly Stop.
type FaultFunc func(fault *model.SandboxFaultError)

// Starter abstracts how a sandbox comes to life so tests can run plugins
// in-process while production uses OS processes.
type Starter interface {
	Start(ctx context.Context, inst *registry.Instance, proxy *Proxy, onFault FaultFunc) (Sandbox, error)
}

// RunnerConfig tunes process sandboxes.
type RunnerConfig struct {
	// StartupTimeout bounds spawn plus handshake. A plugin that cannot
	// complete the key exchange in time is killed.
	StartupTimeout time.Duration
	// ShutdownGrace is how long Stop waits after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration
	// WorkDir is the working directory plugins run in. Empty keeps each
	// plugin in its own package directory.
	WorkDir string
	Channel channel.Config
	Logger        *zap.Logger
	Metrics       *metrics.Set
}

// Runner launches plugin entry modules as OS processes wired to the host
// over their stdio pipes.
type Runner struct {
	cfg RunnerConfig
	log *zap.Logger
	met *metrics.Set
}

// NewRunner builds a process runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 250 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	return &Runner{cfg: cfg, log: cfg.Logger.Named("sandbox"), met: cfg.Metrics}
}

// Start spawns the instance's entry module, performs the channel handshake
// within the startup timeout and begins fault supervision. The returned
// sandbox is attached to the instance by the caller.
func (r *Runner) Start(ctx context.Context, inst *registry.Instance, proxy *Proxy, onFault FaultFunc) (Sandbox, error) {
	entry := filepath.Join(inst.Dir, inst.Manifest.Entry)
	cmd := exec.Command(entry)
	cmd.Dir = inst.Dir
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	// The child gets a minimal environment: no host secrets leak by
	// inheritance, and everything else arrives through the channel.
	cmd.Env = []string{"DEVSENTRY_PLUGIN_ID=" + inst.ID}
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdin failed,%w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox stdout failed,%w", err)
	}
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		r.met.SandboxStarts.WithLabelValues("spawn_error").Inc()
		return nil, fmt.Errorf("sandbox spawn failed,%w", err)
	}
	if err := applyMemoryLimit(cmd.Process.Pid, inst.Manifest.Resources.MemoryBytes); err != nil {
		r.log.Warn("address-space limit not applied",
			zap.String("plugin", inst.ID), zap.Error(err))
	}

	chCfg := r.cfg.Channel
	chCfg.Initiator = true
	chCfg.Handler = proxy.ChannelHandler()
	chCfg.OnIncoming = proxy.IncomingObserver()
	chCfg.Logger = r.log.With(zap.String("plugin", inst.ID))
	chCfg.Metrics = r.met
	session := channel.New(&pipeTransport{r: stdout, w: stdin}, chCfg)

	hsCtx, cancel := context.WithTimeout(ctx, r.cfg.StartupTimeout)
	defer cancel()
	if err := session.Open(hsCtx); err != nil {
		killGroup(cmd.Process.Pid, cmd.Process)
		_ = cmd.Wait()
		r.met.SandboxStarts.WithLabelValues("handshake_timeout").Inc()
		return nil, fmt.Errorf("sandbox handshake failed,%w", err)
	}
	r.met.SandboxStarts.WithLabelValues("ok").Inc()

	p := &process{
		pluginID: inst.ID,
		cmd:      cmd,
		session:  session,
		stderr:   stderr,
		log:      r.log.With(zap.String("plugin", inst.ID)),
		grace:    r.cfg.ShutdownGrace,
		waitDone: make(chan struct{}),
	}
	go p.supervise(onFault)
	r.log.Info("sandbox started",
		zap.String("plugin", inst.ID),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// process is one live OS-process sandbox.
type process struct {
	pluginID string
	cmd      *exec.Cmd
	session  *channel.Session
	stderr   *tailBuffer
	log      *zap.Logger
	grace    time.Duration

	stopping atomic.Bool
	waitErr  error
	waitDone chan struct{}
}

func (p *process) PID() int { return p.cmd.Process.Pid }

func (p *process) Session() *channel.Session { return p.session }

// supervise reaps the child and reports unexpected exits as faults. Pipe
// closure tears the session down, so a crashed plugin cannot take the host
// with it; the fault surfaces as a state transition instead.
func (p *process) supervise(onFault FaultFunc) {
	err := p.cmd.Wait()
	p.waitErr = err
	close(p.waitDone)
	if p.stopping.Load() {
		return
	}
	exitCode := -1
	if p.cmd.ProcessState != nil {
		exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.log.Error("sandbox exited unexpectedly",
		zap.Int("exit_code", exitCode),
		zap.Error(err))
	if onFault != nil {
		onFault(&model.SandboxFaultError{
			PluginID:    p.pluginID,
			ExitCode:    exitCode,
			Diagnostics: p.stderr.String(),
		})
	}
}

// Stop performs the orderly shutdown: channel close, SIGTERM to the process
// group, then SIGKILL when the grace period or ctx runs out.
func (p *process) Stop(ctx context.Context) error {
	p.stopping.Store(true)

	closeCtx, cancel := context.WithTimeout(ctx, p.grace)
	defer cancel()
	_ = p.session.Close(closeCtx)

	terminateGroup(p.cmd.Process.Pid, p.cmd.Process)
	select {
	case <-p.waitDone:
		return nil
	case <-time.After(p.grace):
	case <-ctx.Done():
	}
	killGroup(p.cmd.Process.Pid, p.cmd.Process)
	<-p.waitDone
	return nil
}

// Kill terminates without ceremony.
func (p *process) Kill() error {
	p.stopping.Store(true)
	killGroup(p.cmd.Process.Pid, p.cmd.Process)
	<-p.waitDone
	return nil
}

// pipeTransport joins the child's stdout (reads) and stdin (writes) into
// the single stream the channel expects.
type pipeTransport struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (t *pipeTransport) Read(b []byte) (int, error)  { return t.r.Read(b) }
func (t *pipeTransport) Write(b []byte) (int, error) { return t.w.Write(b) }

func (t *pipeTransport) Close() error {
	errW := t.w.Close()
	errR := t.r.Close()
	if errW != nil {
		return errW
	}
	return errR
}

// tailBuffer keeps the last max bytes written, for fault diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if len(t.b) > t.max {
		t.b = t.b[len(t.b)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
