// devsentryd is the device-sentry host daemon: it watches the USB bus,
// journals hot-plug events, and runs sandboxed plugins against them under
// resource and behavior enforcement.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/devsentry/internal/anomaly"
	"github.com/srediag/devsentry/internal/config"
	"github.com/srediag/devsentry/internal/device"
	"github.com/srediag/devsentry/internal/enforcer"
	"github.com/srediag/devsentry/internal/eventlog"
	"github.com/srediag/devsentry/internal/ledger"
	"github.com/srediag/devsentry/internal/logging"
	"github.com/srediag/devsentry/internal/manifest"
	"github.com/srediag/devsentry/internal/metrics"
	"github.com/srediag/devsentry/internal/registry"
	"github.com/srediag/devsentry/internal/sandbox"
	"github.com/srediag/devsentry/pkg/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "devsentryd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	alert := func(msg string) { log.Error("operator alert", zap.String("alert", msg)) }

	events, err := eventlog.Open(eventlog.Options{
		Path:              cfg.EventLog.Path,
		Retention:         cfg.EventLog.Retention,
		VisibilityTimeout: cfg.EventLog.VisibilityTimeout,
		AppendRetryMax:    cfg.EventLog.AppendRetryMax,
		Logger:            log,
		Metrics:           met,
		Alert:             alert,
	})
	if err != nil {
		return err
	}
	defer events.Close()

	monitor, err := device.NewMonitor(device.Options{
		Source:         device.NewPlatformSource(log),
		Publisher:      events,
		Filter:         buildFilter(cfg),
		DebounceWindow: cfg.Monitor.DebounceWindow,
		ReclaimGrace:   cfg.Monitor.ReclaimGrace,
		Logger:         log,
		Metrics:        met,
	})
	if err != nil {
		return err
	}

	instances := registry.New(registry.Policy{
		ExclusiveMinTrust: manifest.TrustLevel(cfg.Registry.ExclusiveMinTrust),
		RequireSignature:  cfg.Registry.RequireSignature,
	}, cfg.Enforcer.SampleHistory, log)
	violations := ledger.New(log, met)

	runner := sandbox.NewRunner(sandbox.RunnerConfig{
		StartupTimeout: cfg.Sandbox.StartupTimeout,
		ShutdownGrace:  cfg.Sandbox.ShutdownTimeout,
		WorkDir:        cfg.Sandbox.WorkDir,
		Channel:        orchestrator.ChannelConfig(cfg),
		Logger:         log,
		Metrics:        met,
	})
	hostAPI := sandbox.NewHostAPI(monitor)

	enf := enforcer.New(enforcer.Config{
		Interval:      cfg.Enforcer.SampleInterval,
		BreachWindow:  cfg.Enforcer.BreachWindow,
		BaselineAlpha: cfg.Enforcer.BaselineAlpha,
		Logger:        log,
	}, instances, enforcer.NewProcessSampler(), violations)

	anom := anomaly.New(anomaly.Config{
		Window:               cfg.Anomaly.Window,
		Threshold:            cfg.Anomaly.Threshold,
		MaxMessagesPerSecond: int(cfg.Anomaly.FloodPerSec),
		ScanEvery:            cfg.Anomaly.ScanEvery,
		Allow:                cfg.Anomaly.AllowList,
		Deny:                 cfg.Anomaly.DenyList,
		Logger:               log,
		Metrics:              met,
	}, instances, nil)

	orc, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Registry: instances,
		Ledger:   violations,
		Events:   events,
		Monitor:  monitor,
		Host:     hostAPI,
		Starter:  runner,
		Anomaly:  anom,
		Enforcer: enf,
		Alert:    alert,
		Logger:   log,
		Metrics:  met,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	if err := loadPlugins(ctx, cfg, instances, orc, log); err != nil {
		return err
	}

	telemetry := telemetryServer(cfg, reg, events.Ping)
	go func() {
		log.Info("telemetry listening", zap.String("addr", cfg.Telemetry.ListenAddr))
		if err := telemetry.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("telemetry server failed", zap.Error(err))
		}
	}()

	log.Info("devsentryd started")
	runErr := orc.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := orc.Shutdown(shutCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
	_ = telemetry.Shutdown(shutCtx)
	log.Info("devsentryd stopped")
	return runErr
}

// loadPlugins registers packages already present in the plugin directory
// and, when configured, keeps watching for new ones. Packages that start
// automatically are only those already on disk; hot-dropped packages load
// but stay in Loaded until an operator starts them.
func loadPlugins(ctx context.Context, cfg *config.Config, instances *registry.Registry, orc *orchestrator.Orchestrator, log *zap.Logger) error {
	dir := cfg.Registry.PluginDir
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("plugin directory missing", zap.String("dir", dir))
			return nil
		}
		return err
	}
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		pkg := filepath.Join(dir, de.Name())
		inst, err := orc.LoadPlugin(pkg)
		if err != nil {
			log.Warn("plugin package rejected", zap.String("dir", pkg), zap.Error(err))
			continue
		}
		if err := orc.StartPlugin(ctx, inst.ID); err != nil {
			log.Error("plugin start failed", zap.String("id", inst.ID), zap.Error(err))
		}
	}
	if cfg.Registry.WatchForNewPlugins {
		if err := instances.Watch(ctx, dir, func(inst *registry.Instance) {
			log.Info("plugin discovered", zap.String("id", inst.ID), zap.String("name", inst.Manifest.Name))
		}); err != nil {
			return fmt.Errorf("watch plugin dir: %w", err)
		}
	}
	return nil
}

func telemetryServer(cfg *config.Config, reg *prometheus.Registry, logPing func() error) *http.Server {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	health.AddReadinessCheck("event-log", logPing)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return &http.Server{
		Addr:              cfg.Telemetry.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildFilter(cfg *config.Config) device.Filter {
	f := device.Filter{
		VendorAllow:  parseHexIDs(cfg.Monitor.VendorAllow),
		ProductAllow: parseHexIDs(cfg.Monitor.ProductAllow),
	}
	if len(cfg.Monitor.ClassDeny) > 0 {
		f.ClassDeny = make(map[uint8]struct{}, len(cfg.Monitor.ClassDeny))
		for _, c := range cfg.Monitor.ClassDeny {
			f.ClassDeny[c] = struct{}{}
		}
	}
	return f
}

func parseHexIDs(raw []string) map[uint16]struct{} {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[uint16]struct{}, len(raw))
	for _, r := range raw {
		s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(r)), "0x")
		if v, err := strconv.ParseUint(s, 16, 16); err == nil {
			out[uint16(v)] = struct{}{}
		}
	}
	return out
}
