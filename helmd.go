package helmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/cron"
	"github.com/loykin/helmd/internal/health"
	"github.com/loykin/helmd/internal/history"
	hfactory "github.com/loykin/helmd/internal/history/factory"
	"github.com/loykin/helmd/internal/launcher"
	"github.com/loykin/helmd/internal/logsink"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/probe"
	iapi "github.com/loykin/helmd/internal/server"
	"github.com/loykin/helmd/internal/store"
	sfactory "github.com/loykin/helmd/internal/store/factory"
	"github.com/loykin/helmd/internal/supervisor"
	itls "github.com/loykin/helmd/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.Config

type Service = config.Service

type RuntimeStatus = supervisor.RuntimeStatus

type StartResult = launcher.StartResult

type StopResult = supervisor.StopResult

type RestartResult = supervisor.RestartResult

type Mode = launcher.Mode

type Logs = logsink.Logs

type LogSelection = logsink.Selection

const (
	Development = launcher.Development
	Production  = launcher.Production
)

var ErrUnknownService = config.ErrUnknownService

// ParseMode accepts "development", "production" or "" (development).
func ParseMode(s string) (Mode, error) { return launcher.ParseMode(s) }

// ParseLogSelection accepts "stdout", "stderr", "both" or "" (stderr).
func ParseLogSelection(s string) (LogSelection, error) { return logsink.ParseSelection(s) }

// shutdownTimeout bounds graceful API shutdown in Serve.
const shutdownTimeout = 5 * time.Second

// Helmd is the wired supervisor plus the resources it owns.
type Helmd struct {
	*supervisor.Supervisor

	cfg      *config.Config
	registry *config.Registry
	store    store.Store
	history  *history.Fanout
	log      *slog.Logger
	closers  []io.Closer
}

// Open loads the config file at path (empty for defaults) and wires helmd.
func Open(path string) (*Helmd, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New wires every component from cfg. Close releases what it opened.
func New(cfg *config.Config) (*Helmd, error) {
	log, logCloser := cfg.Log.NewSlogger()
	h := &Helmd{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	reg, found, err := config.OpenRegistry(cfg.RegistryPath())
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if !found {
		log.Warn("service registry not found; no services are managed until it exists", "path", cfg.RegistryPath())
	}
	h.registry = reg

	st, err := sfactory.NewFromDSN(cfg.StoreDSN())
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	h.store = st
	h.closers = append(h.closers, st)
	if err := st.EnsureSchema(context.Background()); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("store schema: %w", err)
	}

	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	h.history = history.NewFanout(log, sinks...)
	h.closers = append(h.closers, h.history)

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}

	prober := probe.New(cfg.Probe.Allow)
	logs := logsink.New(cfg.LogsDir())
	var syncReg *config.Registry
	if cfg.Launch.SyncRegistry {
		syncReg = reg
	}
	l := launcher.New(logs, prober, st, h.history, launcher.Options{
		GracePeriod: cfg.Launch.GracePeriod,
		ScrubEnv:    cfg.Launch.ScrubEnv,
		DevModeEnv:  cfg.Launch.DevModeEnv,
		ModeEnv:     cfg.Launch.ModeEnv,
		Identity:    cfg.Identity,
		Proxy:       cfg.Proxy,
		Registry:    syncReg,
		Logger:      log,
	})
	h.Supervisor = supervisor.New(supervisor.Config{
		Registry: reg,
		Store:    st,
		Probe:    prober,
		Health:   health.New(cfg.Health.Timeout),
		Launcher: l,
		Logs:     logs,
		History:  h.history,
		Logger:   log,
	})
	return h, nil
}

func (h *Helmd) Config() *config.Config { return h.cfg }

func (h *Helmd) Logger() *slog.Logger { return h.log }

// Serve runs the REST API, the metrics sampler and (when watch is set) the
// registry watcher until ctx is cancelled.
func (h *Helmd) Serve(ctx context.Context, watch bool) error {
	tlsCfg, err := itls.Setup(h.cfg.ServerTLS())
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	srv, err := iapi.NewServer(h.cfg.Server.Listen, h.cfg.Server.BasePath, tlsCfg, h.Supervisor, h.log)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Server.Listen, err)
	}
	h.log.Info("api listening", "addr", srv.Addr, "base", h.cfg.Server.BasePath, "tls", tlsCfg != nil)

	sched := cron.NewScheduler(h.log)
	if h.cfg.Metrics.Enabled && h.cfg.Metrics.Schedule != "" {
		if err := sched.Add(&cron.Job{
			Name:     "collect-metrics",
			Schedule: h.cfg.Metrics.Schedule,
			Run:      h.CollectMetrics,
		}); err != nil {
			_ = srv.Close()
			return err
		}
	}
	if err := sched.Start(); err != nil {
		_ = srv.Close()
		return err
	}
	if watch {
		if err := config.Watch(ctx, h.registry, h.log); err != nil {
			h.log.Warn("registry watch disabled", "error", err)
		}
	}

	<-ctx.Done()
	sched.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	h.log.Info("api stopped")
	return nil
}

// Close releases the store, history sinks and the log file.
func (h *Helmd) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
