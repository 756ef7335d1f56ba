package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/health"
	"github.com/loykin/helmd/internal/history"
	"github.com/loykin/helmd/internal/launcher"
	"github.com/loykin/helmd/internal/logsink"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/probe"
	"github.com/loykin/helmd/internal/store"
)

// Stop sequence and restart defaults.
const (
	DefaultPollInterval = time.Second
	DefaultPollAttempts = 10
	DefaultKillWait     = time.Second
	DefaultSettle       = 2 * time.Second
)

// statusWorkers bounds concurrent probes in StatusOfAll.
const statusWorkers = 8

// Prober is the OS view the supervisor needs.
type Prober interface {
	FindListener(ctx context.Context, port int) (probe.Handle, bool, error)
	Sample(ctx context.Context, pid int) (probe.Info, error)
}

// HealthChecker probes a service's HTTP endpoint.
type HealthChecker interface {
	Check(ctx context.Context, baseURL string) health.Result
}

// Starter spawns a configured service.
type Starter interface {
	Start(ctx context.Context, svc config.Service, mode launcher.Mode) launcher.StartResult
	EffectivePort(svc config.Service) int
}

// Config wires a Supervisor. Registry, Store, Probe, Health, Launcher and
// Logs are required; the rest have defaults.
type Config struct {
	Registry *config.Registry
	Store    store.Store
	Probe    Prober
	Health   HealthChecker
	Launcher Starter
	Logs     *logsink.Sink
	History  *history.Fanout
	Samples  *metrics.SampleHistory
	Logger   *slog.Logger

	PollInterval time.Duration
	PollAttempts int
	KillWait     time.Duration
	Settle       time.Duration

	// IsAlive defaults to probe.IsAlive.
	IsAlive func(pid int) (bool, error)
	// Terminate and Kill signal the service; they default to the process-group
	// SIGTERM and SIGKILL (TerminateProcess on Windows).
	Terminate func(pid int) error
	Kill      func(pid int) error
	Now     func() time.Time
}

// Supervisor is the single entry point for listing, inspecting and
// controlling services.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	locks sync.Map // name -> *sync.Mutex
}

func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.IsAlive == nil {
		cfg.IsAlive = probe.IsAlive
	}
	if cfg.Terminate == nil {
		cfg.Terminate = terminate
	}
	if cfg.Kill == nil {
		cfg.Kill = forceKill
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Samples == nil {
		cfg.Samples = metrics.NewSampleHistory(metrics.DefaultMaxHistory)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, log: log.With("component", "supervisor")}
}

// lock serializes start and stop of one service.
func (s *Supervisor) lock(name string) func() {
	m, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ListServices returns the configured services keyed by name.
func (s *Supervisor) ListServices() map[string]config.Service {
	return s.cfg.Registry.All()
}

// Reload re-reads the service registry. On error the previous table stays active.
func (s *Supervisor) Reload() error {
	if err := s.cfg.Registry.Reload(); err != nil {
		s.log.Error("registry reload failed", "error", err)
		return err
	}
	s.log.Info("registry reloaded", "services", len(s.cfg.Registry.Names()))
	return nil
}

// TailLogs returns the last lines of the selected log streams of a configured service.
func (s *Supervisor) TailLogs(name string, lines int, sel logsink.Selection) (logsink.Logs, error) {
	if _, err := s.cfg.Registry.Get(name); err != nil {
		return logsink.Logs{}, err
	}
	return s.cfg.Logs.Read(name, lines, sel)
}

// MetricsHistory returns the in-memory resource samples of a configured service, oldest first.
func (s *Supervisor) MetricsHistory(name string) ([]metrics.ServiceSample, error) {
	if _, err := s.cfg.Registry.Get(name); err != nil {
		return nil, err
	}
	out, _ := s.cfg.Samples.History(name)
	if out == nil {
		out = []metrics.ServiceSample{}
	}
	return out, nil
}
