package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/env"
	"github.com/loykin/helmd/internal/history"
	"github.com/loykin/helmd/internal/logsink"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/probe"
	"github.com/loykin/helmd/internal/store"
)

// Mode selects the runtime mode flag passed to the child.
type Mode string

const (
	Development Mode = "development"
	Production  Mode = "production"
)

// ParseMode accepts "development", "production" or "" (development).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Development:
		return Development, nil
	case Production:
		return Production, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

// Reason classifies the outcome of a start attempt.
type Reason string

const (
	ReasonOK                Reason = "ok"
	ReasonAlreadyRunning    Reason = "already_running"
	ReasonMissingDirectory  Reason = "missing_directory"
	ReasonMissingExecutable Reason = "missing_executable"
	ReasonMissingScript     Reason = "missing_script"
	ReasonMissingCommand    Reason = "missing_command"
	ReasonDiedInGrace       Reason = "died_in_grace"
	ReasonSpawnError        Reason = "spawn_error"
	ReasonInternal          Reason = "internal"
	ReasonUnknownService    Reason = "unknown_service"
)

// StartResult is what callers see. Message never carries paths or child output.
type StartResult struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message"`
	Reason  Reason `json:"reason"`
}

// diagBytes bounds the stderr prefix logged when a child dies during the grace window.
const diagBytes = 500

// Listeners finds the process bound to a port.
type Listeners interface {
	FindListener(ctx context.Context, port int) (probe.Handle, bool, error)
}

// Recorder persists a successful start.
type Recorder interface {
	MarkRunning(ctx context.Context, name string, pid, port int, startedAt time.Time) error
}

// Options tunes a Launcher. Zero values fall back to config defaults.
type Options struct {
	GracePeriod time.Duration
	ScrubEnv    []string
	DevModeEnv  string
	ModeEnv     string
	Identity    config.IdentityConfig
	Proxy       config.ProxyConfig
	// Registry, when set, is copied into each standard service directory before start.
	Registry *config.Registry

	Logger  *slog.Logger
	Environ func() []string
	Now     func() time.Time
}

// Launcher spawns services detached from the supervisor.
type Launcher struct {
	opts    Options
	logs    *logsink.Sink
	probe   Listeners
	rec     Recorder
	history *history.Fanout
	log     *slog.Logger
}

func New(logs *logsink.Sink, p Listeners, rec Recorder, h *history.Fanout, opts Options) *Launcher {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}
	if opts.ModeEnv == "" {
		opts.ModeEnv = "FLASK_ENV"
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{opts: opts, logs: logs, probe: p, rec: rec, history: h, log: log.With("component", "launcher")}
}

// EffectivePort is the port a service listens on once started: the public
// port for the reverse-proxy entry service, the configured port otherwise.
func (l *Launcher) EffectivePort(svc config.Service) int {
	if l.isProxy(svc) {
		return l.opts.Proxy.PublicPort
	}
	return svc.Port
}

func (l *Launcher) isProxy(svc config.Service) bool {
	return l.opts.Proxy.Service != "" && svc.Name == l.opts.Proxy.Service && l.opts.Proxy.PublicPort > 0
}

func fail(name string, r Reason, msg string) StartResult {
	metrics.IncStartFailure(name, string(r))
	return StartResult{Success: false, Message: msg, Reason: r}
}

// Start launches svc unless something already listens on its port.
// It never returns an error: every failure is a StartResult with a Reason.
func (l *Launcher) Start(ctx context.Context, svc config.Service, mode Mode) StartResult {
	log := l.log.With("service", svc.Name)

	workDir, err := filepath.Abs(svc.WorkDir)
	if err != nil {
		log.Error("resolve work dir", "dir", svc.WorkDir, "error", err)
		return fail(svc.Name, ReasonInternal, "Internal error")
	}
	if fi, err := os.Stat(workDir); err != nil || !fi.IsDir() {
		log.Error("service directory not found", "dir", workDir)
		return fail(svc.Name, ReasonMissingDirectory, "Service directory not found")
	}

	port := l.EffectivePort(svc)
	if h, ok, err := l.probe.FindListener(ctx, port); err != nil {
		log.Warn("listener probe failed", "port", port, "error", err)
	} else if ok {
		r := fail(svc.Name, ReasonAlreadyRunning, fmt.Sprintf("Service already running (PID: %d)", h.PID))
		r.PID, r.Port = h.PID, port
		return r
	}

	e := l.buildEnv(svc, mode)
	argv, res := l.command(svc, workDir, log)
	if res != nil {
		return *res
	}
	if _, ok := svc.Launch.(config.StandardLaunch); ok {
		l.syncRegistry(svc, workDir, log)
	}
	if name := envFileName(svc); name != "" {
		fileVars, err := env.ParseFile(underDir(workDir, name))
		if err != nil {
			log.Warn("env override file unreadable", "error", err)
		}
		e.Overlay(fileVars)
	}

	stdout, err := l.logs.Open(svc.Name, logsink.Stdout)
	if err != nil {
		log.Error("open stdout log", "error", err)
		return fail(svc.Name, ReasonInternal, "Internal error")
	}
	stderr, err := l.logs.Open(svc.Name, logsink.Stderr)
	if err != nil {
		_ = stdout.Close()
		log.Error("open stderr log", "error", err)
		return fail(svc.Name, ReasonInternal, "Internal error")
	}
	errOffset := l.logs.Size(svc.Name, logsink.Stderr)

	// #nosec G204 -- argv comes from the operator-owned registry
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = e.List()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	detach(cmd)
	startErr := cmd.Start()
	// the child holds its own descriptors now
	_ = stdout.Close()
	_ = stderr.Close()
	if startErr != nil {
		log.Error("spawn failed", "argv", argv, "error", startErr)
		return fail(svc.Name, ReasonSpawnError, "Failed to start service")
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	timer := time.NewTimer(l.opts.GracePeriod)
	defer timer.Stop()
	select {
	case werr := <-exited:
		diag := l.logs.Head(svc.Name, logsink.Stderr, errOffset, diagBytes)
		log.Error("service exited during grace period", "pid", pid, "exit", werr, "stderr", diag)
		return fail(svc.Name, ReasonDiedInGrace, "Service failed to start. Check logs for details")
	case <-timer.C:
	}

	startedAt := l.opts.Now().UTC()
	if err := l.rec.MarkRunning(ctx, svc.Name, pid, port, startedAt); err != nil {
		// the child is up; OS evidence will still report it
		log.Error("persist running record", "pid", pid, "error", err)
	}
	if err := l.history.Send(ctx, history.Event{
		Type:       history.EventStart,
		OccurredAt: startedAt,
		Record: store.Record{
			ServiceName: svc.Name,
			Status:      store.StatusRunning,
			PID:         pid,
			Port:        port,
			StartedAt:   startedAt,
			LastChecked: startedAt,
		},
	}); err != nil {
		log.Warn("history start event", "error", err)
	}
	metrics.IncStart(svc.Name)
	log.Info("service started", "pid", pid, "port", port, "mode", string(mode))
	return StartResult{Success: true, PID: pid, Port: port, Message: "Service started successfully", Reason: ReasonOK}
}

// buildEnv layers parent env, mode flags, proxy overrides and identity
// credentials. The override file is applied last by the caller.
func (l *Launcher) buildEnv(svc config.Service, mode Mode) *env.Env {
	parent := l.opts.Environ()
	e := env.New(parent).Unset(l.opts.ScrubEnv...)

	dev := l.devMode(parent)
	if mode == Development || dev {
		e.Set(l.opts.ModeEnv, string(Development))
	} else {
		e.Set(l.opts.ModeEnv, string(Production))
	}

	if l.isProxy(svc) {
		prefix := envPrefix(svc.Name)
		proxy := env.Var{
			prefix + "_PORT": strconv.Itoa(l.opts.Proxy.PublicPort),
			prefix + "_HOST": l.opts.Proxy.PublicHost,
		}
		if !dev {
			proxy["USE_GUNICORN"] = "true"
		}
		e.Overlay(proxy)
	}

	if c, ok := svc.Launch.(config.CommandLaunch); ok {
		id := l.opts.Identity
		if id.AdminUserEnv != "" && id.AdminUser != "" {
			e.Set(id.AdminUserEnv, id.AdminUser)
		}
		if id.AdminPasswordEnv != "" && id.AdminPassword != "" {
			e.Set(id.AdminPasswordEnv, id.AdminPassword)
		}
		e.Overlay(c.ExtraEnv)
	}
	return e
}

func (l *Launcher) devMode(parent []string) bool {
	if l.opts.DevModeEnv == "" {
		return false
	}
	return strings.EqualFold(env.FromList(parent)[l.opts.DevModeEnv], "true")
}

// command resolves argv for the launch kind and checks that its files exist.
func (l *Launcher) command(svc config.Service, workDir string, log *slog.Logger) ([]string, *StartResult) {
	switch k := svc.Launch.(type) {
	case config.CommandLaunch:
		parts := strings.Fields(k.Command)
		if len(parts) == 0 {
			r := fail(svc.Name, ReasonMissingCommand, "Start command not configured")
			return nil, &r
		}
		exe := underDir(workDir, parts[0])
		if _, err := os.Stat(exe); err != nil {
			log.Error("executable not found", "path", exe)
			r := fail(svc.Name, ReasonMissingExecutable, "Service executable not found")
			return nil, &r
		}
		return append([]string{exe}, parts[1:]...), nil
	case config.StandardLaunch:
		interp := underDir(workDir, k.Interpreter)
		if _, err := os.Stat(interp); err != nil {
			log.Error("interpreter not found", "path", interp)
			r := fail(svc.Name, ReasonMissingExecutable, "Service executable not found")
			return nil, &r
		}
		script := underDir(workDir, k.Script)
		if _, err := os.Stat(script); err != nil {
			log.Error("run script not found", "path", script)
			r := fail(svc.Name, ReasonMissingScript, "Run script not found")
			return nil, &r
		}
		return []string{interp, script}, nil
	}
	log.Error("service has no launch configuration")
	r := fail(svc.Name, ReasonInternal, "Internal error")
	return nil, &r
}

// registryCopy is the shape written into each service directory.
type registryCopy struct {
	URL string `json:"url"`
}

// syncRegistry writes name -> {url} for every service (only visible ones when
// svc.FilterVisible) into <workDir>/services.json. Failures are logged only.
func (l *Launcher) syncRegistry(svc config.Service, workDir string, log *slog.Logger) {
	if l.opts.Registry == nil {
		return
	}
	out := make(map[string]registryCopy)
	for name, s := range l.opts.Registry.All() {
		if svc.FilterVisible && !s.Visible {
			continue
		}
		out[name] = registryCopy{URL: s.URL}
	}
	b, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		log.Warn("encode registry copy", "error", err)
		return
	}
	target := filepath.Join(workDir, "services.json")
	if err := os.WriteFile(target, b, 0o644); err != nil { // #nosec G306 -- read by the service itself
		log.Warn("could not sync services config", "error", err)
		return
	}
	log.Debug("synced services config", "services", len(out))
}

func underDir(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func envFileName(svc config.Service) string {
	if svc.EnvFile != "" {
		return svc.EnvFile
	}
	if _, ok := svc.Launch.(config.StandardLaunch); ok {
		return config.DefaultEnvFile
	}
	return ""
}

// envPrefix turns a service name into an environment variable prefix.
func envPrefix(name string) string {
	up := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, up)
}
