//go:build !windows

package launcher

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/logsink"
	"github.com/loykin/helmd/internal/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListeners struct {
	mu     sync.Mutex
	found  map[int]probe.Handle
	probed []int
}

func (f *fakeListeners) FindListener(_ context.Context, port int) (probe.Handle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, port)
	h, ok := f.found[port]
	return h, ok, nil
}

type running struct {
	name      string
	pid, port int
}

type fakeRecorder struct {
	mu    sync.Mutex
	marks []running
}

func (f *fakeRecorder) MarkRunning(_ context.Context, name string, pid, port int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, running{name, pid, port})
	return nil
}

type fixture struct {
	dir  string
	work string
	lis  *fakeListeners
	rec  *fakeRecorder
	logs *logsink.Sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	work := filepath.Join(dir, "svc")
	require.NoError(t, os.MkdirAll(work, 0o755))
	return &fixture{
		dir:  dir,
		work: work,
		lis:  &fakeListeners{found: map[int]probe.Handle{}},
		rec:  &fakeRecorder{},
		logs: logsink.New(filepath.Join(dir, "logs")),
	}
}

func (f *fixture) launcher(opts Options) *Launcher {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 300 * time.Millisecond
	}
	if opts.Environ == nil {
		opts.Environ = func() []string { return append(os.Environ(), "A=1", "WERKZEUG_RUN_MAIN=true") }
	}
	if opts.ScrubEnv == nil {
		opts.ScrubEnv = config.DefaultScrubEnv
	}
	if opts.DevModeEnv == "" {
		opts.DevModeEnv = "HELMD_DEV_MODE"
	}
	return New(f.logs, f.lis, f.rec, nil, opts)
}

func (f *fixture) write(t *testing.T, rel, content string, mode os.FileMode) {
	t.Helper()
	p := filepath.Join(f.work, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), mode))
}

func (f *fixture) standard(name string, port int) config.Service {
	return config.Service{
		Name:    name,
		WorkDir: f.work,
		Port:    port,
		Launch:  config.StandardLaunch{Interpreter: "/bin/sh", Script: "run.sh"},
		EnvFile: config.DefaultEnvFile,
	}
}

func killOnCleanup(t *testing.T, pid int) {
	t.Cleanup(func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })
}

func readEnvDump(t *testing.T, path string) map[string]string {
	t.Helper()
	require.Eventually(t, func() bool {
		fi, err := os.Stat(path)
		return err == nil && fi.Size() > 0
	}, 3*time.Second, 20*time.Millisecond)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	out := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), "="); ok {
			out[k] = v
		}
	}
	return out
}

const dumpAndSleep = "env > env.out\nexec sleep 30\n"

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Development, m)
	m, err = ParseMode(" Production ")
	require.NoError(t, err)
	assert.Equal(t, Production, m)
	_, err = ParseMode("staging")
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "NEXUS", envPrefix("nexus"))
	assert.Equal(t, "MY_SVC_2", envPrefix("my-svc.2"))
}

func TestStartMissingDirectory(t *testing.T) {
	f := newFixture(t)
	svc := f.standard("core", 5001)
	svc.WorkDir = filepath.Join(f.dir, "nope")
	r := f.launcher(Options{}).Start(context.Background(), svc, Development)
	assert.False(t, r.Success)
	assert.Equal(t, ReasonMissingDirectory, r.Reason)
	assert.NotContains(t, r.Message, f.dir)
	assert.Empty(t, f.lis.probed)
}

func TestStartAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	f.lis.found[5001] = probe.Handle{PID: 4242, Name: "python3", Port: 5001}
	r := f.launcher(Options{}).Start(context.Background(), f.standard("core", 5001), Development)
	assert.False(t, r.Success)
	assert.Equal(t, ReasonAlreadyRunning, r.Reason)
	assert.Contains(t, r.Message, "4242")
	assert.Equal(t, 4242, r.PID)
	assert.Equal(t, 5001, r.Port)
	assert.Empty(t, f.rec.marks)
}

func TestStartMissingFiles(t *testing.T) {
	f := newFixture(t)
	l := f.launcher(Options{})

	svc := f.standard("core", 5001)
	svc.Launch = config.StandardLaunch{Interpreter: "pyenv/bin/python", Script: "run.py"}
	r := l.Start(context.Background(), svc, Development)
	assert.Equal(t, ReasonMissingExecutable, r.Reason)

	svc.Launch = config.StandardLaunch{Interpreter: "/bin/sh", Script: "run.py"}
	r = l.Start(context.Background(), svc, Development)
	assert.Equal(t, ReasonMissingScript, r.Reason)
	assert.NotContains(t, r.Message, f.work)

	svc.Launch = config.CommandLaunch{Command: "bin/kc.sh start-dev"}
	r = l.Start(context.Background(), svc, Development)
	assert.Equal(t, ReasonMissingExecutable, r.Reason)

	svc.Launch = config.CommandLaunch{Command: "   "}
	r = l.Start(context.Background(), svc, Development)
	assert.Equal(t, ReasonMissingCommand, r.Reason)
	assert.Empty(t, f.rec.marks)
}

func TestStartStandardLayersEnvironment(t *testing.T) {
	f := newFixture(t)
	f.write(t, "run.sh", dumpAndSleep, 0o644)
	f.write(t, ".flaskenv", "# overrides\nA=99\nexport QUOTED='x y'\n", 0o644)

	r := f.launcher(Options{}).Start(context.Background(), f.standard("core", 5001), Production)
	require.True(t, r.Success, r.Message)
	killOnCleanup(t, r.PID)
	assert.Equal(t, ReasonOK, r.Reason)
	assert.Equal(t, 5001, r.Port)

	got := readEnvDump(t, filepath.Join(f.work, "env.out"))
	assert.Equal(t, "99", got["A"])
	assert.Equal(t, "x y", got["QUOTED"])
	assert.Equal(t, "production", got["FLASK_ENV"])
	assert.NotContains(t, got, "WERKZEUG_RUN_MAIN")
	assert.NotContains(t, got, "USE_GUNICORN")

	require.Len(t, f.rec.marks, 1)
	assert.Equal(t, running{"core", r.PID, 5001}, f.rec.marks[0])

	alive, err := probe.IsAlive(r.PID)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestStartDevModeForcesDevelopment(t *testing.T) {
	f := newFixture(t)
	f.write(t, "run.sh", dumpAndSleep, 0o644)
	l := f.launcher(Options{
		Environ: func() []string { return append(os.Environ(), "HELMD_DEV_MODE=true") },
		Proxy:   config.ProxyConfig{Service: "nexus", PublicPort: 8443, PublicHost: "0.0.0.0"},
	})
	r := l.Start(context.Background(), f.standard("nexus", 8000), Production)
	require.True(t, r.Success, r.Message)
	killOnCleanup(t, r.PID)

	got := readEnvDump(t, filepath.Join(f.work, "env.out"))
	assert.Equal(t, "development", got["FLASK_ENV"])
	assert.Equal(t, "8443", got["NEXUS_PORT"])
	assert.NotContains(t, got, "USE_GUNICORN")
}

func TestStartProxyUsesPublicPort(t *testing.T) {
	f := newFixture(t)
	f.write(t, "run.sh", dumpAndSleep, 0o644)
	l := f.launcher(Options{Proxy: config.ProxyConfig{Service: "nexus", PublicPort: 8443, PublicHost: "0.0.0.0"}})

	r := l.Start(context.Background(), f.standard("nexus", 8000), Production)
	require.True(t, r.Success, r.Message)
	killOnCleanup(t, r.PID)
	assert.Equal(t, 8443, r.Port)
	assert.Equal(t, []int{8443}, f.lis.probed)

	got := readEnvDump(t, filepath.Join(f.work, "env.out"))
	assert.Equal(t, "8443", got["NEXUS_PORT"])
	assert.Equal(t, "0.0.0.0", got["NEXUS_HOST"])
	assert.Equal(t, "true", got["USE_GUNICORN"])
	require.Len(t, f.rec.marks, 1)
	assert.Equal(t, 8443, f.rec.marks[0].port)
}

func TestStartCommandInjectsIdentity(t *testing.T) {
	f := newFixture(t)
	f.write(t, "bin/kc.sh", "#!/bin/sh\necho \"$@\" > args.out\n"+dumpAndSleep, 0o755)
	svc := config.Service{
		Name:    "keycloak",
		WorkDir: f.work,
		Port:    8080,
		Launch:  config.CommandLaunch{Command: "bin/kc.sh start-dev --http-port=8080", ExtraEnv: map[string]string{"KC_DB": "dev-file"}},
	}
	l := f.launcher(Options{Identity: config.IdentityConfig{
		AdminUserEnv: "KEYCLOAK_ADMIN", AdminPasswordEnv: "KEYCLOAK_ADMIN_PASSWORD",
		AdminUser: "root", AdminPassword: "s3cret",
	}})
	r := l.Start(context.Background(), svc, Development)
	require.True(t, r.Success, r.Message)
	killOnCleanup(t, r.PID)

	got := readEnvDump(t, filepath.Join(f.work, "env.out"))
	assert.Equal(t, "root", got["KEYCLOAK_ADMIN"])
	assert.Equal(t, "s3cret", got["KEYCLOAK_ADMIN_PASSWORD"])
	assert.Equal(t, "dev-file", got["KC_DB"])
	args, err := os.ReadFile(filepath.Join(f.work, "args.out"))
	require.NoError(t, err)
	assert.Equal(t, "start-dev --http-port=8080\n", string(args))
	_, err = os.Stat(filepath.Join(f.work, "services.json"))
	assert.True(t, os.IsNotExist(err), "command services do not get a registry copy")
}

func TestStartDiesInGrace(t *testing.T) {
	f := newFixture(t)
	f.write(t, "run.sh", "echo 'Traceback: secret path /etc/x' >&2\nexit 3\n", 0o644)
	r := f.launcher(Options{}).Start(context.Background(), f.standard("core", 5001), Development)
	assert.False(t, r.Success)
	assert.Equal(t, ReasonDiedInGrace, r.Reason)
	assert.NotContains(t, r.Message, "Traceback")
	assert.Empty(t, f.rec.marks)
	assert.Contains(t, f.logs.Tail("core", logsink.Stderr, 10), "Traceback")
}

func TestStartSyncsRegistry(t *testing.T) {
	f := newFixture(t)
	f.write(t, "run.sh", "exec sleep 30\n", 0o644)
	reg := config.NewStaticRegistry(map[string]config.Service{
		"core":   {URL: "http://localhost:5000", Visible: false},
		"nexus":  {URL: "http://localhost:8000", Visible: true},
		"portal": {URL: "http://localhost:5010", Visible: true},
	})
	svc := f.standard("nexus", 8000)
	svc.FilterVisible = true
	r := f.launcher(Options{Registry: reg}).Start(context.Background(), svc, Development)
	require.True(t, r.Success, r.Message)
	killOnCleanup(t, r.PID)

	b, err := os.ReadFile(filepath.Join(f.work, "services.json"))
	require.NoError(t, err)
	var got map[string]map[string]string
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, map[string]map[string]string{
		"nexus":  {"url": "http://localhost:8000"},
		"portal": {"url": "http://localhost:5010"},
	}, got)
}
