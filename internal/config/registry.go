package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
)

// ErrUnknownService is returned when a name is not present in the registry.
var ErrUnknownService = errors.New("unknown service")

// Launch is the closed set of ways a service can be started.
// Exactly two implementations exist: StandardLaunch and CommandLaunch.
type Launch interface {
	isLaunch()
	Kind() string
}

// StandardLaunch runs "<interpreter> <script>" inside the service directory.
type StandardLaunch struct {
	Interpreter string `json:"interpreter"`
	Script      string `json:"script"`
}

// CommandLaunch runs a custom start command, e.g. a JVM-based identity provider.
type CommandLaunch struct {
	Command  string            `json:"command"`
	ExtraEnv map[string]string `json:"extra_env,omitempty"`
}

func (StandardLaunch) isLaunch()    {}
func (StandardLaunch) Kind() string { return "standard" }
func (CommandLaunch) isLaunch()     {}
func (CommandLaunch) Kind() string  { return "command" }

// Service is the read-only configuration of one managed service.
// Name is immutable and is the join key for status and persisted records.
type Service struct {
	Name    string `json:"name"`
	WorkDir string `json:"work_dir"`
	Port    int    `json:"port"`
	URL     string `json:"url"`
	Visible bool   `json:"visible"`
	Launch  Launch `json:"launch"`
	// EnvFile is the override file inside WorkDir whose pairs win over every other layer.
	EnvFile string `json:"env_file"`
	// FilterVisible restricts the synced registry copy to visible services.
	FilterVisible bool `json:"filter_visible,omitempty"`
}

// entry mirrors one services.json object.
type entry struct {
	URL           string            `mapstructure:"url"`
	Path          string            `mapstructure:"path"`
	Port          int               `mapstructure:"port"`
	Type          string            `mapstructure:"type"`
	PythonBin     string            `mapstructure:"python_bin"`
	RunScript     string            `mapstructure:"run_script"`
	StartCommand  string            `mapstructure:"start_command"`
	Env           map[string]string `mapstructure:"env"`
	EnvFile       string            `mapstructure:"env_file"`
	Visible       bool              `mapstructure:"visible"`
	FilterVisible bool              `mapstructure:"filter_visible"`
}

// toService dispatches the launch kind once, at load time.
func (e entry) toService(name, baseDir string) (Service, error) {
	if strings.TrimSpace(e.Path) == "" {
		return Service{}, fmt.Errorf("service %s: path not configured", name)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Service{}, fmt.Errorf("service %s: invalid port %d", name, e.Port)
	}
	wd := e.Path
	if !filepath.IsAbs(wd) {
		wd = filepath.Join(baseDir, wd)
	}
	s := Service{
		Name:          name,
		WorkDir:       filepath.Clean(wd),
		Port:          e.Port,
		URL:           strings.TrimRight(e.URL, "/"),
		Visible:       e.Visible,
		EnvFile:       e.EnvFile,
		FilterVisible: e.FilterVisible,
	}
	switch strings.ToLower(strings.TrimSpace(e.Type)) {
	case "", "python", "standard":
		l := StandardLaunch{Interpreter: e.PythonBin, Script: e.RunScript}
		if l.Interpreter == "" {
			l.Interpreter = "pyenv/bin/python"
		}
		if l.Script == "" {
			l.Script = "run.py"
		}
		s.Launch = l
		if s.EnvFile == "" {
			s.EnvFile = DefaultEnvFile
		}
	case "keycloak", "command":
		if strings.TrimSpace(e.StartCommand) == "" {
			return Service{}, fmt.Errorf("service %s: start_command not configured", name)
		}
		s.Launch = CommandLaunch{Command: e.StartCommand, ExtraEnv: e.Env}
	default:
		return Service{}, fmt.Errorf("service %s: unknown type %q", name, e.Type)
	}
	return s, nil
}

// LoadRegistry parses a services.json style registry. Relative service paths
// resolve against the registry file's directory. Service names and env keys
// are kept exactly as written, dots and case included.
func LoadRegistry(path string) (map[string]Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var top map[string]map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode registry %s: %w", path, err)
	}
	raw := make(map[string]entry, len(top))
	for name, fields := range top {
		var e entry
		if err := mapstructure.Decode(fields, &e); err != nil {
			return nil, fmt.Errorf("decode registry entry %s: %w", name, err)
		}
		raw[name] = e
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	out := make(map[string]Service, len(raw))
	for name, e := range raw {
		s, err := e.toService(name, base)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

// Registry holds the live service table. It only changes through Reload.
type Registry struct {
	mu       sync.RWMutex
	path     string
	services map[string]Service
}

// NewRegistry loads path once. A missing file is an error; callers decide
// whether to continue with an empty table via NewStaticRegistry.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenRegistry is NewRegistry but tolerates a missing file: the table starts
// empty and a later Reload picks the file up. found reports whether it existed.
func OpenRegistry(path string) (r *Registry, found bool, err error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &Registry{path: path, services: map[string]Service{}}, false, nil
	}
	r, err = NewRegistry(path)
	return r, err == nil, err
}

// NewStaticRegistry builds a registry from an in-memory table; Reload is a no-op.
func NewStaticRegistry(services map[string]Service) *Registry {
	cp := make(map[string]Service, len(services))
	for k, v := range services {
		v.Name = k
		cp[k] = v
	}
	return &Registry{services: cp}
}

// Reload re-reads the registry file. On error the previous table is kept.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	m, err := LoadRegistry(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.services = m
	r.mu.Unlock()
	return nil
}

// Path returns the backing file, empty for static registries.
func (r *Registry) Path() string { return r.path }

// Get returns the service named name or ErrUnknownService.
func (r *Registry) Get(name string) (Service, error) {
	r.mu.RLock()
	s, ok := r.services[name]
	r.mu.RUnlock()
	if !ok {
		return Service{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return s, nil
}

// All returns a copy of the service table.
func (r *Registry) All() map[string]Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Service, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}

// Names returns service names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for k := range r.services {
		names = append(names, k)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
