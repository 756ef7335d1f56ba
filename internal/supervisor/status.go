package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/helmd/internal/health"
	"github.com/loykin/helmd/internal/store"
)

// State is the process axis of a service's status.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateUnknown State = "unknown"
)

// ProcessInfo is the OS sample of a running service.
type ProcessInfo struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// RuntimeStatus merges the process state with the HTTP health of one service.
// State and Health are independent: neither ever overrides the other.
type RuntimeStatus struct {
	Name           string        `json:"name"`
	State          State         `json:"state"`
	PID            *int          `json:"pid"`
	Port           int           `json:"port"`
	URL            string        `json:"url,omitempty"`
	Health         health.Status `json:"health"`
	HealthMessage  string        `json:"health_message,omitempty"`
	HealthEndpoint string        `json:"health_endpoint,omitempty"`
	Process        *ProcessInfo  `json:"process,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// StatusOf reconciles OS evidence, the persisted record and an HTTP health
// probe into one view. An unconfigured name yields config.ErrUnknownService.
func (s *Supervisor) StatusOf(ctx context.Context, name string) (RuntimeStatus, error) {
	svc, err := s.cfg.Registry.Get(name)
	if err != nil {
		return RuntimeStatus{}, err
	}
	port := s.cfg.Launcher.EffectivePort(svc)
	st := RuntimeStatus{Name: name, State: StateStopped, Port: port, URL: svc.URL}

	rec, err := s.cfg.Store.Get(ctx, name)
	hasRec := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn("read record", "service", name, "error", err)
	}

	ports := []int{port}
	if hasRec && rec.Port > 0 && rec.Port != port {
		ports = append(ports, rec.Port)
	}
	pid := 0
	for _, p := range ports {
		h, ok, err := s.cfg.Probe.FindListener(ctx, p)
		if err != nil {
			s.log.Warn("listener probe failed", "service", name, "port", p, "error", err)
			continue
		}
		if ok {
			pid = h.PID
			break
		}
	}

	if pid == 0 && hasRec && rec.Status == store.StatusRunning && rec.PID > 0 {
		alive, err := s.cfg.IsAlive(rec.PID)
		if err != nil {
			// keep the record; the next status call retries
			s.log.Debug("liveness check", "service", name, "pid", rec.PID, "error", err)
		} else if alive {
			pid = rec.PID
		} else if _, err := s.cfg.Store.MarkStopped(ctx, name, rec.PID); err != nil {
			s.log.Warn("clear stale record", "service", name, "pid", rec.PID, "error", err)
		}
	}

	if pid > 0 {
		st.State = StateRunning
		st.PID = &pid
		if info, err := s.cfg.Probe.Sample(ctx, pid); err == nil {
			pi := &ProcessInfo{CPUPercent: info.CPUPercent, MemoryMB: info.MemoryMB, StartedAt: info.StartedAt}
			// the OS create time can belong to a reloader wrapper
			if hasRec && rec.Status == store.StatusRunning && rec.PID == pid && !rec.StartedAt.IsZero() {
				pi.StartedAt = rec.StartedAt
			}
			st.Process = pi
		} else {
			s.log.Debug("process sample", "service", name, "pid", pid, "error", err)
		}
	}

	h := s.cfg.Health.Check(ctx, svc.URL)
	st.Health = h.Status
	st.HealthMessage = h.Message
	st.HealthEndpoint = h.Endpoint
	return st, nil
}

// StatusOfAll computes every configured service's status concurrently.
// A failure is confined to its own entry, reported with State unknown.
func (s *Supervisor) StatusOfAll(ctx context.Context) map[string]RuntimeStatus {
	names := s.cfg.Registry.Names()
	out := make(map[string]RuntimeStatus, len(names))
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, statusWorkers)
	)
	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			st, err := s.statusIsolated(ctx, name)
			if err != nil {
				s.log.Error("status failed", "service", name, "error", err)
				st = RuntimeStatus{Name: name, State: StateUnknown, Health: health.Unknown, Error: "Status unavailable"}
			}
			mu.Lock()
			out[name] = st
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return out
}

// statusIsolated turns a panic in one probe into an error for that entry only.
func (s *Supervisor) statusIsolated(ctx context.Context, name string) (st RuntimeStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("status probe panicked")
			s.log.Error("status probe panic", "service", name, "panic", r)
		}
	}()
	return s.StatusOf(ctx, name)
}
