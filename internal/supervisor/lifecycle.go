package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/helmd/internal/config"
	"github.com/loykin/helmd/internal/history"
	"github.com/loykin/helmd/internal/launcher"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/store"
)

// Lifecycle states exported as the current_state gauge.
const (
	lcStopped  = "stopped"
	lcStarting = "starting"
	lcRunning  = "running"
	lcStopping = "stopping"
)

var lifecycleStates = []string{lcStopped, lcStarting, lcRunning, lcStopping}

func transition(name, from, to string) {
	metrics.RecordStateTransition(name, from, to)
	metrics.SetCurrentState(name, to, lifecycleStates)
}

// StopReason classifies the outcome of a stop.
type StopReason string

const (
	StopOK             StopReason = "ok"
	StopNotRunning     StopReason = "not_running"
	StopUnknownService StopReason = "unknown_service"
	StopInternal       StopReason = "internal"
)

// stopInternal is returned when the OS refuses a signal or liveness query;
// the record is left untouched.
var stopInternal = StopResult{Message: "Internal error", Reason: StopInternal}

// StopResult reports how a stop ended. Forced is set when the kill signal was needed.
type StopResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	Reason  StopReason `json:"reason"`
	Forced  bool       `json:"forced,omitempty"`
}

// RestartResult carries both halves; Success mirrors the start half.
type RestartResult struct {
	Success bool                 `json:"success"`
	Stop    StopResult           `json:"stop"`
	Start   launcher.StartResult `json:"start"`
}

// Start launches a configured service. The per-service lock closes the
// window between the liveness check and the spawn.
func (s *Supervisor) Start(ctx context.Context, name string, mode launcher.Mode) launcher.StartResult {
	svc, err := s.cfg.Registry.Get(name)
	if err != nil {
		return launcher.StartResult{Message: "Unknown service", Reason: launcher.ReasonUnknownService}
	}
	unlock := s.lock(name)
	defer unlock()
	return s.start(ctx, svc, mode)
}

func (s *Supervisor) start(ctx context.Context, svc config.Service, mode launcher.Mode) launcher.StartResult {
	transition(svc.Name, lcStopped, lcStarting)
	res := s.cfg.Launcher.Start(ctx, svc, mode)
	if res.Success {
		transition(svc.Name, lcStarting, lcRunning)
		s.cfg.Samples.Forget(svc.Name)
	} else {
		transition(svc.Name, lcStarting, lcStopped)
		s.log.Info("start refused", "service", svc.Name, "reason", string(res.Reason))
	}
	return res
}

// Stop terminates the recorded process: graceful signal, up to PollAttempts
// liveness polls, then a forced kill. The record ends stopped unless the OS
// refused the signals or the process survived the kill.
func (s *Supervisor) Stop(ctx context.Context, name string) StopResult {
	if _, err := s.cfg.Registry.Get(name); err != nil {
		return StopResult{Message: "Unknown service", Reason: StopUnknownService}
	}
	unlock := s.lock(name)
	defer unlock()
	return s.stop(ctx, name)
}

func (s *Supervisor) stop(ctx context.Context, name string) StopResult {
	log := s.log.With("service", name)
	rec, err := s.cfg.Store.Get(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("read record", "error", err)
	}
	if err != nil || rec.PID <= 0 {
		return StopResult{Message: "Service not running or PID unknown", Reason: StopNotRunning}
	}
	pid := rec.PID

	alive, err := s.cfg.IsAlive(pid)
	if err != nil {
		log.Error("liveness check", "pid", pid, "error", err)
		return stopInternal
	}
	if !alive {
		s.markStopped(ctx, rec, false)
		return StopResult{Success: true, Message: "Service was not running", Reason: StopNotRunning}
	}

	transition(name, lcRunning, lcStopping)
	began := s.cfg.Now()
	termErr := s.cfg.Terminate(pid)
	if termErr != nil {
		if isNoProcess(termErr) {
			s.markStopped(ctx, rec, false)
			transition(name, lcStopping, lcStopped)
			return StopResult{Success: true, Message: "Service already stopped", Reason: StopOK}
		}
		log.Error("terminate signal", "pid", pid, "error", termErr)
	}

	// a refused terminate goes straight to the kill
	forced := termErr != nil || !s.waitGone(pid)
	if forced {
		log.Warn("service did not exit on terminate, killing", "pid", pid)
		if err := s.cfg.Kill(pid); err != nil && !isNoProcess(err) {
			log.Error("kill signal", "pid", pid, "error", err)
			transition(name, lcStopping, lcRunning)
			return stopInternal
		}
		time.Sleep(s.cfg.KillWait)
		if alive, err := s.cfg.IsAlive(pid); err != nil || alive {
			log.Error("service survived kill", "pid", pid, "error", err)
			transition(name, lcStopping, lcRunning)
			return stopInternal
		}
	}
	metrics.ObserveStopDuration(name, s.cfg.Now().Sub(began).Seconds())
	metrics.IncStop(name, forced)

	s.markStopped(ctx, rec, forced)
	transition(name, lcStopping, lcStopped)
	log.Info("service stopped", "pid", pid, "forced", forced)
	return StopResult{Success: true, Message: "Service stopped", Reason: StopOK, Forced: forced}
}

// waitGone polls liveness once per interval and reports whether pid exited.
func (s *Supervisor) waitGone(pid int) bool {
	for i := 0; i < s.cfg.PollAttempts; i++ {
		time.Sleep(s.cfg.PollInterval)
		if alive, err := s.cfg.IsAlive(pid); err == nil && !alive {
			return true
		}
	}
	return false
}

func (s *Supervisor) markStopped(ctx context.Context, rec store.Record, forced bool) {
	if _, err := s.cfg.Store.MarkStopped(ctx, rec.ServiceName, rec.PID); err != nil {
		s.log.Error("persist stopped record", "service", rec.ServiceName, "error", err)
	}
	s.cfg.Samples.Forget(rec.ServiceName)
	now := s.cfg.Now().UTC()
	ev := rec
	ev.Status = store.StatusStopped
	ev.LastChecked = now
	if err := s.cfg.History.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: now, Record: ev}); err != nil {
		s.log.Warn("history stop event", "service", rec.ServiceName, "forced", forced, "error", err)
	}
}

// Restart stops (best-effort), waits the settle delay, then starts.
func (s *Supervisor) Restart(ctx context.Context, name string, mode launcher.Mode) RestartResult {
	svc, err := s.cfg.Registry.Get(name)
	if err != nil {
		return RestartResult{
			Stop:  StopResult{Message: "Unknown service", Reason: StopUnknownService},
			Start: launcher.StartResult{Message: "Unknown service", Reason: launcher.ReasonUnknownService},
		}
	}
	unlock := s.lock(name)
	defer unlock()

	metrics.IncRestart(name)
	stopRes := s.stop(ctx, name)
	if !stopRes.Success {
		s.log.Info("restart: stop half did not succeed", "service", name, "reason", string(stopRes.Reason))
	}
	time.Sleep(s.cfg.Settle)
	startRes := s.start(ctx, svc, mode)
	return RestartResult{Success: startRes.Success, Stop: stopRes, Start: startRes}
}
