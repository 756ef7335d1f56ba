package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/helmd/internal/history"
	"github.com/loykin/helmd/internal/metrics"
	"github.com/loykin/helmd/internal/store"
)

// CollectMetrics samples every running record's process, refreshes the
// record's resource and health fields and emits a metric history event.
// Records whose process is gone are skipped; the next StatusOf clears them.
func (s *Supervisor) CollectMetrics(ctx context.Context) error {
	recs, err := s.cfg.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	var errs []error
	for _, rec := range recs {
		if rec.Status != store.StatusRunning || rec.PID <= 0 {
			s.cfg.Samples.Forget(rec.ServiceName)
			continue
		}
		info, err := s.cfg.Probe.Sample(ctx, rec.PID)
		if err != nil {
			s.log.Debug("sample skipped", "service", rec.ServiceName, "pid", rec.PID, "error", err)
			continue
		}
		now := s.cfg.Now().UTC()
		sample := store.Sample{CPUPercent: info.CPUPercent, MemoryMB: info.MemoryMB, CheckedAt: now}
		if svc, err := s.cfg.Registry.Get(rec.ServiceName); err == nil {
			h := s.cfg.Health.Check(ctx, svc.URL)
			sample.HealthStatus = string(h.Status)
			sample.HealthMessage = h.Message
		}
		if err := s.cfg.Store.UpdateMetrics(ctx, rec.ServiceName, sample); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", rec.ServiceName, err))
			continue
		}
		s.cfg.Samples.Add(rec.ServiceName, metrics.ServiceSample{
			PID:        rec.PID,
			CPUPercent: info.CPUPercent,
			MemoryMB:   info.MemoryMB,
			NumThreads: info.NumThreads,
			Timestamp:  now,
		})

		ev := rec
		ev.CPUPercent = sample.CPUPercent
		ev.MemoryMB = sample.MemoryMB
		ev.HealthStatus = sample.HealthStatus
		ev.HealthMessage = sample.HealthMessage
		ev.LastChecked = now
		if err := s.cfg.History.Send(ctx, history.Event{Type: history.EventMetric, OccurredAt: now, Record: ev}); err != nil {
			s.log.Warn("history metric event", "service", rec.ServiceName, "error", err)
		}
	}
	return errors.Join(errs...)
}
