// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/helmd/internal/store"
)

// Run exercises s, which must have an empty schema already ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "core"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first start, got %v", err)
	}
	if err := s.UpdateMetrics(ctx, "core", store.Sample{CPUPercent: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("metrics must not create rows, got %v", err)
	}

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	if err := s.MarkRunning(ctx, "core", 4321, 5000, started); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := s.Get(ctx, "core")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusRunning || got.PID != 4321 || got.Port != 5000 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at: want %v, got %v", started, got.StartedAt)
	}

	// restart overwrites the same row
	if err := s.MarkRunning(ctx, "core", 4400, 443, started.Add(time.Second)); err != nil {
		t.Fatalf("mark running again: %v", err)
	}

	// compare-and-swap on a stale pid is a no-op
	changed, err := s.MarkStopped(ctx, "core", 4321)
	if err != nil {
		t.Fatalf("mark stopped stale: %v", err)
	}
	if changed {
		t.Fatalf("stale pid must not stop the newer run")
	}
	got, _ = s.Get(ctx, "core")
	if got.Status != store.StatusRunning || got.PID != 4400 || got.Port != 443 {
		t.Fatalf("record changed by stale CAS: %+v", got)
	}

	if err := s.UpdateMetrics(ctx, "core", store.Sample{
		CPUPercent: 12.5, MemoryMB: 64, HealthStatus: "healthy", HealthMessage: "OK", CheckedAt: time.Now(),
	}); err != nil {
		t.Fatalf("update metrics: %v", err)
	}
	got, _ = s.Get(ctx, "core")
	if got.CPUPercent != 12.5 || got.MemoryMB != 64 || got.HealthStatus != "healthy" {
		t.Fatalf("metrics not stored: %+v", got)
	}

	changed, err = s.MarkStopped(ctx, "core", 4400)
	if err != nil || !changed {
		t.Fatalf("mark stopped: changed=%v err=%v", changed, err)
	}
	got, _ = s.Get(ctx, "core")
	if got.Status != store.StatusStopped || got.PID != 0 {
		t.Fatalf("expected stopped with pid cleared, got %+v", got)
	}
	if got.LastChecked.IsZero() {
		t.Fatalf("last_checked not set on stop")
	}

	// expectPID 0 matches any row
	if err := s.MarkRunning(ctx, "keycloak", 99, 8080, time.Now()); err != nil {
		t.Fatalf("mark running keycloak: %v", err)
	}
	if changed, err := s.MarkStopped(ctx, "keycloak", 0); err != nil || !changed {
		t.Fatalf("unconditional stop: changed=%v err=%v", changed, err)
	}
	if changed, err := s.MarkStopped(ctx, "ghost", 0); err != nil || changed {
		t.Fatalf("stop of unknown row: changed=%v err=%v", changed, err)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ServiceName != "core" || all[1].ServiceName != "keycloak" {
		t.Fatalf("unexpected list: %+v", all)
	}
}
