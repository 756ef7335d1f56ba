package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/helmd/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	storetest.Run(t, db)
}

func TestSQLiteFilePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helmd.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := db.MarkRunning(ctx, "core", 10, 5000, time.Now()); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	_ = db.Close()

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	got, err := db2.Get(ctx, "core")
	if err != nil || got.PID != 10 {
		t.Fatalf("record lost across reopen: %+v err=%v", got, err)
	}
}

func TestSQLiteConcurrentWriters(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			if err := db.MarkRunning(ctx, "core", pid, 5000, time.Now()); err != nil {
				t.Errorf("mark running: %v", err)
			}
		}(i)
	}
	wg.Wait()
	all, err := db.List(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one row per service, got %d err=%v", len(all), err)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
