package store

import (
	"context"
	"errors"
	"time"
)

// Status values persisted in Record.Status.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

var ErrNotFound = errors.New("record not found")

// Record is the supervisor's durable belief about one service.
// PID is advisory: live OS evidence wins whenever the two disagree.
// Zero PID and Port mean null; zero times mean unset.
type Record struct {
	ServiceName   string    `json:"service_name"`
	Status        string    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	Port          int       `json:"port,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastChecked   time.Time `json:"last_checked,omitempty"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	HealthStatus  string    `json:"health_status,omitempty"`
	HealthMessage string    `json:"health_message,omitempty"`
}

// Sample carries the fields written by the periodic metrics collector.
type Sample struct {
	CPUPercent    float64
	MemoryMB      float64
	HealthStatus  string
	HealthMessage string
	CheckedAt     time.Time
}

// Store persists one record per service name. Rows are created lazily by
// MarkRunning and never deleted here.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, name string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	// MarkRunning upserts status=running with pid, port and started_at.
	MarkRunning(ctx context.Context, name string, pid, port int, startedAt time.Time) error
	// MarkStopped sets status=stopped and clears pid when the row still holds
	// expectPID (0 matches any). It reports whether a row changed.
	MarkStopped(ctx context.Context, name string, expectPID int) (bool, error)
	// UpdateMetrics refreshes cpu, memory, health and last_checked on an existing row.
	UpdateMetrics(ctx context.Context, name string, s Sample) error
	Close() error
}
