package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/helmd/internal/store"
)

// EventType defines the kind of history event.
type EventType string

const (
	EventStart  EventType = "start"
	EventStop   EventType = "stop"
	EventMetric EventType = "metric"
)

// Event represents a lifecycle event or metric sample exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends each event to every sink. A failing sink is logged and does not
// prevent delivery to the others; history is best-effort.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
}

func NewFanout(log *slog.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{sinks: sinks, log: log}
}

// Len returns the number of configured sinks.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Send delivers e to all sinks and joins their errors.
func (f *Fanout) Send(ctx context.Context, e Event) error {
	if f == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, e); err != nil {
			f.log.Warn("history sink send failed", "type", e.Type, "service", e.Record.ServiceName, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
