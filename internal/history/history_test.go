package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/helmd/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) Close() error {
	r.closed = true
	return nil
}

func TestFanoutDeliversToAllSinks(t *testing.T) {
	bad := &recordingSink{err: errors.New("down")}
	good := &recordingSink{}
	f := NewFanout(nil, bad, good)

	err := f.Send(context.Background(), Event{Type: EventStart, Record: store.Record{ServiceName: "core", PID: 1}})
	if err == nil {
		t.Fatalf("expected joined error from failing sink")
	}
	if len(good.events) != 1 {
		t.Fatalf("a failing sink must not block the others")
	}
	if good.events[0].OccurredAt.IsZero() {
		t.Fatalf("occurred_at should default to now")
	}
}

func TestFanoutKeepsOccurredAt(t *testing.T) {
	s := &recordingSink{}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := NewFanout(nil, s).Send(context.Background(), Event{Type: EventStop, OccurredAt: at}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !s.events[0].OccurredAt.Equal(at) {
		t.Fatalf("occurred_at overwritten: %v", s.events[0].OccurredAt)
	}
}

func TestNilFanoutIsNoop(t *testing.T) {
	var f *Fanout
	if err := f.Send(context.Background(), Event{}); err != nil {
		t.Fatalf("nil fanout send: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("nil fanout close: %v", err)
	}
	if f.Len() != 0 {
		t.Fatalf("nil fanout len")
	}
}

func TestFanoutClose(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	f := NewFanout(nil, a, b)
	if f.Len() != 2 {
		t.Fatalf("len = %d", f.Len())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatalf("sinks not closed")
	}
}
