package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	m := <-ch
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncStartFailure("a", "missing_script")
	IncRestart("a")
	IncStop("a", true)
	ObserveStopDuration("a", 10.5)
	RecordStateTransition("a", "running", "stopping")
	SetCurrentState("a", "stopped", []string{"stopped", "starting", "running", "stopping"})
	SetResources("a", 12, 64)

	if got := value(t, serviceStarts.WithLabelValues("a")); got != 2 {
		t.Fatalf("starts_total = %v", got)
	}
	if got := value(t, serviceStops.WithLabelValues("a", "true")); got != 1 {
		t.Fatalf("stops_total{forced=true} = %v", got)
	}
	if got := value(t, currentStates.WithLabelValues("a", "stopped")); got != 1 {
		t.Fatalf("current_state{stopped} = %v", got)
	}
	if got := value(t, currentStates.WithLabelValues("a", "running")); got != 0 {
		t.Fatalf("current_state{running} = %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"helmd_service_starts_total":            false,
		"helmd_service_start_failures_total":    false,
		"helmd_service_restarts_total":          false,
		"helmd_service_stops_total":             false,
		"helmd_service_stop_duration_seconds":   false,
		"helmd_service_state_transitions_total": false,
		"helmd_service_current_state":           false,
		"helmd_service_cpu_percent":             false,
		"helmd_service_memory_mb":               false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}

	ClearResources("a")
	ch := make(chan prometheus.Metric, 4)
	cpuPercent.Collect(ch)
	close(ch)
	if n := len(ch); n != 0 {
		t.Fatalf("cpu gauge not cleared: %d series", n)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != 200 || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics response: %d", rec.Code)
	}
}

func TestSampleHistoryRing(t *testing.T) {
	h := NewSampleHistory(3)
	if _, ok := h.Latest("core"); ok {
		t.Fatalf("expected no samples")
	}
	base := time.Now()
	for i := 0; i < 5; i++ {
		h.Add("core", ServiceSample{PID: i, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	got, ok := h.History("core")
	if !ok || len(got) != 3 {
		t.Fatalf("history len = %d", len(got))
	}
	for i, s := range got {
		if s.PID != i+2 {
			t.Fatalf("history[%d].PID = %d, want %d (oldest first)", i, s.PID, i+2)
		}
	}
	last, _ := h.Latest("core")
	if last.PID != 4 {
		t.Fatalf("latest = %d", last.PID)
	}
	h.Forget("core")
	if _, ok := h.History("core"); ok {
		t.Fatalf("history not forgotten")
	}
}
