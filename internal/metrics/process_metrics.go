package metrics

import (
	"sync"
	"time"
)

// DefaultMaxHistory is the number of samples kept per service.
const DefaultMaxHistory = 120

// ServiceSample holds CPU and memory usage of one service process at a point in time.
type ServiceSample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

type ring struct {
	samples  []ServiceSample
	startIdx int
	count    int
}

// SampleHistory keeps a bounded in-memory history of samples per service.
// Samples are also exported as gauges when the collectors are registered.
type SampleHistory struct {
	mu      sync.RWMutex
	max     int
	history map[string]*ring
}

func NewSampleHistory(max int) *SampleHistory {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &SampleHistory{max: max, history: make(map[string]*ring)}
}

// Add appends a sample using a circular buffer and updates the resource gauges.
func (h *SampleHistory) Add(name string, s ServiceSample) {
	SetResources(name, s.CPUPercent, s.MemoryMB)

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.history[name]
	if !ok {
		r = &ring{samples: make([]ServiceSample, h.max)}
		h.history[name] = r
	}
	if r.count < h.max {
		r.samples[r.count] = s
		r.count++
		return
	}
	// full: overwrite oldest
	r.samples[r.startIdx] = s
	r.startIdx = (r.startIdx + 1) % h.max
}

// Latest returns the most recent sample.
func (h *SampleHistory) Latest(name string) (ServiceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.history[name]
	if !ok || r.count == 0 {
		return ServiceSample{}, false
	}
	idx := (r.startIdx + r.count - 1) % h.max
	return r.samples[idx], true
}

// History returns samples oldest first.
func (h *SampleHistory) History(name string) ([]ServiceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.history[name]
	if !ok {
		return nil, false
	}
	out := make([]ServiceSample, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(r.startIdx+i)%h.max])
	}
	return out, true
}

// Forget drops the history and gauges of a service that is no longer running.
func (h *SampleHistory) Forget(name string) {
	ClearResources(name)
	h.mu.Lock()
	delete(h.history, name)
	h.mu.Unlock()
}
