package client

import "time"

// Service is the public view of a configured service.
type Service struct {
	Name    string `json:"name"`
	Port    int    `json:"port"`
	URL     string `json:"url,omitempty"`
	Visible bool   `json:"visible"`
	Kind    string `json:"kind"`
}

// ProcessInfo is the resource snapshot of a running service.
type ProcessInfo struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Status is the runtime status of one service.
type Status struct {
	Name           string       `json:"name"`
	State          string       `json:"state"`
	PID            *int         `json:"pid"`
	Port           int          `json:"port"`
	URL            string       `json:"url,omitempty"`
	Health         string       `json:"health"`
	HealthMessage  string       `json:"health_message,omitempty"`
	HealthEndpoint string       `json:"health_endpoint,omitempty"`
	Process        *ProcessInfo `json:"process,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// StartResult reports the outcome of a start request.
type StartResult struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port,omitempty"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// StopResult reports the outcome of a stop request.
type StopResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
	Forced  bool   `json:"forced,omitempty"`
}

type RestartResult struct {
	Success bool        `json:"success"`
	Stop    StopResult  `json:"stop"`
	Start   StartResult `json:"start"`
}

// Logs holds the requested log tails; a nil stream was not requested.
type Logs struct {
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`
}

// Sample is one in-memory resource sample kept by the daemon.
type Sample struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
