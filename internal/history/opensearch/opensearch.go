package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/helmd/internal/history"
)

// Sink sends events to OpenSearch via HTTP.
// It POSTs one JSON document per event to baseURL + "/" + index + "/_doc".
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

type document struct {
	Type        history.EventType `json:"type"`
	OccurredAt  time.Time         `json:"@timestamp"`
	ServiceName string            `json:"service_name"`
	Status      string            `json:"status"`
	PID         int               `json:"pid,omitempty"`
	Port        int               `json:"port,omitempty"`
	CPUPercent  float64           `json:"cpu_percent"`
	MemoryMB    float64           `json:"memory_mb"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	r := e.Record
	b, err := json.Marshal(document{
		Type: e.Type, OccurredAt: e.OccurredAt.UTC(), ServiceName: r.ServiceName, Status: r.Status,
		PID: r.PID, Port: r.Port, CPUPercent: r.CPUPercent, MemoryMB: r.MemoryMB,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
