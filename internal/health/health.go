package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status is the HTTP-level health of a service, independent of process state.
type Status string

const (
	Healthy     Status = "healthy"
	Degraded    Status = "degraded"
	Unreachable Status = "unreachable"
	Unknown     Status = "unknown"
)

// DefaultTimeout bounds each individual request.
const DefaultTimeout = 2 * time.Second

// Paths are tried in order; the last one is the root fallback.
var Paths = []string{"/health", "/"}

// Result is the outcome of one Check.
type Result struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Prober performs bounded GET requests against a service base URL.
type Prober struct {
	timeout  time.Duration
	client   *http.Client
	loopback *http.Client
}

// New returns a Prober whose requests each time out after timeout.
// Certificate verification is skipped only for loopback hosts.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	// #nosec G402 -- local services commonly serve self-signed certificates
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &Prober{
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout, Transport: tr},
		loopback: &http.Client{Timeout: timeout, Transport: insecure},
	}
}

// Check tries /health, then the root path. Any 2xx is healthy; a response
// from the root that is not 2xx is degraded; no response at all is unreachable.
func (p *Prober) Check(ctx context.Context, baseURL string) Result {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Status: Unknown, Message: "No URL configured"}
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return Result{Status: Unknown, Message: "Invalid URL"}
	}
	client := p.client
	if isLoopback(u.Hostname()) {
		client = p.loopback
	}

	var last int
	for _, path := range Paths {
		code, err := p.get(ctx, client, base+path)
		if err != nil {
			last = 0
			continue
		}
		if code >= 200 && code < 300 {
			return Result{Status: Healthy, Message: "OK", Endpoint: path}
		}
		last = code
	}
	if last != 0 {
		return Result{Status: Degraded, Message: fmt.Sprintf("HTTP %d", last), Endpoint: "/"}
	}
	return Result{Status: Unreachable, Message: "Service not responding"}
}

func (p *Prober) get(ctx context.Context, client *http.Client, target string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
