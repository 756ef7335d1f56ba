// Package client is a Go client for the helmd daemon's REST API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:5004/api"
	// DefaultTimeout covers a stop that runs the full poll window plus a
	// restart's settle and grace periods.
	DefaultTimeout = 90 * time.Second
)

// Client provides HTTP client functionality to communicate with the helmd daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
}

// New creates a client. An unreadable CA certificate is an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicitly requested by the caller
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		pem, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", config.TLS.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	root := strings.TrimSuffix(c.baseURL, "/api")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Services lists configured services keyed by name.
func (c *Client) Services(ctx context.Context) (map[string]Service, error) {
	var out map[string]Service
	_, err := c.do(ctx, http.MethodGet, "/services", nil, &out, false)
	return out, err
}

// StatusAll returns the status of every service.
func (c *Client) StatusAll(ctx context.Context) (map[string]Status, error) {
	var out map[string]Status
	_, err := c.do(ctx, http.MethodGet, "/services/status", nil, &out, false)
	return out, err
}

func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var out Status
	_, err := c.do(ctx, http.MethodGet, servicePath(name, "status"), nil, &out, false)
	return out, err
}

// Start launches a service. A refused start (already running, missing files)
// is a result with Success false, not an error.
func (c *Client) Start(ctx context.Context, name, mode string) (StartResult, error) {
	var out StartResult
	_, err := c.do(ctx, http.MethodPost, servicePath(name, "start"), modeBody(mode), &out, true)
	return out, err
}

func (c *Client) Stop(ctx context.Context, name string) (StopResult, error) {
	var out StopResult
	_, err := c.do(ctx, http.MethodPost, servicePath(name, "stop"), nil, &out, true)
	return out, err
}

func (c *Client) Restart(ctx context.Context, name, mode string) (RestartResult, error) {
	var out RestartResult
	_, err := c.do(ctx, http.MethodPost, servicePath(name, "restart"), modeBody(mode), &out, true)
	return out, err
}

// Logs tails a service's log files. typ is stdout, stderr or both.
func (c *Client) Logs(ctx context.Context, name string, lines int, typ string) (Logs, error) {
	q := url.Values{}
	q.Set("lines", strconv.Itoa(lines))
	if typ != "" {
		q.Set("type", typ)
	}
	var out Logs
	_, err := c.do(ctx, http.MethodGet, servicePath(name, "logs")+"?"+q.Encode(), nil, &out, false)
	return out, err
}

// Metrics returns the daemon's in-memory resource samples for a service.
func (c *Client) Metrics(ctx context.Context, name string) ([]Sample, error) {
	var out []Sample
	_, err := c.do(ctx, http.MethodGet, servicePath(name, "metrics"), nil, &out, false)
	return out, err
}

// Reload asks the daemon to re-read the service registry.
func (c *Client) Reload(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/reload", nil, nil, false)
	return err
}

func servicePath(name, op string) string {
	return "/services/" + url.PathEscape(name) + "/" + op
}

func modeBody(mode string) any {
	if mode == "" {
		return nil
	}
	return map[string]string{"mode": mode}
}

// do performs a request and decodes the body into out. With result set, a
// non-2xx response that is not a bare ErrorResponse still decodes into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any, result bool) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ok {
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return resp.StatusCode, fmt.Errorf("API error: %s", er.Error)
		}
		if !result {
			return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
