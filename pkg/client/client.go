// Package client talks to the lazyvisor daemon over its HTTP API.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:7071/api"

// Client provides HTTP client functionality to communicate with the lazyvisor daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new lazyvisor API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("client tls: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "url", c.baseURL, "error", err)
		return false
	}
	return true
}

// List returns every configured server.
func (c *Client) List(ctx context.Context) ([]ServerStatus, error) {
	var out []ServerStatus
	if err := c.do(ctx, http.MethodGet, "/servers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns one server's snapshot.
func (c *Client) Status(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodGet, name, "")
}

// Start launches a server if it is not running.
func (c *Client) Start(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodPost, name, "start")
}

// FastStart starts a server if needed and records an access.
func (c *Client) FastStart(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodPost, name, "fast-start")
}

// Touch records an access for a running server.
func (c *Client) Touch(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodPost, name, "touch")
}

// Stop gracefully stops a server.
func (c *Client) Stop(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodPost, name, "stop")
}

// ForceStop kills a server without a grace period.
func (c *Client) ForceStop(ctx context.Context, name string) (ServerStatus, error) {
	return c.serverCall(ctx, http.MethodPost, name, "force-stop")
}

// Reap runs one reaper tick on the daemon.
func (c *Client) Reap(ctx context.Context) (ReapResult, error) {
	var out ReapResult
	err := c.do(ctx, http.MethodPost, "/debug/reap", &out)
	return out, err
}

func (c *Client) serverCall(ctx context.Context, method, name, action string) (ServerStatus, error) {
	p := "/servers/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	var out ServerStatus
	err := c.do(ctx, method, p, &out)
	return out, err
}

// do performs a request and decodes a JSON reply into out when set.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 -- explicit operator opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	if config.TLS.SkipVerify {
		// #nosec G402 -- explicit operator opt-in
		tlsConfig.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
