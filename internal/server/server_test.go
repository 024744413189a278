package server

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/metrics"
	ltls "github.com/loykin/lazyvisor/internal/tls"
)

func TestNewServer_ServesAPI(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", "/api", newFake("echo"), ltls.Config{}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + s.Addr() + "/api/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServer_TLS(t *testing.T) {
	cfg := ltls.Config{Enabled: true, Dir: filepath.Join(t.TempDir(), "tls"), AutoGenerate: true}
	s, err := NewServer("127.0.0.1:0", "", newFake("echo"), cfg, nil)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		// #nosec G402 -- self-signed test certificate
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get("https://" + s.Addr() + "/servers/echo")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewMetricsServer(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	metrics.IncStart("metrics-test")
	s, err := NewMetricsServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `lazyvisor_server_starts_total{name="metrics-test"}`)
}

func TestNewServer_BadAddr(t *testing.T) {
	_, err := NewServer("256.0.0.1:99999", "", newFake(), ltls.Config{}, nil)
	assert.Error(t, err)
}
