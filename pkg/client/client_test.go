package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/api/", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestClient_ServerCalls(t *testing.T) {
	var paths []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name": "echo", "status": "running", "pid": 42, "alive": true,
			"access_count": 3, "idle": int64(2 * time.Second),
		})
	})
	ctx := context.Background()

	st, err := c.FastStart(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, 42, st.PID)
	assert.Equal(t, int64(3), st.AccessCount)
	assert.Equal(t, 2*time.Second, st.Idle)

	_, err = c.Start(ctx, "echo")
	require.NoError(t, err)
	_, err = c.Touch(ctx, "echo")
	require.NoError(t, err)
	_, err = c.Status(ctx, "echo")
	require.NoError(t, err)
	_, err = c.Stop(ctx, "echo")
	require.NoError(t, err)
	_, err = c.ForceStop(ctx, "echo")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/servers/echo/fast-start",
		"POST /api/servers/echo/start",
		"POST /api/servers/echo/touch",
		"GET /api/servers/echo",
		"POST /api/servers/echo/stop",
		"POST /api/servers/echo/force-stop",
	}, paths)
}

func TestClient_ListAndReap(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/servers":
			_, _ = w.Write([]byte(`[{"name":"a","status":"stopped"},{"name":"b","status":"running"}]`))
		case "/api/debug/reap":
			_, _ = w.Write([]byte(`{"evicted":["b"]}`))
		case "/api/healthz":
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[1].Name)

	res, err := c.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Evicted)
	assert.True(t, c.IsReachable(ctx))
}

func TestClient_APIError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"server not running"}`))
	})
	_, err := c.Touch(context.Background(), "echo")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusConflict))
	assert.False(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "server not running")
}

func TestClient_Unreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestNew_TLSOptions(t *testing.T) {
	_, err := New(Config{Insecure: true})
	assert.NoError(t, err)

	_, err = New(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = New(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.Error(t, err)
}
