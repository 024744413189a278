package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		method, path string
		body         []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "lazyvisor-history")
	e := history.NewEvent(history.EventEvict, "mcp-fs")
	e.PID = 77
	require.NoError(t, sink.Send(context.Background(), e))

	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/lazyvisor-history/_doc/"+e.ID, path)
	var got history.Event
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, history.EventEvict, got.Type)
	assert.Equal(t, 77, got.PID)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.NewEvent(history.EventStop, "a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
