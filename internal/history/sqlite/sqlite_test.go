package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/history"
)

func TestSQLiteSink_SendAndCount(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, sink.Close()) }()

	ctx := context.Background()
	start := history.NewEvent(history.EventStart, "echo")
	start.PID = 4242
	start.Status = "running"
	start.StartedAt = time.Now().Add(-time.Second)
	require.NoError(t, sink.Send(ctx, start))

	stop := history.NewEvent(history.EventUnkillable, "echo")
	stop.Status = "stopping"
	stop.Error = "survived SIGKILL"
	require.NoError(t, sink.Send(ctx, stop))

	n, err := sink.Count(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var errText string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT error FROM server_history WHERE event = ?`, string(history.EventUnkillable)).Scan(&errText))
	assert.Equal(t, "survived SIGKILL", errText)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.NewEvent(history.EventEvict, "a")))
	n, err := sink.Count(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
