package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MissingFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.False(t, s.Recovered())
	doc := s.Snapshot()
	assert.Empty(t, doc.Servers)
	assert.Equal(t, SupervisorStopped, doc.Supervisor.Status)
	assert.NoFileExists(t, path)
}

func TestUpdate_PersistsLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "metrics.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.UpdateServer("echo", func(r *ServerRecord) {
		r.Status = "running"
		r.LastStart = now
		r.LastAccess = now
		r.AccessCount = 3
		r.PID = 42
	}))
	require.NoError(t, s.UpdateSupervisor(func(r *SupervisorRecord) {
		r.ActiveCount = 1
		r.TotalStarts = 1
		r.Status = SupervisorRunning
	}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Contains(t, raw, "servers")
	require.Contains(t, raw, "supervisor")
	echo, ok := raw["servers"]["echo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "running", echo["status"])
	assert.EqualValues(t, 3, echo["access_count"])
	assert.Contains(t, echo, "last_start")
	assert.Contains(t, echo, "last_access")
	assert.EqualValues(t, 1, raw["supervisor"]["active_count"])
	assert.EqualValues(t, 1, raw["supervisor"]["total_starts"])
	assert.Equal(t, "running", raw["supervisor"]["supervisor_status"])

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	rec, ok := reopened.Server("echo")
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.AccessCount)
	assert.True(t, rec.LastStart.Equal(now))
}

func TestOpen_CorruptFileIsReinitialized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.True(t, s.Recovered())
	assert.Empty(t, s.Snapshot().Servers)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	require.NoError(t, s.UpdateServer("a", func(r *ServerRecord) { r.Status = "stopped" }))
	_, err = Read(path)
	assert.NoError(t, err)
}

func TestRead_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o644))
	_, err := Read(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestUpdate_WriteFailureIsReported(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	// parent of the metrics file is a regular file, so mkdir fails
	s, err := Open(filepath.Join(blocker, "metrics.json"), nil)
	require.NoError(t, err)

	err = s.UpdateServer("a", func(r *ServerRecord) { r.AccessCount = 7 })
	assert.ErrorIs(t, err, ErrWriteFailed)
	rec, ok := s.Server("a")
	require.True(t, ok)
	assert.Equal(t, int64(7), rec.AccessCount)
}

func TestMemoryOnlyStore(t *testing.T) {
	s, err := Open("", nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateServer("x", func(r *ServerRecord) { r.Starts++ }))
	rec, _ := s.Server("x")
	assert.Equal(t, int64(1), rec.Starts)
	assert.Equal(t, "", s.Path())
}

func TestSnapshotIsCopy(t *testing.T) {
	s, _ := Open("", nil)
	_ = s.UpdateServer("x", func(r *ServerRecord) { r.Status = "running" })
	snap := s.Snapshot()
	snap.Servers["x"] = ServerRecord{Status: "mutated"}
	rec, _ := s.Server("x")
	assert.Equal(t, "running", rec.Status)
}

func TestConcurrentWritersNeverTearFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	s, err := Open(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(readerErr)
				return
			default:
			}
			if _, err := Read(path); err != nil && !os.IsNotExist(err) {
				readerErr <- err
				close(readerErr)
				return
			}
		}
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_ = s.UpdateServer("srv", func(r *ServerRecord) { r.AccessCount++ })
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	assert.NoError(t, <-readerErr)

	doc, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, int64(200), doc.Servers["srv"].AccessCount)

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".metrics.json.tmp-*"))
	assert.Empty(t, leftovers)
}
