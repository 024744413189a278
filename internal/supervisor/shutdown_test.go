//go:build !windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/registry"
	"github.com/loykin/lazyvisor/internal/store"
)

func readPID(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	return pid
}

// A start still inside its readiness window when shutdown begins is
// abandoned; Shutdown returns only after that process is gone.
func TestShutdown_AbandonsInFlightStart(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	cfg := testConfig(shDef("echo", "echo $$ > "+pidFile+"; exec sleep 30"))
	cfg.ReadinessDelay = 500 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	result := make(chan error, 1)
	go func() {
		_, err := s.FastStart(context.Background(), "echo")
		result <- err
	}()
	require.True(t, waitUntil(2*time.Second, func() bool {
		b, err := os.ReadFile(pidFile)
		return err == nil && len(strings.TrimSpace(string(b))) > 0
	}))
	pid := readPID(t, pidFile)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("start still in flight after Shutdown returned")
	}

	snap, _ := s.Status("echo")
	assert.Equal(t, registry.Stopped, snap.Status)
	assert.True(t, waitUntil(time.Second, func() bool { return pidGone(pid) }))
	doc := s.Store().Snapshot()
	assert.Equal(t, 0, doc.Supervisor.ActiveCount)
	assert.Equal(t, "stopped", doc.Servers["echo"].Status)
}

func TestPersist_ActiveCountUnderConcurrentStarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")
	var defs []string
	cfg := testConfig()
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("s%d", i)
		defs = append(defs, name)
		cfg.Definitions = append(cfg.Definitions, sleeper(name))
	}
	s := newTestSupervisor(t, cfg, WithStore(openStore(t, path)))
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		for _, name := range defs {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				_, err := s.Start(ctx, name)
				assert.NoError(t, err)
			}(name)
		}
		wg.Wait()
		doc, err := store.Read(path)
		require.NoError(t, err)
		assert.Equal(t, len(defs), doc.Supervisor.ActiveCount, "round %d", round)

		for _, name := range defs {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				assert.NoError(t, s.ForceStop(ctx, name))
			}(name)
		}
		wg.Wait()
		doc, err = store.Read(path)
		require.NoError(t, err)
		assert.Equal(t, 0, doc.Supervisor.ActiveCount, "round %d", round)
	}
}
