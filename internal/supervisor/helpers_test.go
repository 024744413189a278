//go:build !windows

package supervisor

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/env"
	"github.com/loykin/lazyvisor/internal/process"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func shDef(name, script string) process.Definition {
	return process.Definition{Name: name, Executable: "/bin/sh", Args: []string{"-c", script}}
}

func sleeper(name string) process.Definition {
	return shDef(name, "exec sleep 30")
}

// stubborn ignores TERM and INT; only SIGKILL ends it.
func stubborn(name string) process.Definition {
	return shDef(name, `trap "" TERM INT; while :; do sleep 0.05; done`)
}

func testConfig(defs ...process.Definition) Config {
	return Config{
		InactivityTimeout: 5 * time.Second,
		GracePeriod:       500 * time.Millisecond,
		ReapInterval:      time.Hour,
		ReadinessDelay:    100 * time.Millisecond,
		InterruptWait:     200 * time.Millisecond,
		KillWait:          2 * time.Second,
		ShutdownTimeout:   3 * time.Second,
		Definitions:       defs,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) *Supervisor {
	t.Helper()
	opts = append([]Option{WithEnv(env.New(true, nil))}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func pidGone(pid int) bool {
	return syscall.Kill(pid, 0) == syscall.ESRCH
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fn()
}
