//go:build !windows

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lazyvisor/internal/logger"
)

func shDef(name, script string) Definition {
	return Definition{Name: name, Executable: "/bin/sh", Args: []string{"-c", script}}
}

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func TestSpawn_AliveThenExit(t *testing.T) {
	h, err := Spawn(shDef("short", "sleep 0.2"), nil)
	require.NoError(t, err)
	assert.True(t, h.Alive())
	assert.Greater(t, h.PID(), 0)
	assert.False(t, h.Adopted())

	select {
	case <-h.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, h.Alive())
	assert.NoError(t, h.ExitErr())
}

func TestSpawn_MissingExecutable(t *testing.T) {
	_, err := Spawn(Definition{Name: "nope", Executable: "/definitely/not/here"}, nil)
	assert.Error(t, err)

	_, err = Spawn(Definition{Name: "empty"}, nil)
	assert.Error(t, err)
}

func TestSpawn_UsesProcessGroup(t *testing.T) {
	h, err := Spawn(shDef("pg", "sleep 5"), nil)
	require.NoError(t, err)
	defer func() { _ = h.Signal(syscall.SIGKILL) }()

	pgid, err := syscall.Getpgid(h.PID())
	require.NoError(t, err)
	assert.Equal(t, h.PID(), pgid)
}

func TestSpawn_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	def := shDef("envcheck", `echo "$GREETING" > out.txt; pwd >> out.txt`)
	def.WorkDir = dir
	h, err := Spawn(def, []string{"GREETING=hello", "PATH=/usr/bin:/bin"})
	require.NoError(t, err)
	<-h.Done()

	b, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello", lines[0])
	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, []string{dir, resolved}, lines[1])
}

func TestSpawn_CapturesOutput(t *testing.T) {
	for _, detached := range []bool{false, true} {
		dir := t.TempDir()
		def := shDef("talker", "echo to-out; echo to-err 1>&2")
		def.Log = logger.FileConfig{Dir: dir}
		def.Detached = detached
		h, err := Spawn(def, nil)
		require.NoError(t, err)
		<-h.Done()

		out, err := os.ReadFile(filepath.Join(dir, "talker.stdout.log"))
		require.NoError(t, err)
		assert.Contains(t, string(out), "to-out")
		errOut, err := os.ReadFile(filepath.Join(dir, "talker.stderr.log"))
		require.NoError(t, err)
		assert.Contains(t, string(errOut), "to-err")
	}
}

func TestWaitExit_ReactsToExit(t *testing.T) {
	h, err := Spawn(shDef("term", "sleep 30"), nil)
	require.NoError(t, err)

	require.NoError(t, h.Signal(syscall.SIGTERM))
	start := time.Now()
	assert.True(t, h.WaitExit(context.Background(), 5*time.Second, nil))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitExit_TimeoutAndProgress(t *testing.T) {
	h, err := Spawn(shDef("stubborn", `trap "" TERM; while true; do sleep 0.1; done`), nil)
	require.NoError(t, err)
	defer func() { _ = h.Signal(syscall.SIGKILL); <-h.Done() }()

	require.True(t, waitUntil(time.Second, 10*time.Millisecond, h.Alive))
	time.Sleep(100 * time.Millisecond) // let the trap install
	require.NoError(t, h.Signal(syscall.SIGTERM))

	var ticks int
	exited := h.WaitExit(context.Background(), 1500*time.Millisecond, func(time.Duration) { ticks++ })
	assert.False(t, exited)
	assert.GreaterOrEqual(t, ticks, 1)
	assert.True(t, h.Alive())
}

func TestWaitExit_ContextCancel(t *testing.T) {
	h, err := Spawn(shDef("ctx", "sleep 30"), nil)
	require.NoError(t, err)
	defer func() { _ = h.Signal(syscall.SIGKILL); <-h.Done() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.False(t, h.WaitExit(ctx, 10*time.Second, nil))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSignal_KillsGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	h, err := Spawn(shDef("tree", `sleep 30 & echo $! > `+pidFile+`; wait`), nil)
	require.NoError(t, err)

	var childPID int
	require.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		childPID, err = strconv.Atoi(strings.TrimSpace(string(b)))
		return err == nil && childPID > 0
	}))

	require.NoError(t, h.Signal(syscall.SIGKILL))
	assert.True(t, h.WaitExit(context.Background(), 3*time.Second, nil))
	assert.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool { return !pidAlive(childPID) }))
}

func TestSignal_AfterExitIsNoop(t *testing.T) {
	h, err := Spawn(shDef("gone", "exit 0"), nil)
	require.NoError(t, err)
	<-h.Done()
	assert.NoError(t, h.Signal(syscall.SIGTERM))
}

func TestProbe(t *testing.T) {
	h, err := Spawn(shDef("ready", "sleep 5"), nil)
	require.NoError(t, err)
	defer func() { _ = h.Signal(syscall.SIGKILL); <-h.Done() }()
	assert.NoError(t, h.Probe(context.Background(), 100*time.Millisecond))

	bad, err := Spawn(shDef("crash", "exit 3"), nil)
	require.NoError(t, err)
	err = bad.Probe(context.Background(), 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAlive))
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestAdopt(t *testing.T) {
	h, err := Spawn(shDef("adoptee", "sleep 30"), nil)
	require.NoError(t, err)
	defer func() { _ = h.Signal(syscall.SIGKILL); <-h.Done() }()

	a, err := Adopt("adoptee", h.PID(), h.StartUnix())
	require.NoError(t, err)
	assert.True(t, a.Adopted())
	assert.Nil(t, a.Done())
	assert.True(t, a.Alive())

	_, err = Adopt("adoptee", h.PID(), h.StartUnix()+3600)
	assert.ErrorIs(t, err, ErrPIDReused)

	require.NoError(t, a.Signal(syscall.SIGTERM))
	assert.True(t, a.WaitExit(context.Background(), 3*time.Second, nil))
	assert.False(t, a.Alive())

	_, err = Adopt("adoptee", h.PID(), 0)
	assert.ErrorIs(t, err, ErrNotAlive)
	_, err = Adopt("x", 0, 0)
	assert.ErrorIs(t, err, ErrNotAlive)
}

func TestProcStartUnix(t *testing.T) {
	now := time.Now().Unix()
	got := procStartUnix(os.Getpid())
	require.Greater(t, got, int64(0))
	assert.LessOrEqual(t, got, now+1)
	assert.Equal(t, int64(0), procStartUnix(-1))
}
