package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrNotAlive is returned when a process is gone or was never started.
	ErrNotAlive = errors.New("process not alive")
	// ErrPIDReused is returned by Adopt when the pid now belongs to another process.
	ErrPIDReused = errors.New("pid belongs to a different process")
)

const (
	adoptedPollInterval = 50 * time.Millisecond
	spawnedPollInterval = 250 * time.Millisecond
	progressInterval    = time.Second
	// bounds cmd.Wait when grandchildren keep the output pipes open
	pipeWaitDelay = time.Second
)

// Handle is a running OS process with its process group. Handles come from
// Spawn (owned child) or Adopt (pid recorded by a previous supervisor).
type Handle struct {
	name      string
	pid       int
	startedAt time.Time
	startUnix int64

	cmd  *exec.Cmd
	done chan struct{} // closed once cmd.Wait returns; nil when adopted

	mu      sync.Mutex
	exitErr error
	closers []io.Closer
}

// Spawn starts def with env. Exactly one goroutine owns cmd.Wait and closes
// Done when the process has been reaped.
func Spawn(def Definition, env []string) (*Handle, error) {
	if def.Executable == "" {
		return nil, fmt.Errorf("server %q: empty executable", def.Name)
	}
	// #nosec G204 -- executable and args come from the operator's config
	cmd := exec.Command(def.Executable, def.Args...)
	cmd.Dir = def.WorkDir
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd, def.Detached)
	cmd.WaitDelay = pipeWaitDelay

	closers, err := attachOutput(cmd, def)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		closeAll(closers)
		return nil, err
	}
	h := &Handle{
		name:      def.Name,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
		closers:   closers,
	}
	h.startUnix = procStartUnix(h.pid)
	go h.reap()
	return h, nil
}

// Adopt wraps a process that was spawned by an earlier supervisor run. When
// startUnix is non-zero it must match the OS start time of pid.
func Adopt(name string, pid int, startUnix int64) (*Handle, error) {
	if pid <= 0 || !pidAlive(pid) {
		return nil, ErrNotAlive
	}
	actual := procStartUnix(pid)
	if !sameStart(startUnix, actual) {
		return nil, fmt.Errorf("%w: pid %d started at %d, expected %d", ErrPIDReused, pid, actual, startUnix)
	}
	h := &Handle{name: name, pid: pid, startUnix: actual}
	if actual > 0 {
		h.startedAt = time.Unix(actual, 0)
	}
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()
	closeAll(closers)
	close(h.done)
}

// PID returns the process id.
func (h *Handle) PID() int { return h.pid }

// Name returns the server name the handle was created for.
func (h *Handle) Name() string { return h.name }

// StartedAt is the local time the process was spawned or, for adopted
// handles, its OS start time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// StartUnix is the OS-reported start time in unix seconds, 0 if unknown.
func (h *Handle) StartUnix() int64 { return h.startUnix }

// Adopted reports whether the process is not a child of this supervisor.
func (h *Handle) Adopted() bool { return h.cmd == nil }

// Done is closed when an owned process exits. It is nil for adopted handles.
func (h *Handle) Done() <-chan struct{} {
	if h.done == nil {
		return nil
	}
	return h.done
}

// ExitErr returns the error from cmd.Wait once the process exited.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Alive reports whether the process is still running. Zombies count as dead.
func (h *Handle) Alive() bool {
	if h == nil || h.pid <= 0 {
		return false
	}
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
		}
	}
	if !pidAlive(h.pid) {
		return false
	}
	if h.Adopted() && h.startUnix > 0 {
		return sameStart(h.startUnix, procStartUnix(h.pid))
	}
	return true
}

// Signal delivers sig to the process group, falling back to the pid alone.
// Signalling a process that is already gone is not an error.
func (h *Handle) Signal(sig syscall.Signal) error {
	if !h.Alive() {
		return nil
	}
	return signalGroup(h.pid, sig)
}

// WaitExit blocks until the process exits, timeout elapses or ctx is done.
// onProgress, if set, is called about once per second with the time waited.
// It reports whether the process has exited.
func (h *Handle) WaitExit(ctx context.Context, timeout time.Duration, onProgress func(time.Duration)) bool {
	if !h.Alive() {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return !h.Alive()
	}
	pollEvery := spawnedPollInterval
	if h.Adopted() {
		pollEvery = adoptedPollInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	start := time.Now()
	done := h.Done()
	for {
		select {
		case <-done:
			return true
		case <-poll.C:
			if !h.Alive() {
				return true
			}
		case t := <-progress.C:
			if onProgress != nil {
				onProgress(t.Sub(start))
			}
		case <-deadline.C:
			return !h.Alive()
		case <-ctx.Done():
			return !h.Alive()
		}
	}
}

// Probe is the readiness check: the process must survive delay and still be
// alive afterwards.
func (h *Handle) Probe(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-h.Done():
			return h.exitedEarly()
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if !h.Alive() {
		return h.exitedEarly()
	}
	return nil
}

func (h *Handle) exitedEarly() error {
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("%w: exited during readiness window: %v", ErrNotAlive, err)
	}
	return fmt.Errorf("%w: exited during readiness window", ErrNotAlive)
}

func attachOutput(cmd *exec.Cmd, def Definition) ([]io.Closer, error) {
	if !def.Log.Enabled() {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}
		cmd.Stdout, cmd.Stderr = null, null
		return []io.Closer{null}, nil
	}
	if def.Detached {
		// plain files so the child keeps working after this process exits
		return attachFiles(cmd, def)
	}
	outW, errW, err := def.Log.ProcessWriters(def.Name)
	if err != nil {
		return nil, err
	}
	var closers []io.Closer
	cmd.Stdout, cmd.Stderr = io.Discard, io.Discard
	if outW != nil {
		cmd.Stdout = outW
		closers = append(closers, outW)
	}
	if errW != nil {
		cmd.Stderr = errW
		closers = append(closers, errW)
	}
	return closers, nil
}

func attachFiles(cmd *exec.Cmd, def Definition) ([]io.Closer, error) {
	outPath, errPath, err := def.Log.ProcessPaths(def.Name)
	if err != nil {
		return nil, err
	}
	var closers []io.Closer
	for _, p := range []struct {
		path string
		dst  *io.Writer
	}{{outPath, &cmd.Stdout}, {errPath, &cmd.Stderr}} {
		name, flag := p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND
		if name == "" {
			name, flag = os.DevNull, os.O_RDWR
		}
		f, err := os.OpenFile(name, flag, 0o640)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		closers = append(closers, f)
		*p.dst = f
	}
	return closers, nil
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

func sameStart(expected, actual int64) bool {
	if expected == 0 || actual == 0 {
		return true
	}
	d := expected - actual
	return d >= -1 && d <= 1
}
