package supervisor

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/loykin/lazyvisor/internal/history"
	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/registry"
	"github.com/loykin/lazyvisor/internal/store"
)

// Stop modes, used as the "mode" label of stops_total.
const (
	ModeGraceful = "graceful"
	ModeForce    = "force"
	ModeEvict    = "evict"
	ModeShutdown = "shutdown"
)

// Start launches name unless it is already running. Concurrent callers
// serialize on the per-name lock; later ones observe the first one's
// process.
func (s *Supervisor) Start(ctx context.Context, name string) (Snapshot, error) {
	def, err := s.definition(name)
	if err != nil {
		return Snapshot{}, err
	}
	if s.shutting.Load() {
		return Snapshot{}, ErrShuttingDown
	}
	var snap Snapshot
	err = s.reg.Exclusive(name, func(tx *registry.Txn) error {
		if err := s.startLocked(ctx, tx, def); err != nil {
			return err
		}
		snap = s.snapshot(def, tx.State(), s.now())
		return nil
	})
	return snap, err
}

func (s *Supervisor) startLocked(ctx context.Context, tx *registry.Txn, def process.Definition) error {
	cur := tx.State()
	switch cur.Status {
	case registry.Running:
		if cur.Handle.Alive() {
			return nil
		}
		s.log.Warn("running server exited unexpectedly, restarting", "server", def.Name, "pid", cur.PID())
		if err := s.resetDead(tx, "process exited unexpectedly"); err != nil {
			return err
		}
	case registry.Stopping:
		if cur.Handle.Alive() {
			return fmt.Errorf("%w: %s still alive (pid %d)", ErrUnkillable, def.Name, cur.PID())
		}
		if err := tx.Update(func(st *registry.State) error {
			st.Status = registry.Stopped
			st.Handle = nil
			st.Unkillable = false
			return nil
		}); err != nil {
			return err
		}
	}

	if s.shutting.Load() {
		return ErrShuttingDown
	}
	begin := time.Now()
	if err := tx.Update(func(st *registry.State) error {
		st.Status = registry.Starting
		st.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	s.log.Info("starting server", "server", def.Name, "command", def.CommandLine())

	h, err := process.Spawn(def, s.env.Merge(def.Env))
	if err == nil {
		err = h.Probe(ctx, s.cfg.ReadinessDelay)
	}
	if err != nil {
		if h != nil {
			_ = h.Signal(syscall.SIGKILL)
			h.WaitExit(context.Background(), s.cfg.KillWait, nil)
		}
		_ = tx.Update(func(st *registry.State) error {
			st.Status = registry.Stopped
			st.Handle = nil
			st.LastError = err.Error()
			return nil
		})
		metrics.IncSpawnFailure(def.Name)
		s.count(def.Name, func(_ *store.ServerRecord, g *store.SupervisorRecord) { g.TotalSpawnFailures++ })
		s.emit(history.EventSpawnFailed, tx.State(), err)
		s.log.Error("server failed to start", "server", def.Name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailed, def.Name, err)
	}

	if s.shutting.Load() {
		// shutdown began during the readiness window
		_ = h.Signal(syscall.SIGKILL)
		h.WaitExit(context.Background(), s.cfg.KillWait, nil)
		_ = tx.Update(func(st *registry.State) error {
			st.Status = registry.Stopped
			st.Handle = nil
			st.LastError = ErrShuttingDown.Error()
			return nil
		})
		s.log.Warn("start abandoned, supervisor is shutting down", "server", def.Name, "pid", h.PID())
		return ErrShuttingDown
	}

	now := s.now()
	if err := tx.Update(func(st *registry.State) error {
		st.Status = registry.Running
		st.Handle = h
		st.StartedAt = now
		st.LastAccessAt = now
		st.Unkillable = false
		return nil
	}); err != nil {
		// unreachable for a starting entry, but never leak the child
		_ = h.Signal(syscall.SIGKILL)
		return err
	}
	metrics.IncStart(def.Name)
	metrics.ObserveStartDuration(def.Name, time.Since(begin).Seconds())
	s.count(def.Name, func(r *store.ServerRecord, g *store.SupervisorRecord) {
		r.Starts++
		g.TotalStarts++
	})
	s.emit(history.EventStart, tx.State(), nil)
	s.log.Info("server running", "server", def.Name, "pid", h.PID())
	return nil
}

// resetDead moves a running entry whose process is gone back to stopped.
func (s *Supervisor) resetDead(tx *registry.Txn, reason string) error {
	cur := tx.State()
	var cause error
	if cur.Handle != nil {
		cause = cur.Handle.ExitErr()
	}
	for _, to := range []registry.Status{registry.Stopping, registry.Stopped} {
		if err := tx.Update(func(st *registry.State) error {
			st.Status = to
			if to == registry.Stopped {
				st.Handle = nil
				st.LastError = reason
			}
			return nil
		}); err != nil {
			return err
		}
	}
	s.emit(history.EventExited, tx.State(), cause)
	return nil
}

// Stop terminates name gracefully: SIGTERM, then SIGINT, then SIGKILL, each
// bounded. A stopped server is a no-op. Cancelling ctx skips straight to
// SIGKILL.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	return s.stop(ctx, name, ModeGraceful)
}

// ForceStop sends SIGKILL without a grace window. It also clears entries left
// stopping by an earlier unkillable stop once their process is gone.
func (s *Supervisor) ForceStop(ctx context.Context, name string) error {
	return s.stop(ctx, name, ModeForce)
}

func (s *Supervisor) stop(ctx context.Context, name, mode string) error {
	def, err := s.definition(name)
	if err != nil {
		return err
	}
	return s.reg.Exclusive(name, func(tx *registry.Txn) error {
		return s.stopLocked(ctx, tx, def, mode)
	})
}

func (s *Supervisor) stopLocked(ctx context.Context, tx *registry.Txn, def process.Definition, mode string) error {
	cur := tx.State()
	if cur.Status == registry.Stopped || cur.Status == registry.Starting {
		return nil
	}
	if cur.Status == registry.Running {
		if err := tx.Update(func(st *registry.State) error {
			st.Status = registry.Stopping
			return nil
		}); err != nil {
			return err
		}
	}
	h := cur.Handle
	log := s.log.With("server", def.Name, "pid", cur.PID(), "mode", mode)
	log.Info("stopping server")

	exited := !h.Alive()
	if !exited && mode != ModeForce {
		exited = s.terminate(ctx, h, def)
	}
	if !exited {
		if err := h.Signal(s.killSig); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn("kill signal failed", "error", err)
		}
		exited = h.WaitExit(context.Background(), s.cfg.KillWait, nil)
	}
	if !exited {
		err := fmt.Errorf("%w: %s (pid %d) survived SIGKILL", ErrUnkillable, def.Name, cur.PID())
		_ = tx.Update(func(st *registry.State) error {
			st.Unkillable = true
			st.LastError = err.Error()
			return nil
		})
		s.emit(history.EventUnkillable, tx.State(), err)
		log.Error("server is unkillable", "error", err)
		return err
	}

	if err := tx.Update(func(st *registry.State) error {
		st.Status = registry.Stopped
		st.Handle = nil
		st.Unkillable = false
		st.LastError = ""
		return nil
	}); err != nil {
		return err
	}
	metrics.IncStop(def.Name, mode)
	s.count(def.Name, func(r *store.ServerRecord, g *store.SupervisorRecord) {
		r.Stops++
		g.TotalStops++
		if mode == ModeEvict {
			g.TotalEvictions++
		}
	})
	s.emit(stopEvent(mode), tx.State(), nil)
	log.Info("server stopped")
	return nil
}

// terminate runs the graceful phases and reports whether the process exited.
func (s *Supervisor) terminate(ctx context.Context, h *process.Handle, def process.Definition) bool {
	phases := []struct {
		sig  syscall.Signal
		wait time.Duration
	}{
		{syscall.SIGTERM, s.gracePeriod(def)},
		{syscall.SIGINT, s.cfg.InterruptWait},
	}
	for _, p := range phases {
		if ctx.Err() != nil {
			return false
		}
		if err := h.Signal(p.sig); err != nil {
			s.log.Warn("signal failed", "server", def.Name, "signal", p.sig.String(), "error", err)
		}
		sig := p.sig.String()
		if h.WaitExit(ctx, p.wait, func(elapsed time.Duration) {
			s.log.Info("waiting for server to exit", "server", def.Name, "signal", sig,
				"elapsed", elapsed.Round(time.Second), "timeout", p.wait)
		}) {
			return true
		}
		s.log.Warn("server still alive, escalating", "server", def.Name, "signal", sig)
	}
	return false
}

func stopEvent(mode string) history.EventType {
	switch mode {
	case ModeForce:
		return history.EventForceStop
	case ModeEvict:
		return history.EventEvict
	default:
		return history.EventStop
	}
}
