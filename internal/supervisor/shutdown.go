package supervisor

import (
	"context"
	"sync"

	"github.com/loykin/lazyvisor/internal/history"
	"github.com/loykin/lazyvisor/internal/registry"
	"github.com/loykin/lazyvisor/internal/store"
)

// Shutdown stops the reaper and gracefully stops every running server
// concurrently, bounded by ShutdownTimeout. When the deadline passes the
// remaining stops escalate to SIGKILL. Later starts fail with
// ErrShuttingDown. Shutdown is safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shutting.CompareAndSwap(false, true) {
		return nil
	}
	s.stopReaper()
	s.updateSupervisor(func(r *store.SupervisorRecord) { r.Status = store.SupervisorStopping })

	active := s.active()
	s.log.Info("supervisor shutting down", "running", len(active), "timeout", s.cfg.ShutdownTimeout)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	var wg sync.WaitGroup
	for _, name := range active {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.stop(dctx, name, ModeShutdown); err != nil {
				s.log.Error("shutdown stop failed", "server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	s.evictions.Wait()

	// every name's lock is taken once more, so a start that was already
	// past the shutting check has finished before stragglers are collected
	var stragglers []string
	for _, name := range s.names {
		if err := s.ForceStop(context.Background(), name); err != nil {
			stragglers = append(stragglers, name)
		}
	}
	if len(stragglers) > 0 {
		s.log.Error("servers left running after shutdown", "servers", stragglers)
	}

	s.updateSupervisor(func(r *store.SupervisorRecord) {
		r.Status = store.SupervisorStopped
		r.LastActivity = s.now()
	})
	if err := s.store.Flush(); err != nil {
		s.log.Warn("metrics flush failed", "error", err)
	}
	history.CloseAll(s.sinks)
	s.log.Info("supervisor stopped")
	return nil
}

// active lists names that hold or are acquiring a process.
func (s *Supervisor) active() []string {
	var out []string
	for _, st := range s.reg.List() {
		if st.Status != registry.Stopped {
			out = append(out, st.Name)
		}
	}
	return out
}
