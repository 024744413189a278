package supervisor

import (
	"context"
	"time"

	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/registry"
)

// Snapshot is a read-only view of one server. Durations are zero when the
// server is not running.
type Snapshot struct {
	Name         string          `json:"name"`
	Status       registry.Status `json:"status"`
	PID          int             `json:"pid,omitempty"`
	Alive        bool            `json:"alive"`
	Command      string          `json:"command"`
	StartedAt    time.Time       `json:"started_at"`
	LastAccessAt time.Time       `json:"last_access_at"`
	AccessCount  int64           `json:"access_count"`
	Uptime       time.Duration   `json:"uptime"`
	Idle         time.Duration   `json:"idle"`
	IdleTimeout  time.Duration   `json:"idle_timeout"`
	EvictsIn     time.Duration   `json:"evicts_in"`
	Unkillable   bool            `json:"unkillable,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

func (s *Supervisor) snapshot(def process.Definition, st registry.State, now time.Time) Snapshot {
	timeout := s.idleTimeout(def)
	snap := Snapshot{
		Name:         def.Name,
		Status:       st.Status,
		PID:          st.PID(),
		Alive:        st.Handle.Alive(),
		Command:      def.CommandLine(),
		StartedAt:    st.StartedAt,
		LastAccessAt: st.LastAccessAt,
		AccessCount:  st.AccessCount,
		IdleTimeout:  timeout,
		Unkillable:   st.Unkillable,
		LastError:    st.LastError,
	}
	if st.Status == registry.Running {
		snap.Uptime = nonNegative(now.Sub(st.StartedAt))
		snap.Idle = nonNegative(now.Sub(st.LastAccessAt))
		snap.EvictsIn = nonNegative(timeout - snap.Idle)
	}
	return snap
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// FastStart starts name if needed and records an access in the same
// critical section.
func (s *Supervisor) FastStart(ctx context.Context, name string) (Snapshot, error) {
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
		if err := s.access(tx); err != nil {
			return err
		}
		snap = s.snapshot(def, tx.State(), s.now())
		return nil
	})
	return snap, err
}

// Touch records an access for a running server. It never starts one.
func (s *Supervisor) Touch(name string) (Snapshot, error) {
	def, err := s.definition(name)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err = s.reg.Exclusive(name, func(tx *registry.Txn) error {
		if tx.State().Status != registry.Running {
			return ErrNotRunning
		}
		if err := s.access(tx); err != nil {
			return err
		}
		snap = s.snapshot(def, tx.State(), s.now())
		return nil
	})
	return snap, err
}

func (s *Supervisor) access(tx *registry.Txn) error {
	now := s.now()
	err := tx.Update(func(st *registry.State) error {
		if now.After(st.LastAccessAt) {
			st.LastAccessAt = now
		}
		st.AccessCount++
		return nil
	})
	if err == nil {
		metrics.IncAccess(tx.State().Name)
	}
	return err
}

// Status returns the snapshot for name. Configured servers that were never
// started report stopped.
func (s *Supervisor) Status(name string) (Snapshot, error) {
	def, err := s.definition(name)
	if err != nil {
		return Snapshot{}, err
	}
	st, ok := s.reg.Get(name)
	if !ok {
		st = registry.State{Name: name, Status: registry.Stopped}
	}
	return s.snapshot(def, st, s.now()), nil
}

// List returns a snapshot of every configured server, sorted by name.
func (s *Supervisor) List() []Snapshot {
	out := make([]Snapshot, 0, len(s.names))
	for _, n := range s.names {
		snap, _ := s.Status(n)
		out = append(out, snap)
	}
	return out
}

// StopManual is the operator-initiated graceful stop.
func (s *Supervisor) StopManual(ctx context.Context, name string) error {
	return s.Stop(ctx, name)
}

// Definitions returns copies of the configured definitions, sorted by name.
func (s *Supervisor) Definitions() []process.Definition {
	out := make([]process.Definition, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.defs[n].Clone())
	}
	return out
}
