// Package registry holds the authoritative in-memory state of every server.
//
// Each name has its own operation lock. Long lifecycle operations hold it for
// their full duration through Exclusive and publish intermediate states with
// Txn.Update, so readers (Get, List) see every transition without ever
// blocking behind a running start or stop.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/process"
)

// ErrInvalidTransition is returned when an update would break the lifecycle
// order stopped -> starting -> running -> stopping -> stopped.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is the mutable record for one server.
type State struct {
	Name         string
	Handle       *process.Handle
	Status       Status
	StartedAt    time.Time
	LastAccessAt time.Time
	AccessCount  int64
	Unkillable   bool
	LastError    string
}

// PID returns the process id, 0 when no process is attached.
func (s State) PID() int {
	if s.Handle == nil {
		return 0
	}
	return s.Handle.PID()
}

// Persister receives every published state while the per-name lock is held.
type Persister interface {
	Persist(State) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(State) error

func (f PersisterFunc) Persist(s State) error { return f(s) }

type entry struct {
	op sync.Mutex // held for the whole lifecycle operation

	mu    sync.RWMutex // guards state
	state State
}

func (e *entry) load() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Registry maps server names to their state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	persist Persister
	log     *slog.Logger
}

// New returns an empty registry. persist may be nil.
func New(persist Persister, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{entries: make(map[string]*entry), persist: persist, log: log}
}

func (r *Registry) entry(name string) *entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[name]; ok {
		return e
	}
	e = &entry{state: State{Name: name, Status: Stopped}}
	r.entries[name] = e
	return e
}

// Get returns the last published state for name.
func (r *Registry) Get(name string) (State, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return State{}, false
	}
	return e.load(), true
}

// List returns every tracked state sorted by name.
func (r *Registry) List() []State {
	r.mu.RLock()
	out := make([]State, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.load())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every tracked name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ListRunning returns the states whose status is Running.
func (r *Registry) ListRunning() []State {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.Status == Running {
			out = append(out, s)
		}
	}
	return out
}

// RunningCount returns the number of Running states.
func (r *Registry) RunningCount() int {
	return len(r.ListRunning())
}

// Txn is the view of one name inside Exclusive.
type Txn struct {
	r   *Registry
	e   *entry
	cur State
}

// State returns the current state within the transaction.
func (t *Txn) State() State { return t.cur }

// Update applies fn to a copy of the state and publishes the result. If fn
// fails or the status change is illegal nothing is published.
func (t *Txn) Update(fn func(*State) error) error {
	next := t.cur
	if err := fn(&next); err != nil {
		return err
	}
	next.Name = t.cur.Name
	if !CanTransition(t.cur.Status, next.Status) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, next.Name, t.cur.Status, next.Status)
	}
	t.r.publish(t.e, t.cur, next)
	t.cur = next
	return nil
}

// Exclusive runs fn holding the lock for name. Operations on other names
// proceed concurrently.
func (r *Registry) Exclusive(name string, fn func(*Txn) error) error {
	e := r.entry(name)
	e.op.Lock()
	defer e.op.Unlock()
	return fn(&Txn{r: r, e: e, cur: e.load()})
}

// Upsert is an atomic read-modify-write of one state.
func (r *Registry) Upsert(name string, fn func(*State) error) (State, error) {
	var out State
	err := r.Exclusive(name, func(tx *Txn) error {
		if err := tx.Update(fn); err != nil {
			return err
		}
		out = tx.State()
		return nil
	})
	return out, err
}

// Seed installs a state without transition checks. It is used when the
// registry is rebuilt from persisted metrics.
func (r *Registry) Seed(s State) {
	e := r.entry(s.Name)
	e.op.Lock()
	defer e.op.Unlock()
	r.publish(e, e.load(), s)
}

func (r *Registry) publish(e *entry, prev, next State) {
	e.mu.Lock()
	e.state = next
	e.mu.Unlock()

	if prev.Status != next.Status {
		from, to := prev.Status.String(), next.Status.String()
		metrics.RecordStateTransition(next.Name, from, to)
		metrics.SetCurrentState(next.Name, from, false)
		metrics.SetCurrentState(next.Name, to, true)
		r.log.Debug("state transition", "server", next.Name, "from", from, "to", to)
	}
	if r.persist == nil {
		return
	}
	if err := r.persist.Persist(next); err != nil {
		r.log.Warn("metrics write failed", "server", next.Name, "error", err)
	}
}
