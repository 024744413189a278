// Package supervisor starts servers on demand, retires idle ones and keeps
// the metrics file in step with every state change.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/lazyvisor/internal/env"
	"github.com/loykin/lazyvisor/internal/history"
	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/registry"
	"github.com/loykin/lazyvisor/internal/store"
)

// Config holds the timing knobs and the managed definitions. Zero durations
// take the defaults below.
type Config struct {
	InactivityTimeout time.Duration
	GracePeriod       time.Duration
	ReapInterval      time.Duration
	ReadinessDelay    time.Duration
	InterruptWait     time.Duration
	KillWait          time.Duration
	ShutdownTimeout   time.Duration

	Definitions []process.Definition
}

func (c *Config) applyDefaults() {
	set := func(d *time.Duration, def time.Duration) {
		if *d <= 0 {
			*d = def
		}
	}
	set(&c.InactivityTimeout, 5*time.Minute)
	set(&c.GracePeriod, 10*time.Second)
	set(&c.ReapInterval, 30*time.Second)
	set(&c.InterruptWait, 2*time.Second)
	set(&c.KillWait, 2*time.Second)
	set(&c.ShutdownTimeout, 30*time.Second)
	if c.ReadinessDelay < 0 {
		c.ReadinessDelay = 0
	}
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithClock replaces time.Now for idle and timestamp computations.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithStore sets the metrics store. Without it metrics are kept in memory.
func WithStore(st *store.Store) Option {
	return func(s *Supervisor) { s.store = st }
}

// WithSinks sets the history sinks that receive lifecycle events.
func WithSinks(sinks ...history.Sink) Option {
	return func(s *Supervisor) { s.sinks = append(s.sinks, sinks...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithEnv sets the environment layers merged into every server.
func WithEnv(e *env.Env) Option {
	return func(s *Supervisor) { s.env = e }
}

// WithDetached spawns servers in their own session so they outlive this
// process. One-shot CLI commands use it.
func WithDetached() Option {
	return func(s *Supervisor) { s.detached = true }
}

// Supervisor owns the registry and drives every lifecycle operation.
type Supervisor struct {
	cfg   Config
	defs  map[string]process.Definition
	names []string

	reg   *registry.Registry
	store *store.Store
	sinks []history.Sink
	env   *env.Env
	log   *slog.Logger
	now   func() time.Time

	detached bool
	shutting atomic.Bool
	killSig  syscall.Signal

	reapMu     sync.Mutex
	evicting   map[string]struct{}
	evictions  sync.WaitGroup
	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// New builds a supervisor and reconciles the registry with the metrics
// store: live processes recorded by a previous run are adopted, stale
// records are rewritten as stopped.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		defs:     make(map[string]process.Definition, len(cfg.Definitions)),
		log:      slog.Default(),
		now:      time.Now,
		evicting: map[string]struct{}{},
		killSig:  syscall.SIGKILL,
	}
	for _, o := range opts {
		o(s)
	}
	for _, d := range cfg.Definitions {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate server %q", d.Name)
		}
		d = d.Clone()
		if s.detached {
			d.Detached = true
		}
		s.defs[d.Name] = d
		s.names = append(s.names, d.Name)
	}
	sort.Strings(s.names)
	if s.env == nil {
		s.env = env.New(true, nil)
	}
	if s.store == nil {
		st, err := store.Open("", s.log)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	s.reg = registry.New(registry.PersisterFunc(s.persist), s.log)
	s.reconcile()
	return s, nil
}

// Run marks the supervisor running, starts the reaper and blocks until ctx
// is done. It then shuts down, stopping every running server.
func (s *Supervisor) Run(ctx context.Context) error {
	now := s.now()
	s.updateSupervisor(func(r *store.SupervisorRecord) {
		r.Status = store.SupervisorRunning
		r.StartTime = now
		r.LastActivity = now
		r.PID = os.Getpid()
	})
	s.log.Info("supervisor running", "servers", len(s.names), "reap_interval", s.cfg.ReapInterval)
	s.StartReaper(ctx)
	<-ctx.Done()
	return s.Shutdown(context.WithoutCancel(ctx))
}

// Store returns the metrics store.
func (s *Supervisor) Store() *store.Store { return s.store }

func (s *Supervisor) definition(name string) (process.Definition, error) {
	d, ok := s.defs[name]
	if !ok {
		return process.Definition{}, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return d, nil
}

func (s *Supervisor) idleTimeout(d process.Definition) time.Duration {
	if d.InactivityTimeout > 0 {
		return d.InactivityTimeout
	}
	return s.cfg.InactivityTimeout
}

func (s *Supervisor) gracePeriod(d process.Definition) time.Duration {
	if d.GracePeriod > 0 {
		return d.GracePeriod
	}
	return s.cfg.GracePeriod
}

// persist mirrors a published state into the metrics file. It runs under
// the per-name lock, so writes for one name are ordered. The active count is
// derived from the document inside the same write, so concurrent persists
// for different names never leave a stale count behind.
func (s *Supervisor) persist(st registry.State) error {
	now := s.now()
	var active int
	err := s.store.Update(func(d *store.Document) {
		rec := d.Servers[st.Name]
		rec.Status = st.Status.String()
		rec.LastStart = st.StartedAt
		rec.LastAccess = st.LastAccessAt
		rec.AccessCount = st.AccessCount
		rec.PID = st.PID()
		rec.ProcessStartUnix = 0
		if st.Handle != nil {
			rec.ProcessStartUnix = st.Handle.StartUnix()
		}
		rec.Unkillable = st.Unkillable
		rec.LastError = st.LastError
		d.Servers[st.Name] = rec
		active = s.runningIn(d)
		d.Supervisor.ActiveCount = active
		d.Supervisor.LastActivity = now
	})
	metrics.SetActive(active)
	return err
}

// runningIn counts configured servers recorded as running.
func (s *Supervisor) runningIn(d *store.Document) int {
	n := 0
	for name, rec := range d.Servers {
		if _, ok := s.defs[name]; ok && rec.Status == registry.Running.String() {
			n++
		}
	}
	return n
}

// count bumps the persisted counters for name and the supervisor totals.
func (s *Supervisor) count(name string, fn func(*store.ServerRecord, *store.SupervisorRecord)) {
	err := s.store.Update(func(d *store.Document) {
		rec := d.Servers[name]
		fn(&rec, &d.Supervisor)
		d.Servers[name] = rec
	})
	if err != nil {
		s.log.Warn("metrics write failed", "server", name, "error", err)
	}
}

func (s *Supervisor) updateSupervisor(fn func(*store.SupervisorRecord)) {
	if err := s.store.UpdateSupervisor(fn); err != nil {
		s.log.Warn("metrics write failed", "error", err)
	}
}

func (s *Supervisor) emit(t history.EventType, st registry.State, cause error) {
	if len(s.sinks) == 0 {
		return
	}
	e := history.NewEvent(t, st.Name)
	e.PID = st.PID()
	e.Status = st.Status.String()
	e.StartedAt = st.StartedAt
	e.AccessCount = st.AccessCount
	if cause != nil {
		e.Error = cause.Error()
	}
	_ = history.Emit(context.Background(), s.log, s.sinks, e)
}

// Close releases the history sinks and flushes the store without stopping
// any server. One-shot callers use it in place of Shutdown.
func (s *Supervisor) Close() error {
	s.stopReaper()
	s.evictions.Wait()
	history.CloseAll(s.sinks)
	return s.store.Flush()
}
