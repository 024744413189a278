package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/loykin/lazyvisor"
	"github.com/loykin/lazyvisor/internal/config"
	"github.com/loykin/lazyvisor/internal/logger"
	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/store"
	"github.com/loykin/lazyvisor/internal/supervisor"
	"github.com/loykin/lazyvisor/pkg/client"
)

const (
	defaultConfigFile = "lazyvisor.toml"
	reachTimeout      = 2 * time.Second
	lockWait          = 30 * time.Second
)

var (
	errReadOnly      = errors.New("operation needs the daemon or an in-process supervisor")
	errDaemonRunning = errors.New("a lazyvisor daemon owns this metrics file")
)

// backend is what one-shot commands run against: the daemon's API when it is
// reachable, an in-process supervisor otherwise.
type backend interface {
	Start(ctx context.Context, name string) (client.ServerStatus, error)
	FastStart(ctx context.Context, name string) (client.ServerStatus, error)
	Touch(ctx context.Context, name string) (client.ServerStatus, error)
	Stop(ctx context.Context, name string) (client.ServerStatus, error)
	ForceStop(ctx context.Context, name string) (client.ServerStatus, error)
	Status(ctx context.Context, name string) (client.ServerStatus, error)
	List(ctx context.Context) ([]client.ServerStatus, error)
	Close() error
}

func cliLogger() *slog.Logger {
	return logger.New(logger.Config{Level: "warn"}, os.Stderr)
}

func (g *GlobalFlags) configPath() string {
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	if p := os.Getenv("LAZYVISOR_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// loadConfig returns nil without error when no config file is known.
func (g *GlobalFlags) loadConfig(log *slog.Logger) (*config.Config, error) {
	p := g.configPath()
	if p == "" {
		return nil, nil
	}
	return config.Load(p, log)
}

func (g *GlobalFlags) apiURL(cfg *config.Config) string {
	if g.APIUrl != "" {
		return g.APIUrl
	}
	if cfg == nil || cfg.Server.Listen == "" {
		return client.DefaultBaseURL
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.TLS.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, port), cfg.Server.BasePath)
}

// backend picks the daemon when reachable. Without one, mutating commands
// run an in-process supervisor and read-only ones read the metrics file.
func (g *GlobalFlags) backend(ctx context.Context, mutating bool) (backend, error) {
	log := cliLogger()
	cfg, cfgErr := g.loadConfig(log)
	if !g.Local {
		c, err := client.New(client.Config{
			BaseURL:  g.apiURL(cfg),
			Timeout:  g.APITimeout,
			Insecure: g.Insecure,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, reachTimeout)
		reachable := c.IsReachable(pctx)
		cancel()
		if reachable {
			return remoteBackend{c: c}, nil
		}
		if g.APIUrl != "" {
			return nil, fmt.Errorf("daemon at %s is not reachable", g.APIUrl)
		}
	}
	if cfgErr != nil {
		return nil, cfgErr
	}
	if cfg == nil {
		return nil, errors.New("no daemon reachable and no config file: pass --config")
	}
	if !mutating {
		return newReadOnlyBackend(cfg)
	}
	return newLocalBackend(ctx, cfg, log)
}

type remoteBackend struct{ c *client.Client }

func (r remoteBackend) Start(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.Start(ctx, n)
}

func (r remoteBackend) FastStart(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.FastStart(ctx, n)
}

func (r remoteBackend) Touch(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.Touch(ctx, n)
}

func (r remoteBackend) Stop(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.Stop(ctx, n)
}

func (r remoteBackend) ForceStop(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.ForceStop(ctx, n)
}

func (r remoteBackend) Status(ctx context.Context, n string) (client.ServerStatus, error) {
	return r.c.Status(ctx, n)
}

func (r remoteBackend) List(ctx context.Context) ([]client.ServerStatus, error) {
	return r.c.List(ctx)
}

func (r remoteBackend) Close() error { return nil }

// localBackend runs the supervisor in this process. Servers are spawned
// detached and keep running after the command exits; the daemon adopts
// them on its next start. The metrics file lock is held for the backend's
// lifetime so concurrent one-shot commands never track the same name twice.
type localBackend struct {
	sup  *supervisor.Supervisor
	lock *store.Lock
}

func newLocalBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (*localBackend, error) {
	var lock *store.Lock
	if cfg.MetricsFile != "" {
		if pid := daemonPID(cfg.MetricsFile); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d): use its API or stop it first", errDaemonRunning, pid)
		}
		lctx, cancel := context.WithTimeout(ctx, lockWait)
		l, err := store.AcquireLock(lctx, cfg.MetricsFile)
		cancel()
		if err != nil {
			return nil, err
		}
		lock = l
	}
	sup, err := lazyvisor.NewFromConfig(cfg, log, lazyvisor.WithDetached())
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	return &localBackend{sup: sup, lock: lock}, nil
}

// daemonPID returns the pid of a live daemon recorded in the metrics file,
// or 0.
func daemonPID(metricsFile string) int {
	doc, err := store.Read(metricsFile)
	if err != nil {
		return 0
	}
	rec := doc.Supervisor
	if rec.PID <= 0 || rec.PID == os.Getpid() {
		return 0
	}
	if rec.Status != store.SupervisorRunning && rec.Status != store.SupervisorStopping {
		return 0
	}
	if _, err := process.Adopt("lazyvisor", rec.PID, 0); err != nil {
		return 0
	}
	return rec.PID
}

func (l *localBackend) Start(ctx context.Context, n string) (client.ServerStatus, error) {
	snap, err := l.sup.Start(ctx, n)
	return toStatus(snap), err
}

func (l *localBackend) FastStart(ctx context.Context, n string) (client.ServerStatus, error) {
	snap, err := l.sup.FastStart(ctx, n)
	return toStatus(snap), err
}

func (l *localBackend) Touch(_ context.Context, n string) (client.ServerStatus, error) {
	snap, err := l.sup.Touch(n)
	return toStatus(snap), err
}

func (l *localBackend) Stop(ctx context.Context, n string) (client.ServerStatus, error) {
	if err := l.sup.StopManual(ctx, n); err != nil {
		return client.ServerStatus{}, err
	}
	return l.Status(ctx, n)
}

func (l *localBackend) ForceStop(ctx context.Context, n string) (client.ServerStatus, error) {
	if err := l.sup.ForceStop(ctx, n); err != nil {
		return client.ServerStatus{}, err
	}
	return l.Status(ctx, n)
}

func (l *localBackend) Status(_ context.Context, n string) (client.ServerStatus, error) {
	snap, err := l.sup.Status(n)
	return toStatus(snap), err
}

func (l *localBackend) List(context.Context) ([]client.ServerStatus, error) {
	snaps := l.sup.List()
	out := make([]client.ServerStatus, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toStatus(s))
	}
	return out, nil
}

func (l *localBackend) Close() error {
	err := l.sup.Close()
	if lerr := l.lock.Release(); err == nil {
		err = lerr
	}
	return err
}

func toStatus(s supervisor.Snapshot) client.ServerStatus {
	return client.ServerStatus{
		Name:         s.Name,
		Status:       s.Status.String(),
		PID:          s.PID,
		Alive:        s.Alive,
		Command:      s.Command,
		StartedAt:    s.StartedAt,
		LastAccessAt: s.LastAccessAt,
		AccessCount:  s.AccessCount,
		Uptime:       s.Uptime,
		Idle:         s.Idle,
		IdleTimeout:  s.IdleTimeout,
		EvictsIn:     s.EvictsIn,
		Unkillable:   s.Unkillable,
		LastError:    s.LastError,
	}
}

// readOnlyBackend answers status and list from the metrics file without
// touching it.
type readOnlyBackend struct {
	cfg *config.Config
	doc store.Document
	now func() time.Time
}

func newReadOnlyBackend(cfg *config.Config) (*readOnlyBackend, error) {
	doc := store.NewDocument()
	if cfg.MetricsFile != "" {
		d, err := store.Read(cfg.MetricsFile)
		switch {
		case err == nil:
			doc = d
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	return &readOnlyBackend{cfg: cfg, doc: doc, now: time.Now}, nil
}

func (r *readOnlyBackend) Status(_ context.Context, name string) (client.ServerStatus, error) {
	def, ok := r.cfg.Definition(name)
	if !ok {
		return client.ServerStatus{}, fmt.Errorf("%w: %q", supervisor.ErrUnknownServer, name)
	}
	return r.status(def), nil
}

func (r *readOnlyBackend) status(def process.Definition) client.ServerStatus {
	timeout := def.InactivityTimeout
	if timeout <= 0 {
		timeout = r.cfg.InactivityTimeout
	}
	rec, ok := r.doc.Servers[def.Name]
	st := client.ServerStatus{
		Name:        def.Name,
		Status:      "stopped",
		Command:     def.CommandLine(),
		IdleTimeout: timeout,
	}
	if !ok {
		return st
	}
	st.Status = rec.Status
	st.StartedAt = rec.LastStart
	st.LastAccessAt = rec.LastAccess
	st.AccessCount = rec.AccessCount
	st.Unkillable = rec.Unkillable
	st.LastError = rec.LastError
	if rec.PID > 0 {
		st.PID = rec.PID
		_, err := process.Adopt(def.Name, rec.PID, rec.ProcessStartUnix)
		st.Alive = err == nil
	}
	if st.Status == "running" && st.Alive {
		now := r.now()
		st.Uptime = max(now.Sub(rec.LastStart), 0)
		st.Idle = max(now.Sub(rec.LastAccess), 0)
		st.EvictsIn = max(timeout-st.Idle, 0)
	}
	return st
}

func (r *readOnlyBackend) List(context.Context) ([]client.ServerStatus, error) {
	out := make([]client.ServerStatus, 0, len(r.cfg.Definitions))
	for _, d := range r.cfg.Definitions {
		out = append(out, r.status(d))
	}
	return out, nil
}

func (r *readOnlyBackend) Start(context.Context, string) (client.ServerStatus, error) {
	return client.ServerStatus{}, errReadOnly
}

func (r *readOnlyBackend) FastStart(context.Context, string) (client.ServerStatus, error) {
	return client.ServerStatus{}, errReadOnly
}

func (r *readOnlyBackend) Touch(context.Context, string) (client.ServerStatus, error) {
	return client.ServerStatus{}, errReadOnly
}

func (r *readOnlyBackend) Stop(context.Context, string) (client.ServerStatus, error) {
	return client.ServerStatus{}, errReadOnly
}

func (r *readOnlyBackend) ForceStop(context.Context, string) (client.ServerStatus, error) {
	return client.ServerStatus{}, errReadOnly
}

func (r *readOnlyBackend) Close() error { return nil }
