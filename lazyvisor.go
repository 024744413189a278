// Package lazyvisor is an embeddable lazy-loading process supervisor.
//
// Servers are started on first demand, their accesses are tracked, and a
// reaper retires them once they have been idle for longer than their
// inactivity timeout.
package lazyvisor

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/lazyvisor/internal/config"
	"github.com/loykin/lazyvisor/internal/history"
	"github.com/loykin/lazyvisor/internal/history/factory"
	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/process"
	"github.com/loykin/lazyvisor/internal/registry"
	iapi "github.com/loykin/lazyvisor/internal/server"
	"github.com/loykin/lazyvisor/internal/store"
	"github.com/loykin/lazyvisor/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Supervisor = supervisor.Supervisor

type SupervisorConfig = supervisor.Config

type Option = supervisor.Option

type Snapshot = supervisor.Snapshot

type Definition = process.Definition

type Status = registry.Status

type Config = config.Config

type HistorySink = history.Sink

type HistoryEvent = history.Event

const (
	StatusStopped  = registry.Stopped
	StatusStarting = registry.Starting
	StatusRunning  = registry.Running
	StatusStopping = registry.Stopping
)

var (
	ErrUnknownServer = supervisor.ErrUnknownServer
	ErrSpawnFailed   = supervisor.ErrSpawnFailed
	ErrUnkillable    = supervisor.ErrUnkillable
	ErrNotRunning    = supervisor.ErrNotRunning
	ErrShuttingDown  = supervisor.ErrShuttingDown
)

var (
	WithClock    = supervisor.WithClock
	WithSinks    = supervisor.WithSinks
	WithLogger   = supervisor.WithLogger
	WithDetached = supervisor.WithDetached
)

// New builds a supervisor with an in-memory metrics store.
func New(cfg SupervisorConfig, opts ...Option) (*Supervisor, error) {
	return supervisor.New(cfg, opts...)
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path, nil) }

// SupervisorConfigFrom extracts the supervisor settings from a loaded config.
func SupervisorConfigFrom(c *Config) SupervisorConfig {
	return SupervisorConfig{
		InactivityTimeout: c.InactivityTimeout,
		GracePeriod:       c.GracePeriod,
		ReapInterval:      c.ReapInterval,
		ReadinessDelay:    c.ReadinessDelay,
		InterruptWait:     c.InterruptWait,
		KillWait:          c.KillWait,
		ShutdownTimeout:   c.ShutdownTimeout,
		Definitions:       c.Definitions,
	}
}

// NewFromConfig builds a supervisor with the metrics file, history sinks and
// environment described by c. A sink that cannot be created is logged and
// skipped; history is best effort.
func NewFromConfig(c *Config, log *slog.Logger, opts ...Option) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := store.Open(c.MetricsFile, log)
	if err != nil {
		return nil, err
	}
	var sinks []history.Sink
	for _, dsn := range c.History.Sinks {
		s, err := factory.NewSinks([]string{dsn})
		if err != nil {
			log.Warn("history sink disabled", "error", err)
			continue
		}
		sinks = append(sinks, s...)
	}
	base := []Option{
		supervisor.WithStore(st),
		supervisor.WithEnv(c.Environment()),
		supervisor.WithLogger(log),
		supervisor.WithSinks(sinks...),
	}
	return supervisor.New(SupervisorConfigFrom(c), append(base, opts...)...)
}

// NewHistorySink creates a sink from a DSN such as "sqlite:///var/lib/h.db".
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Handler returns the HTTP API for sup mounted under basePath.
func Handler(sup *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(sup, basePath).Handler()
}

// RegisterMetrics registers the Prometheus collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }
