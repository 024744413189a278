package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/lazyvisor"
	"github.com/loykin/lazyvisor/internal/config"
	"github.com/loykin/lazyvisor/internal/logger"
	"github.com/loykin/lazyvisor/internal/metrics"
	"github.com/loykin/lazyvisor/internal/server"
	"github.com/loykin/lazyvisor/internal/store"
)

const (
	httpShutdownTimeout = 5 * time.Second
	daemonLockWait      = 10 * time.Second
)

// runDaemon runs the supervisor until SIGINT or SIGTERM, serving the API and
// the Prometheus endpoint when configured.
func runDaemon(ctx context.Context, g *GlobalFlags, f *DaemonFlags) error {
	path := g.configPath()
	if path == "" {
		return errors.New("start requires a config file: pass --config")
	}
	cfg, err := config.Load(path, cliLogger())
	if err != nil {
		return err
	}
	if f.LogFile != "" {
		cfg.Log.File.Path = f.LogFile
	}
	log, closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = closer.Close() }()
	for _, p := range cfg.Problems {
		log.Warn("config problem", "error", p)
	}

	if err := writePidFile(f.PIDFile, os.Getpid()); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = removePidFile(f.PIDFile) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveWith(ctx, cfg, log, prometheus.DefaultRegisterer)
}

// serveWith runs the supervisor and its listeners until ctx is done.
func serveWith(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) error {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if cfg.MetricsFile != "" {
		lctx, cancel := context.WithTimeout(ctx, daemonLockWait)
		lock, err := store.AcquireLock(lctx, cfg.MetricsFile)
		cancel()
		if err != nil {
			return fmt.Errorf("metrics file %s: %w", cfg.MetricsFile, err)
		}
		defer func() { _ = lock.Release() }()
	}
	sup, err := lazyvisor.NewFromConfig(cfg, log)
	if err != nil {
		return err
	}

	var servers []*server.Server
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(sctx)
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(reg); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			ms, err := server.NewMetricsServer(cfg.Metrics.Listen, log)
			if err != nil {
				_ = sup.Shutdown(context.Background())
				return fmt.Errorf("metrics listener: %w", err)
			}
			servers = append(servers, ms)
		}
	}
	if cfg.Server.Listen != "" {
		api, err := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, sup, cfg.Server.TLS, log)
		if err != nil {
			_ = sup.Shutdown(context.Background())
			return fmt.Errorf("api listener: %w", err)
		}
		servers = append(servers, api)
	}

	err = sup.Run(ctx)
	log.Info("supervisor stopped")
	return err
}
