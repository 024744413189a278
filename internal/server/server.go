package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/loykin/lazyvisor/internal/metrics"
	ltls "github.com/loykin/lazyvisor/internal/tls"
)

// Server is a running HTTP listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	done chan error
}

// Addr returns the bound address, useful with ":0".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if serr := <-s.done; serr != nil && !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop requests wait for the full escalation
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func serve(addr string, h http.Handler, tlsCfg ltls.Config, log *slog.Logger) (*Server, error) {
	tc, err := ltls.Setup(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("api tls: %w", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := newHTTPServer(h)
	srv.TLSConfig = tc
	s := &Server{srv: srv, ln: ln, done: make(chan error, 1)}
	go func() {
		if tc != nil {
			s.done <- srv.ServeTLS(ln, "", "")
			return
		}
		s.done <- srv.Serve(ln)
	}()
	log.Info("http listener started", "addr", s.Addr(), "tls", tc != nil)
	return s, nil
}

// NewServer starts the API on addr using this router.
func NewServer(addr, basePath string, sup Supervisor, tlsCfg ltls.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	return serve(addr, NewRouter(sup, basePath).Handler(), tlsCfg, log.With("component", "api"))
}

// NewMetricsServer serves Prometheus metrics on addr at /metrics.
func NewMetricsServer(addr string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return serve(addr, mux, ltls.Config{}, log.With("component", "metrics"))
}
