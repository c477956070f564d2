// Package api provides the HTTP surface and the main server logic for
// psynudge.
//
// It exposes read endpoints over the stored study state and a trigger
// endpoint for running a reconciliation pass on demand, alongside the cron
// cadence the scheduler drives.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/szb37/psynudge/internal/recon"
	"github.com/szb37/psynudge/internal/scheduler"
	"github.com/szb37/psynudge/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultPassCron runs a reconciliation pass once a day.
const DefaultPassCron = "0 6 * * *"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr     string
	PassCron string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassCron sets the cron expression for scheduled reconciliation passes.
func WithPassCron(expr string) Option {
	return func(o *Opts) { o.PassCron = expr }
}

// Server wires the HTTP handlers to the store and the pass driver.
type Server struct {
	addr     string
	passCron string
	store    store.Store
	driver   *recon.Driver
	sched    *scheduler.Scheduler
}

// NewServer creates an API server over the given collaborators.
func NewServer(st store.Store, driver *recon.Driver, sched *scheduler.Scheduler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, PassCron: DefaultPassCron}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		addr:     cfg.Addr,
		passCron: cfg.PassCron,
		store:    st,
		driver:   driver,
		sched:    sched,
	}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/passes", s.triggerPassHandler)
	mux.HandleFunc("/studies", s.studiesHandler)
	mux.HandleFunc("/studies/", s.studyScopedHandler)
	return mux
}

// Start schedules the periodic reconciliation pass and begins serving HTTP.
// It blocks until the listener fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.sched != nil {
		if err := s.sched.AddJob(s.passCron, func() {
			if err := s.driver.RunPass(context.Background()); err != nil {
				slog.Error("Server: scheduled pass failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule reconciliation pass: %w", err)
		}
		slog.Info("Server: reconciliation pass scheduled", "cron", s.passCron)
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("Server: psynudge API listening", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
