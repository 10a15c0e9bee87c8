// Package server composes the flowmint daemon: pattern store, delivery
// forwarder, reconciler, lifecycle driver and the local HTTP API.
//
// Usage:
//
//	srv, err := server.New(ctx, cfg)
//	srv.Start(ctx)
//	http.ListenAndServe(srv.Addr(), srv.Handler)
//	srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/api"
	"github.com/flowmint/flowmint/internal/api/handlers"
	"github.com/flowmint/flowmint/internal/config"
	"github.com/flowmint/flowmint/internal/demo"
	"github.com/flowmint/flowmint/internal/forwarder"
	"github.com/flowmint/flowmint/internal/lifecycle"
	"github.com/flowmint/flowmint/internal/reconcile"
	"github.com/flowmint/flowmint/internal/recorder"
	"github.com/flowmint/flowmint/internal/remote"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/internal/telemetry"
	"github.com/flowmint/flowmint/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized daemon.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store      store.PatternStore
	Forwarder  *forwarder.Forwarder
	Reconciler *reconcile.Reconciler
	Recorder   *recorder.Recorder
	Logs       *activity.Sink

	Config *config.Config

	// ShutdownFunc flushes telemetry.
	ShutdownFunc func(context.Context) error

	deadLetters forwarder.DeadLetters
}

// New initializes every component from cfg. Background loops are not
// running until Start.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	patterns := store.NewMemoryStore(cfg.SnapshotPath)
	log.Info().Str("snapshot", cfg.SnapshotPath).Int("patterns", len(patterns.List(ctx))).Msg("Pattern store initialized")

	logs := activity.NewSink(0)
	client := remote.New(cfg.Remote.BaseURL, cfg.Remote.Timeout, cfg.UserID)
	log.Info().Str("remote", client.BaseURL()).Dur("timeout", cfg.Remote.Timeout).Msg("Analysis service client configured")

	dead, err := openDeadLetters(cfg.Forwarder.DeadLetterPath)
	if err != nil {
		patterns.Close()
		return nil, err
	}

	fwd := forwarder.New(client, forwarder.Options{
		Interval:       cfg.Forwarder.FlushInterval,
		Capacity:       cfg.Forwarder.QueueCapacity,
		MaxAttempts:    cfg.Forwarder.MaxAttempts,
		InitialBackoff: cfg.Forwarder.InitialBackoff,
		MaxBackoff:     cfg.Forwarder.MaxBackoff,
		DeadLetters:    dead,
	})

	rec := recorder.New(fwd,
		recorder.WithUserID(cfg.UserID),
		recorder.WithOnCaptured(func(models.Action) {
			patterns.RecordCaptured(context.Background(), 1)
		}),
	)

	rc := reconcile.New(client, patterns, logs, cfg.Reconcile.Interval)
	sim := demo.NewSimulator(rec, logs, func(ctx context.Context) {
		if _, err := rc.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("Post-simulation reconcile failed")
		}
	})

	if cfg.Demo {
		demo.Activate(ctx, patterns, logs)
		log.Info().Msg("Demo data seeded")
	}

	h := &handlers.Handlers{
		Store:      patterns,
		Recorder:   rec,
		Forwarder:  fwd,
		Reconciler: rc,
		Lifecycle:  lifecycle.New(patterns, client, logs),
		Logs:       logs,
		Simulator:  sim,
		BaseCtx:    ctx,
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        patterns,
		Forwarder:    fwd,
		Reconciler:   rc,
		Recorder:     rec,
		Logs:         logs,
		Config:       cfg,
		ShutdownFunc: shutdown,
		deadLetters:  dead,
	}, nil
}

func openDeadLetters(path string) (forwarder.DeadLetters, error) {
	if path == "" {
		log.Info().Msg("Dead letters kept in memory")
		return forwarder.NewMemoryDeadLetters(), nil
	}
	dl, err := forwarder.OpenSQLiteDeadLetters(path)
	if err != nil {
		return nil, fmt.Errorf("open dead letters: %w", err)
	}
	log.Info().Str("path", path).Msg("Dead-letter store opened")
	return dl, nil
}

// Addr is the listen address derived from the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.Config.Port)
}

// Start replays actions left over from the previous run and starts the
// forwarder and reconciler loops.
func (s *Server) Start(ctx context.Context) {
	if n, err := s.Forwarder.Replay(ctx); err != nil {
		log.Warn().Err(err).Msg("Dead-letter replay failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Re-queued actions from previous run")
	}
	s.Forwarder.Start(ctx)
	s.Reconciler.Start(ctx)
}

// Shutdown stops the background loops, spills undelivered actions to the
// dead-letter store and flushes state. The HTTP server must already be
// drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Reconciler.Stop()
	s.Forwarder.Stop(ctx)

	var errs []error
	if err := s.deadLetters.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dead letters: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.ShutdownFunc(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush telemetry: %w", err))
	}
	return errors.Join(errs...)
}
