package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flowmint/flowmint/internal/config"
	"github.com/flowmint/flowmint/pkg/server"
)

func init() {
	var (
		port int
		demo bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder daemon and local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if port > 0 {
				cfg.Port = port
			}
			if demo {
				cfg.Demo = true
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides FLOWMINT_PORT)")
	cmd.Flags().BoolVar(&demo, "demo", false, "Seed the sample patterns and stats")
	rootCmd.AddCommand(cmd)
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", cfg.Version).Msg("flowmint starting...")

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         srv.Addr(),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	srv.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("remote", cfg.Remote.BaseURL).Msg("flowmint is recording")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Component shutdown incomplete")
		return err
	}
	log.Info().Msg("flowmint stopped")
	return nil
}
