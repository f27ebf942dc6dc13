package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nurunuru-server/internal/config"
	"nurunuru-server/internal/engine"
	"nurunuru-server/internal/relay"
	"nurunuru-server/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	InitLogger(cfg.Log.Level)
	return cfg, nil
}

// relayEngineFactory builds the engine on first use: local store first, then
// the relay pool on top of it
func relayEngineFactory(cfg *config.Config) engine.Factory {
	return func(ctx context.Context) (engine.Engine, error) {
		st, err := store.New(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Cache.Backend, err)
		}
		pool := relay.NewPool(relay.WithLogger(slog.Default()))
		slog.Info("engine started",
			"store", cfg.Cache.Backend,
			"relays", len(cfg.Relays.DefaultRelays),
			"search_relays", len(cfg.Relays.SearchRelays))
		return engine.NewRelayEngine(pool, st, cfg.Relays), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engines := engine.NewProvider(relayEngineFactory(cfg), cfg.Server.EngineRetry)
	srv := newServer(cfg, engines)
	go srv.limiter.run(ctx)

	// Warm the engine so the first request does not pay for relay dials
	go func() {
		if _, err := engines.Get(ctx); err != nil {
			slog.Warn("engine not available yet", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.Addr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	srv.flushOnShutdown(shutdownCtx)
	return engines.Close()
}
