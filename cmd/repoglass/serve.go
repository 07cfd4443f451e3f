package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repoglass/repoglass/internal/api"
	"github.com/repoglass/repoglass/internal/backend"
	"github.com/repoglass/repoglass/internal/cache"
	"github.com/repoglass/repoglass/internal/config"
	"github.com/repoglass/repoglass/internal/poller"
	"github.com/repoglass/repoglass/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repoglass daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFrom(configPath)
	}
	return config.Load()
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "repoglass version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.Log.File, config.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing log file: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.Cache.DataDir)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing cache: %v\n", err)
		}
	}()

	saver := cache.NewSaver(store, cfg.Cache.SaveDebounce)

	transport := backend.NewTransport(cfg.Backend.RequestTimeout)
	locator := backend.NewLocator(cfg.Backend.Candidates, cfg.Backend.ProbeTimeout)
	client := backend.NewClient(transport, locator, backend.RetryPolicy{
		MaxRetries:  cfg.Backend.MaxRetries,
		BaseBackoff: cfg.Backend.BaseBackoff,
		MaxBackoff:  cfg.Backend.MaxBackoff,
	})

	jobs := poller.New(client, poller.Options{
		Interval: cfg.Poll.Interval,
		Ceiling:  cfg.Poll.Ceiling,
	})

	sess := session.New(ctx, client, jobs, store, saver)
	if err := sess.Resume(); err != nil {
		slog.Warn("resuming unfinished jobs", "error", err)
	}

	handler := api.NewHandler(api.Deps{Session: sess, Locator: locator})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("repoglass listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	// Flush every pending cache write before the store closes.
	saver.Close()
	return err
}
