// connwatch attaches simulated consumers to one shared real-time connection
// and logs every state transition. Transitions can also be journaled to
// Postgres.
//
// Usage: go run ./cmd/connwatch --config configs/connwatch.example.yaml --consumers 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/sharedconn/internal/config"
	"github.com/rickgao/sharedconn/internal/connection"
	"github.com/rickgao/sharedconn/internal/database"
	"github.com/rickgao/sharedconn/internal/journal"
	"github.com/rickgao/sharedconn/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/connwatch.example.yaml", "path to config file")
	consumers := flag.Int("consumers", 3, "number of simulated consumers")
	hold := flag.Duration("hold", 10*time.Second, "how long each consumer holds the connection")
	pause := flag.Duration("pause", 3*time.Second, "average pause between consumer sessions")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting connwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"server", cfg.Server.URL,
	)

	if err := run(cfg, *consumers, *hold, *pause, logger); err != nil {
		logger.Error("connwatch failed", "error", err)
		os.Exit(1)
	}

	logger.Info("connwatch stopped")
}

func run(cfg *config.Config, consumers int, hold, pause time.Duration, logger *slog.Logger) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	source, identity, err := identitySource(cfg)
	if err != nil {
		return err
	}

	manager := connection.NewManager(managerConfig(cfg), newFactory(cfg, logger), source, logger)
	defer manager.Close()

	unsubscribe := manager.SubscribeState(func(c connection.StateChange) {
		attrs := []any{"instance", c.Instance, "from", c.From, "to", c.To}
		if c.Err != nil {
			attrs = append(attrs, "error", c.Err)
		}
		logger.Info("connection state", attrs...)
	})
	defer unsubscribe()

	// Optional journal
	var (
		pool     *pgxpool.Pool
		recorder *journal.Recorder
	)
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)

		pool, err = database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}

		recorder = journal.NewRecorder(journalConfig(cfg), pool, logger)
		if err := recorder.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		detach := recorder.Attach(manager)
		defer func() {
			detach()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			recorder.Stop(stopCtx)
		}()
	}

	// Health server
	var healthServer *http.Server
	if cfg.Health.Port > 0 {
		healthServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
			Handler: createHealthHandler(cfg.Health.Path, manager, pool, recorder, logger),
		}

		go func() {
			logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	var messages atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < consumers; i++ {
		c := &consumer{
			name:     fmt.Sprintf("consumer-%d", i+1),
			manager:  manager,
			identity: identity,
			hold:     hold,
			pause:    pause,
			logger:   logger,
			messages: &messages,
		}
		g.Go(func() error { return c.run(gctx) })
	}

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := manager.Stats()
				logger.Info("stats",
					"state", stats.State,
					"refs", stats.RefCount,
					"instances_created", stats.InstancesCreated,
					"handshakes", stats.Handshakes,
					"retry_attempt", stats.Retry.Attempt,
					"messages", messages.Load(),
				)
			}
		}
	})

	logger.Info("connwatch running - press Ctrl+C to stop", "consumers", consumers)

	err = g.Wait()

	logger.Info("shutting down...")

	// Close before the journal stops so the final transition is recorded.
	manager.Close()

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}

	return err
}
