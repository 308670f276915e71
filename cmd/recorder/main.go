// recorder connects to the broker stream and persists the configured
// channels to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/broker-stream/internal/auth"
	"github.com/rickgao/broker-stream/internal/config"
	"github.com/rickgao/broker-stream/internal/database"
	"github.com/rickgao/broker-stream/internal/recorder"
	"github.com/rickgao/broker-stream/internal/stream"
	"github.com/rickgao/broker-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting recorder",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

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

	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	session := stream.NewSession(stream.Config{
		URL: cfg.API.WSURL,
		Credentials: auth.Credentials{
			APIKey:    cfg.API.APIKey,
			SecretKey: cfg.API.SecretKey,
		},
		AuthTimeout:          cfg.Stream.AuthTimeout,
		ReconnectBaseDelay:   cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Stream.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		DispatchBuffer:       cfg.Stream.DispatchBuffer,
		PingTimeout:          cfg.Stream.PingTimeout,
		WriteTimeout:         cfg.Stream.WriteTimeout,
		OnStateChange: func(st stream.State) {
			logger.Info("session state", "state", st)
		},
	}, logger)
	defer session.Close()

	rec := recorder.New(recorder.Config{
		Channels:      cfg.Recorder.Channels,
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
	}, pool, logger)

	// Subscriptions registered before Connect are replayed once the session
	// authenticates, so the recorder never misses the initial window.
	if err := rec.Start(ctx, session); err != nil {
		logger.Error("failed to start recorder", "error", err)
		os.Exit(1)
	}

	if err := session.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recording", "channels", cfg.Recorder.Channels)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-session.Done():
			return session.Err()
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		rec.Stop()
		return session.Close()
	})

	if err := g.Wait(); err != nil {
		logger.Error("recorder terminated", "error", err)
		os.Exit(1)
	}

	inserts, errs := rec.Stats()
	logger.Info("recorder stopped", "inserted", inserts, "failed_flushes", errs)
}
