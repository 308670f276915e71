// streamwatch connects to the broker stream and prints channel messages to
// the console. Useful for eyeballing live data and verifying credentials.
//
// Usage:
//
//	streamwatch --config configs/recorder.example.yaml --channels trades,quotes
//
// Credentials come from the config file, normally via ${VAR} expansion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rickgao/broker-stream/internal/auth"
	"github.com/rickgao/broker-stream/internal/config"
	"github.com/rickgao/broker-stream/internal/stream"
	"github.com/rickgao/broker-stream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/recorder.example.yaml", "path to config file")
	channels := flag.String("channels", "trades", "comma-separated channels to watch")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamwatch", "version", version.Version, "config", *configPath)

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.API.WSURL == "" || cfg.API.APIKey == "" || cfg.API.SecretKey == "" {
		logger.Error("api.ws_url, api.api_key and api.secret_key are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

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

	for _, ch := range strings.Split(*channels, ",") {
		channel := strings.TrimSpace(ch)
		if channel == "" {
			continue
		}
		err := session.Subscribe(channel, func(msg stream.Message) error {
			if *verbose {
				pretty, _ := json.MarshalIndent(msg.Data, "", "  ")
				fmt.Printf("[%s]\n%s\n", msg.Channel, pretty)
			} else {
				fmt.Printf("[%s] %s\n", msg.Channel, msg.Data)
			}
			return nil
		})
		if err != nil {
			logger.Error("subscribe failed", "channel", channel, "error", err)
			os.Exit(1)
		}
	}

	if err := session.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected, streaming", "channels", *channels)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-session.Done():
		if err := session.Err(); err != nil {
			logger.Error("session terminated", "error", err)
			os.Exit(1)
		}
	}
}
