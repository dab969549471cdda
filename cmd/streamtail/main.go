// streamtail connects to a realtime endpoint and tails channel frames
// to the console.
// Usage: go run ./cmd/streamtail --config configs/realtime.example.yaml --channels prices,trades
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
	"time"

	"github.com/quotestream/realtime/internal/config"
	"github.com/quotestream/realtime/internal/connection"
	"github.com/quotestream/realtime/internal/database"
	"github.com/quotestream/realtime/internal/event"
	"github.com/quotestream/realtime/internal/protocol"
	"github.com/quotestream/realtime/internal/recorder"
	"github.com/quotestream/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/realtime.example.yaml", "path to config file")
	channels := flag.String("channels", "prices", "comma-separated channels to tail")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	// Create Connection Manager
	mgr := connection.NewManager(managerConfig(cfg), logger)

	mgr.On(event.StatusChange, func(data any) {
		logger.Info("status change", "status", data)
	})
	mgr.On(event.Error, func(data any) {
		logger.Warn("connection error", "error", data)
	})

	// Tail requested channels
	for _, ch := range strings.Split(*channels, ",") {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		name := ch
		if _, err := mgr.Subscribe(name, func(msg protocol.Message) {
			printFrame(name, msg, *verbose)
		}); err != nil {
			logger.Error("subscribe failed", "channel", name, "error", err)
			os.Exit(1)
		}
	}

	// Optional stream recorder
	var rec *recorder.Recorder
	if cfg.Recorder.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			logger.Error("failed to connect recorder database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		rec = recorder.New(recorder.Config{
			Channels:      cfg.Recorder.Channels,
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
		}, mgr, pool, logger)

		if err := rec.Start(ctx); err != nil {
			logger.Error("failed to start recorder", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("connecting", "url", cfg.Endpoint.URL)
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("initial connect failed", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := mgr.Metrics()
				logger.Info("stats",
					"status", mgr.Status(),
					"sent", m.MessagesSent,
					"received", m.MessagesReceived,
					"reconnects", m.Reconnects,
					"errors", m.Errors,
					"latency", m.Latency,
					"uptime", m.Uptime,
					"subscriptions", m.Subscriptions,
					"queued", m.QueuedMessages,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	if rec != nil {
		rec.Stop(shutdownCtx)
	}
	mgr.Disconnect()

	logger.Info("shutdown complete")
}

// managerConfig maps the file config onto the connection manager config.
func managerConfig(cfg *config.Config) connection.Config {
	c := connection.DefaultConfig()
	c.URL = cfg.Endpoint.URL
	c.Protocols = cfg.Endpoint.Protocols
	c.EnableBinaryMessages = cfg.Endpoint.EnableBinaryMessages
	if cfg.Endpoint.EnableCompression != nil {
		c.EnableCompression = *cfg.Endpoint.EnableCompression
	}
	c.ConnectTimeout = cfg.Connection.ConnectTimeout
	c.ReconnectInterval = cfg.Connection.ReconnectInterval
	c.ReconnectMaxDelay = cfg.Connection.ReconnectMaxDelay
	c.MaxReconnectAttempts = cfg.Connection.MaxReconnectAttempts
	c.HeartbeatInterval = cfg.Connection.HeartbeatInterval
	c.MaxMissedHeartbeats = cfg.Connection.MaxMissedHeartbeats
	c.WriteTimeout = cfg.Connection.WriteTimeout
	c.MessageQueueSize = cfg.Connection.MessageQueueSize
	c.BufferSize = cfg.Connection.BufferSize
	return c
}

func printFrame(channel string, msg protocol.Message, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(msg, "", "  ")
		fmt.Printf("[%s] %s\n", strings.ToUpper(channel), data)
		return
	}
	fmt.Printf("[%s] type=%s id=%s ts=%d payload=%s\n",
		strings.ToUpper(channel), msg.Type, msg.ID, msg.Timestamp, msg.Payload)
}
