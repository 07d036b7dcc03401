// chatprobe connects one session to the chat backend, sends a message,
// and streams the response frames to the console.
// Usage: go run ./cmd/chatprobe --config configs/client.local.yaml --message "hello"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lostmindai/chatlink/internal/api"
	"github.com/lostmindai/chatlink/internal/backoff"
	"github.com/lostmindai/chatlink/internal/config"
	"github.com/lostmindai/chatlink/internal/connection"
	"github.com/lostmindai/chatlink/internal/events"
	"github.com/lostmindai/chatlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/client.example.yaml", "path to config file")
	message := flag.String("message", "Hello from chatprobe", "message to send")
	sessionID := flag.String("session", "", "session id (default: a fresh UUID)")
	thinking := flag.Bool("thinking", true, "request thinking output")
	search := flag.Bool("search", false, "enable search grounding")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	logger.Info("chatprobe", "version", version.String())

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
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

	// Probe the backend over REST before opening the socket.
	apiClient := api.NewClient(cfg.Backend.RestURL, cfg.Backend.APIKey,
		api.WithTimeout(cfg.Backend.Timeout),
		api.WithRetryPolicy(backoff.Policy{
			InitialDelay: cfg.Connection.ReconnectBaseDelay,
			MaxDelay:     cfg.Connection.ReconnectMaxDelay,
			Factor:       2,
			MaxAttempts:  cfg.Backend.MaxRetries,
			Jitter:       0.25,
		}),
		api.WithLogger(logger),
	)
	if health, err := apiClient.Health(ctx); err != nil {
		logger.Warn("backend health check failed", "error", err)
	} else {
		logger.Info("backend healthy", "status", health.Status)
	}

	id := *sessionID
	if id == "" {
		id = uuid.NewString()
	}

	bus := events.NewBus(logger)
	done := make(chan struct{})
	var finish sync.Once

	bus.Subscribe(events.Connected, func(ev events.Event) {
		logger.Info("connected", "session_id", ev.SessionID)
	})
	bus.Subscribe(events.Disconnected, func(ev events.Event) {
		logger.Info("disconnected", "session_id", ev.SessionID)
	})
	bus.Subscribe(events.Thinking, func(ev events.Event) {
		fmt.Printf("[thinking] %s\n", ev.Frame.Content)
	})
	bus.Subscribe(events.Status, func(ev events.Event) {
		logger.Info("status", "status", ev.Frame.Status)
	})
	bus.Subscribe(events.StreamChunk, func(ev events.Event) {
		switch ev.Frame.ChunkType {
		case "complete":
			fmt.Println()
			finish.Do(func() { close(done) })
		case "thinking":
			fmt.Printf("[thinking] %s\n", ev.Frame.Content)
		default:
			fmt.Print(ev.Frame.Content)
		}
	})
	bus.Subscribe(events.Message, func(ev events.Event) {
		fmt.Printf("%s\n", ev.Frame.Response)
		finish.Do(func() { close(done) })
	})
	bus.Subscribe(events.Error, func(ev events.Event) {
		if ev.Err != nil {
			logger.Error("connection error", "error", ev.Err)
			return
		}
		logger.Error("server error", "message", ev.Frame.Message)
	})

	mgrCfg := connection.ManagerConfig{
		WSURL:             cfg.Backend.WSURL,
		APIKey:            cfg.Backend.APIKey,
		HandshakeTimeout:  cfg.Connection.HandshakeTimeout,
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		WriteTimeout:      cfg.Connection.WriteTimeout,
		QueueLimit:        cfg.Connection.QueueLimit,
		BufferSize:        256,
		Reconnect: backoff.Policy{
			InitialDelay: cfg.Connection.ReconnectBaseDelay,
			MaxDelay:     cfg.Connection.ReconnectMaxDelay,
			Factor:       2,
			MaxAttempts:  cfg.Connection.MaxReconnectAttempts,
		},
	}

	mgr := connection.NewManager(id, mgrCfg, bus, logger)
	if err := mgr.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer mgr.Disconnect()

	if err := mgr.SendChat(*message, nil, *thinking, *search); err != nil {
		logger.Error("send failed", "error", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(2 * time.Minute):
		logger.Warn("timed out waiting for response")
	}
}
