package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/config"
	"github.com/mattersync/mattersync/internal/resource"
	"github.com/mattersync/mattersync/internal/server"
	"github.com/mattersync/mattersync/internal/transport"
	"github.com/mattersync/mattersync/internal/ws"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load config first; the logger mode depends on it
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("server", cfg.Server.URL),
		zap.String("teamID", cfg.Scope.TeamID),
		zap.Int("channels", len(cfg.Scope.ChannelIDs)),
		zap.Bool("pollEnabled", cfg.Poll.Enabled),
		zap.Duration("pollInterval", cfg.PollInterval()),
		zap.String("listenAddr", cfg.HTTP.ListenAddr),
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// REST transport shared by every resource
	rest := transport.NewClient(transport.Config{
		BaseURL:       cfg.Server.URL,
		Token:         cfg.Server.Token,
		Timeout:       cfg.ServerTimeout(),
		MaxRetries:    cfg.Retry.MaxRetries,
		BackoffFactor: cfg.Retry.BackoffFactor,
		RatePerSecond: cfg.RateLimit.RequestsPerSecond,
		RateBurst:     cfg.RateLimit.Burst,
	}, logger)

	// Websocket connection shared by every streaming resource
	conn, err := ws.NewClient(ws.Config{
		BaseURL:              cfg.Server.URL,
		WSURL:                cfg.Websocket.URL,
		Token:                cfg.Server.Token,
		AutoReconnect:        cfg.Websocket.AutoReconnect,
		ReconnectDelay:       cfg.ReconnectDelay(),
		ReconnectDelayCap:    cfg.ReconnectDelayCap(),
		MaxReconnectAttempts: cfg.Websocket.MaxReconnectAttempts,
		AuthTimeout:          cfg.AuthTimeout(),
	}, logger)
	if err != nil {
		logger.Error("failed to create websocket client", zap.Error(err))
		return 1
	}

	registry := resource.NewRegistry(logger)
	registry.Register(resource.NewPostsFeed(rest, cfg.Scope.ChannelIDs, cfg.Scope.TeamID, logger))
	registry.Register(resource.NewReactionsFeed(rest, cfg.Scope.ChannelIDs, cfg.Scope.TeamID, logger))
	defer registry.Close()

	if err := registry.StartAllStreaming(ctx, conn); err != nil {
		logger.Error("failed to start streaming", zap.Error(err))
		return 1
	}
	defer conn.Disconnect()

	if cfg.Poll.Enabled {
		if err := registry.StartAllPolling(ctx, cfg.PollInterval()); err != nil {
			logger.Error("failed to start polling", zap.Error(err))
			return 1
		}
	}

	// Status endpoint
	router := server.NewRouter(server.New(registry, conn, logger), logger)
	httpServer := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: router}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	logger.Info("watcher started", zap.String("listenAddr", cfg.HTTP.ListenAddr))

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-httpErr:
		logger.Error("status server failed", zap.Error(err))
		cancel()
		return 1
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", zap.Error(err))
	}
	return 0
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}
