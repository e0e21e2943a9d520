// Package main is the entry point for the termflow service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/config"
	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events/bus"
	"github.com/termflow/termflow/internal/gateway/websocket"
	"github.com/termflow/termflow/internal/notify"
	"github.com/termflow/termflow/internal/orchestrator"
	"github.com/termflow/termflow/internal/orchestrator/api"
	"github.com/termflow/termflow/internal/queue"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting termflow service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the event bus (in-memory unless NATS is configured)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Open the queue store
	store, err := queue.NewStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to open queue store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Queue store opened", zap.String("path", cfg.Storage.Path))

	// 6. Create orchestrator service
	service := orchestrator.New(cfg, store, eventBus, log)

	// 7. Create WebSocket hub for UI event streaming
	wsHub := websocket.NewHub(eventBus, log)
	go wsHub.Run(ctx)

	// 8. Start notification service
	notifier := notify.NewService(eventBus, log, notify.NewLogProvider(log))
	if err := notifier.Start(); err != nil {
		log.Fatal("Failed to start notification service", zap.Error(err))
	}
	defer notifier.Stop()

	// 9. Start orchestrator service
	if err := service.Start(); err != nil {
		log.Fatal("Failed to start orchestrator service", zap.Error(err))
	}
	log.Info("Orchestrator service started")

	// 10. Setup the HTTP surface: REST API plus the WebSocket endpoint
	apiServer := api.NewServer(cfg, service, log)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsHub)
	mux.Handle("/", apiServer.Router())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down termflow service...")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	service.Stop()

	log.Info("termflow service stopped")
}
