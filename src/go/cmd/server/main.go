package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"whatsapp-gateway/src/go/bot"
	"whatsapp-gateway/src/go/config"
	"whatsapp-gateway/src/go/gateway"
	"whatsapp-gateway/src/go/store"
	"whatsapp-gateway/src/go/web"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	// Set log level (5 = Debug, 4 = Info)
	if cfg.LogLevel >= 5 {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.Info("Starting WhatsApp gateway")

	settingsStore, err := store.New(cfg.Database.SettingsPath, logger)
	if err != nil {
		logger.Fatalf("Failed to open settings store: %v", err)
	}
	defer settingsStore.Close()

	pipeline := bot.NewPipeline(
		settingsStore,
		bot.NewMessageCache(bot.DefaultCacheCapacity),
		bot.NewPresenceScheduler(logger),
		bot.NewRegistry(bot.BuiltinCommands()...),
		settingsStore,
		logger,
	)

	manager, err := gateway.NewManager(cfg.Gateway, cfg.Database.SessionsPath, settingsStore, pipeline, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize gateway: %v", err)
	}

	// Bring back every session that was online before the last shutdown
	manager.ResumeOnlineSessions(context.Background())

	srv := web.New(manager, settingsStore, logger)
	router := srv.SetupRoutes()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Gateway server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager.Shutdown()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped")
}
