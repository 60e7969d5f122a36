package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/username/chatstate/internal/pkg/constants"
	"github.com/username/chatstate/internal/pkg/factory"
	"github.com/username/chatstate/internal/pkg/httputil"
	"github.com/username/chatstate/internal/pkg/logutil"
	"github.com/username/chatstate/pkg/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	// A missing .env is normal outside development
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logutil.FromSettings(cfg.Logging.Level, cfg.Logging.Format)
	logutil.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", logutil.Fields{"error": err.Error()})
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *logutil.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := factory.NewServiceFactory(logger).Initialize(ctx, factory.InitializationOptions{
		Config:             cfg,
		EnableHealthChecks: true,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	middleware := httputil.DefaultMiddlewareConfig
	middleware.EnableCORS = cfg.Server.CORSEnabled

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httputil.RequestIDMiddleware())
	router.Use(httputil.LoggingMiddleware(logger))
	router.Use(httputil.CORSMiddleware(middleware))
	router.Use(httputil.TimeoutMiddleware(middleware.Timeouts))

	container.API.SetupRoutes(router, container.Relay.HandleWebSocket)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := container.Start(gctx); err != nil {
		container.Shutdown(context.Background())
		return err
	}

	g.Go(func() error {
		logger.Info("Server starting", logutil.Fields{
			"address":    server.Addr,
			"storage":    cfg.Storage.Backend,
			"nats":       cfg.NATS.Enabled,
			"answer_api": cfg.Answer.Provider,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", logutil.Fields{"error": err.Error()})
		}
		return container.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
