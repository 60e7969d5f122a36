package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/username/chatstate/internal/adapters/storage/sqlite"
	"github.com/username/chatstate/internal/pkg/logutil"
	"github.com/username/chatstate/pkg/config"
)

func main() {
	var (
		configPath string
		status     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&status, "status", false, "List applied migrations without running new ones")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logutil.FromSettings(cfg.Logging.Level, cfg.Logging.Format)

	storage, err := sqlite.NewAdapter(cfg.Database.Path, cfg.Database.MigrationsPath)
	if err != nil {
		logger.Fatal("Failed to initialize storage", logutil.Fields{"error": err.Error()})
	}
	defer storage.Close()

	ctx := context.Background()
	if !status {
		logger.Info("Running database migrations", logutil.Fields{
			"database":   cfg.Database.Path,
			"migrations": cfg.Database.MigrationsPath,
		})
		if err := storage.Migrate(ctx); err != nil {
			logger.Fatal("Migration failed", logutil.Fields{"error": err.Error()})
		}
	}

	applied, err := storage.AppliedMigrations(ctx)
	if err != nil {
		logger.Fatal("Failed to list migrations", logutil.Fields{"error": err.Error()})
	}
	logger.Info("Migrations completed successfully", logutil.Fields{
		"applied": applied,
		"count":   len(applied),
	})
}
