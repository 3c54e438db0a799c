package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/tullo/marketchat/config"
	"github.com/tullo/marketchat/internal/database"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/migrate [up|status]")
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.Log.Level)

	if cfg.GetDSN() == "" {
		return errors.New("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.OpenPostgres(ctx, cfg.GetDSN())
	if err != nil {
		return err
	}
	defer db.Close()

	switch command {
	case "up":
		log.Info("running migrations")
		if err := database.RunMigrations(db.DB, log); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations completed")

	case "status":
		version, err := database.CurrentVersion(db.DB)
		if err != nil {
			return err
		}
		fmt.Printf("Schema version %d of %d\n", version, len(database.Migrations))

	default:
		return fmt.Errorf("unknown command %q, available: up, status", command)
	}
	return nil
}
