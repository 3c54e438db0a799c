package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/tullo/marketchat/config"
	"github.com/tullo/marketchat/internal/cache"
	"github.com/tullo/marketchat/internal/database"
	"github.com/tullo/marketchat/internal/devserver"
	"github.com/tullo/marketchat/internal/repository"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	redis, err := cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("running without Redis, live events stay on this instance", "error", err)
		redis = nil
	} else {
		defer redis.Close()
	}

	repos := repository.NewMemorySet()
	if dsn := cfg.GetDSN(); dsn != "" {
		db, err := database.OpenPostgres(ctx, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.RunMigrations(db.DB, log); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		repos = repository.NewPostgresSet(db)
		log.Info("using postgres storage")
	} else {
		log.Info("using in-memory storage, data is lost on exit")
	}

	server := devserver.New(cfg, repos, redis, log)
	if !cfg.IsProduction() {
		users, err := server.Seed(cfg.Server.SeedPassword)
		if err != nil {
			return fmt.Errorf("failed to seed demo data: %w", err)
		}
		for _, u := range users {
			log.Info("demo user", "id", u.ID, "email", u.Email, "name", u.DisplayName)
		}
	}
	go server.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting chat server", "addr", httpServer.Addr, "env", cfg.Server.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
