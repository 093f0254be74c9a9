package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML, TOML or JSON config file")
	flag.Parse()

	_ = godotenv.Load(".env")

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting chatrelay server", "addr", cfg.ListenAddr, "database", cfg.Database.Driver)

	verifier, err := auth.NewJWT(cfg.JWT.Secret, cfg.JWT.TTL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	hub := server.NewHub(cfg, st, verifier, metrics, logger)
	httpServer := server.CreateServer(cfg.ListenAddr, server.SetupRoutes(hub, promhttp.Handler()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// hub closes them before the listener is drained.
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "error", err)
	}
	return server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store.MessageStore, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory message store; messages are lost on restart")
		return store.NewMemory(), func() {}, nil
	case config.DriverPostgres:
		if cfg.Migrate {
			if err := store.Migrate(cfg.URL); err != nil {
				return nil, nil, err
			}
		}
		db, err := store.Open(ctx, cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(db)
		return pg, func() {
			pg.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing database", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
