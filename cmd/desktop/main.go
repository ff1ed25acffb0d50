package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvPrefix+"CONFIG"), ".env")
	if err != nil {
		logging.Init(os.Stderr, logging.LevelInfo)
		logging.Error("Failed to load config", err)
		os.Exit(1)
	}
	logging.Init(os.Stderr, cfg.Level())
	if cfg.Level() != logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		logging.Error("Desktop server stopped", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := NewWSHub(cfg.HTTP.AllowOrigins)
	defer hub.Close()
	go hub.Follow(ctx, a.Coordinator.Watch(ctx))

	a.Start()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(a, hub, cfg.HTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{"addr": cfg.HTTP.Addr, "data_dir": cfg.DataDir})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down desktop server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
