package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/scraper/internal/app"
	"github.com/shahmir-m/liber/services/scraper/internal/config"
	"github.com/shahmir-m/liber/services/scraper/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "scraper")
	sink := telemetry.NewPrometheusSink("liber")

	rt, err := app.Wire(cfg, sink)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer rt.Close()

	httpServer, err := server.New(server.Config{
		App:           rt.App,
		InternalToken: cfg.InternalToken,
		Metrics:       sink.Handler(),
		Health:        rt.Ping,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rt.App.Start(ctx, cfg.QueueConcurrency)
	slog.Info("scrape workers started", "concurrency", cfg.QueueConcurrency, "stream", cfg.QueueStream)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("scraper server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
