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

	"github.com/shahmir-m/liber/internal/ratelimit"
	"github.com/shahmir-m/liber/internal/util"
	"github.com/shahmir-m/liber/pkg/telemetry"
	"github.com/shahmir-m/liber/services/recommender/internal/app"
	"github.com/shahmir-m/liber/services/recommender/internal/config"
	"github.com/shahmir-m/liber/services/recommender/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, "recommender")
	sink := telemetry.NewPrometheusSink("liber")

	rt, err := app.Wire(cfg, sink)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer rt.Close()

	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RecommendRateLimitPerMinute > 0 {
		var opts []ratelimit.Option
		if cfg.RateLimitFailOpen {
			opts = append(opts, ratelimit.WithFailOpen())
		}
		limiter, err = ratelimit.NewFixedWindowLimiter(rt.Redis, cfg.CachePrefix+":ratelimit", cfg.RecommendRateLimitPerMinute, time.Minute, opts...)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            rt.App,
		Limiter:        limiter,
		TrustedProxies: proxies,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		Metrics:        sink.Handler(),
		Health:         rt.Ping,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.RequestTimeoutSeconds+15) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("recommender server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
