package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"giftrelay/internal/cache"
	"giftrelay/internal/config"
	"giftrelay/internal/httpserver"
	"giftrelay/internal/logging"
	"giftrelay/internal/observability"
	"giftrelay/internal/service"
	"giftrelay/internal/store/pg"
	"giftrelay/internal/util"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.Ping(startupCtx); err != nil {
		startupCancel()
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	var inflight cache.Inflight
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		inflight = cache.NewRedis(rdb)
		slog.Info("using redis in-flight dedup", "addr", cfg.RedisAddr)
	} else {
		inflight = cache.NewMemory()
	}

	svc := &service.Outbox{
		Store:       pg.New(db),
		Inflight:    inflight,
		MaxRetries:  cfg.MaxRetries,
		InflightTTL: cfg.InflightTTL,
		TaskIDGen:   util.NewTaskID,
		TimerIDGen:  util.NewTimerID,
	}

	s := httpserver.New()
	api := &httpserver.API{Svc: svc}
	api.Register(s.Mux)

	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}
}
