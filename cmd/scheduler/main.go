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

	"giftrelay/internal/config"
	"giftrelay/internal/httpserver"
	"giftrelay/internal/logging"
	"giftrelay/internal/observability"
	"giftrelay/internal/poll"
	"giftrelay/internal/scheduler"
	"giftrelay/internal/store/pg"
	"giftrelay/internal/util"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
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

	sched := &scheduler.Scheduler{
		Store:      pg.New(db),
		BatchSize:  cfg.BatchSize,
		MaxRetries: cfg.MaxRetries,
		IDGen:      util.NewTaskID,
	}

	tickLoop, err := poll.NewLoop("timer-scheduler", cfg.TickInterval, sched.Tick)
	if err != nil {
		slog.Error("scheduler loop init failed", "err", err)
		os.Exit(1)
	}
	tickLoop.Start()

	s := httpserver.New()
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, func(ctx context.Context) error {
		return db.Ping(ctx)
	}))
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	srvErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		srvErrCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler health server failed", "err", err)
		}
	}

	tickLoop.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
