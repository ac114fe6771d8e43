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
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"giftrelay/internal/channel/telegram"
	"giftrelay/internal/config"
	"giftrelay/internal/httpserver"
	"giftrelay/internal/logging"
	"giftrelay/internal/observability"
	"giftrelay/internal/poll"
	"giftrelay/internal/store/pg"
	"giftrelay/internal/sweep"
	"giftrelay/internal/util"
	workerproc "giftrelay/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
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
	store := pg.New(db)

	tg := telegram.New(cfg.BotToken)
	tg.BaseURL = cfg.BotBaseURL
	tg.HTTP = &http.Client{Timeout: cfg.SendTimeout + 5*time.Second}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	processor := &workerproc.Processor{
		Store:       store,
		Channel:     tg,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.SendRPS), cfg.SendBurst),
		Breaker:     breaker,
		SendTimeout: cfg.SendTimeout,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Concurrency: cfg.Concurrency,
		AdminChatID: cfg.AdminChatID,
		MaxRetries:  cfg.MaxRetries,
		IDGen:       util.NewTaskID,
	}

	deliveryLoop, err := poll.NewLoop("delivery", cfg.PollInterval, func(ctx context.Context) {
		processor.RunBatch(ctx, cfg.BatchSize)
	})
	if err != nil {
		slog.Error("delivery loop init failed", "err", err)
		os.Exit(1)
	}

	sweeper := &sweep.Sweeper{Store: store, StuckTimeout: cfg.StuckTimeout}
	sweepLoop, err := poll.NewLoop("sweep", cfg.SweepInterval, sweeper.Tick)
	if err != nil {
		slog.Error("sweep loop init failed", "err", err)
		os.Exit(1)
	}

	deliveryLoop.Start()
	sweepLoop.Start()

	healthSrv := healthServer(cfg.Port, db.Ping)
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
		}
	}

	deliveryLoop.Stop()
	sweepLoop.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
}

func healthServer(port string, ping func(context.Context) error) *http.Server {
	s := httpserver.New()
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, ping))
	return &http.Server{
		Addr:    ":" + port,
		Handler: httpserver.Logging(s.Mux),
	}
}
