package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string        `envconfig:"DB_DSN" required:"true"`
	Port        string        `envconfig:"PORT" default:"8080"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`
	MaxRetries  int           `envconfig:"TASK_MAX_RETRIES" default:"5"`
	InflightTTL time.Duration `envconfig:"INFLIGHT_TTL" default:"10s"`

	// Optional shared in-flight dedup cache; empty means a per-process
	// in-memory cache.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

type WorkerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	PollInterval time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"2s"`
	BatchSize    int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	Concurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"2"`

	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT" default:"15s"`
	BackoffBase  time.Duration `envconfig:"RETRY_BACKOFF_BASE" default:"30s"`
	BackoffCap   time.Duration `envconfig:"RETRY_BACKOFF_CAP" default:"30m"`
	MaxRetries   int           `envconfig:"TASK_MAX_RETRIES" default:"5"`
	StuckTimeout time.Duration `envconfig:"PROCESSING_STUCK_TIMEOUT" default:"5m"`

	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// Telegram
	BotToken    string  `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	BotBaseURL  string  `envconfig:"TELEGRAM_BASE_URL" default:"https://api.telegram.org"`
	AdminChatID int64   `envconfig:"ADMIN_CHAT_ID"`
	SendRPS     float64 `envconfig:"SEND_RPS" default:"20"`
	SendBurst   int     `envconfig:"SEND_BURST" default:"5"`
}

type SchedulerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"60s"`
	BatchSize    int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"200"`
	MaxRetries   int           `envconfig:"TASK_MAX_RETRIES" default:"5"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
