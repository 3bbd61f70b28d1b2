package main

import (
	"fmt"
	"time"

	"judgeflow/internal/common/auth"
	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/config"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/judge/worker"
	"judgeflow/internal/notify"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/ratelimit"
	"judgeflow/internal/submission/repository"
	"judgeflow/internal/submission/service"
	"judgeflow/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// QueueConfig selects the broker driver.
type QueueConfig struct {
	// Driver is "kafka" or "memory".
	Driver string         `yaml:"driver"`
	Kafka  mq.KafkaConfig `yaml:"kafka"`
}

// ArchiveConfig enables the MinIO source archive when Enabled is set.
type ArchiveConfig struct {
	Enabled bool                `yaml:"enabled"`
	Bucket  string              `yaml:"bucket"`
	Prefix  string              `yaml:"prefix"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	MaxCodeBytes   int                   `yaml:"maxCodeBytes"`
	MaxStdinBytes  int                   `yaml:"maxStdinBytes"`
	IdempotencyTTL time.Duration         `yaml:"idempotencyTTL"`
	ResultTTL      time.Duration         `yaml:"resultTTL"`
	StatusTTL      time.Duration         `yaml:"statusTTL"`
	Topics         service.TopicConfig   `yaml:"topics"`
	Timeouts       service.TimeoutConfig `yaml:"timeouts"`
	Languages      map[string]int        `yaml:"languages"`
}

// NotifyConfig holds websocket fanout settings.
type NotifyConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	EventsTopic string               `yaml:"eventsTopic"`
	GroupPrefix string               `yaml:"groupPrefix"`
	Handler     notify.HandlerConfig `yaml:"handler"`
}

// EmbeddedWorkerConfig runs a judge worker inside this process, for use with the memory driver.
type EmbeddedWorkerConfig struct {
	Enabled     bool                 `yaml:"enabled"`
	Concurrency int                  `yaml:"concurrency"`
	Judge       judgeclient.Config   `yaml:"judge"`
	Timeouts    worker.TimeoutConfig `yaml:"timeouts"`
}

// AppConfig holds submit-service configuration.
type AppConfig struct {
	Server    ServerConfig         `yaml:"server"`
	Logger    logger.Config        `yaml:"logger"`
	Auth      auth.Config          `yaml:"auth"`
	Database  db.Config            `yaml:"database"`
	Redis     cache.RedisConfig    `yaml:"redis"`
	Queue     QueueConfig          `yaml:"mq"`
	Archive   ArchiveConfig        `yaml:"archive"`
	RateLimit ratelimit.Config     `yaml:"rateLimit"`
	Submit    SubmitConfig         `yaml:"submit"`
	Notify    NotifyConfig         `yaml:"notify"`
	Worker    EmbeddedWorkerConfig `yaml:"worker"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := config.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "kafka"
	}
	if cfg.Queue.Driver != "kafka" && cfg.Queue.Driver != "memory" {
		return fmt.Errorf("unsupported mq driver %q", cfg.Queue.Driver)
	}

	def := service.DefaultTopics()
	if cfg.Submit.Topics.Contest == "" {
		cfg.Submit.Topics.Contest = def.Contest
	}
	if cfg.Submit.Topics.Practice == "" {
		cfg.Submit.Topics.Practice = def.Practice
	}
	if cfg.Submit.Topics.Run == "" {
		cfg.Submit.Topics.Run = def.Run
	}
	if cfg.Submit.Topics.Rejudge == "" {
		cfg.Submit.Topics.Rejudge = def.Rejudge
	}
	if cfg.Submit.IdempotencyTTL == 0 {
		cfg.Submit.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Submit.ResultTTL == 0 {
		cfg.Submit.ResultTTL = repository.DefaultResultTTL
	}
	if cfg.Submit.StatusTTL == 0 {
		cfg.Submit.StatusTTL = repository.DefaultStatusTTL
	}
	if cfg.Submit.Timeouts.DB == 0 {
		cfg.Submit.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Cache == 0 {
		cfg.Submit.Timeouts.Cache = time.Second
	}
	if cfg.Submit.Timeouts.MQ == 0 {
		cfg.Submit.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Storage == 0 {
		cfg.Submit.Timeouts.Storage = 5 * time.Second
	}

	if cfg.Notify.EventsTopic == "" {
		cfg.Notify.EventsTopic = event.DefaultTopic
	}
	if cfg.Notify.GroupPrefix == "" {
		cfg.Notify.GroupPrefix = "submission-notify"
	}
	if cfg.Worker.Enabled && cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when the archive is enabled")
	}
	return nil
}
