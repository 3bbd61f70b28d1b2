package main

import (
	"fmt"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/config"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/judge/judgeclient"
	"judgeflow/internal/judge/worker"
	"judgeflow/internal/submission/event"
	"judgeflow/internal/submission/repository"
	"judgeflow/pkg/utils/logger"
)

const (
	defaultHealthAddr      = "0.0.0.0:8087"
	defaultShutdownTimeout = 30 * time.Second
)

// QueueConfig selects the broker driver and the job subscription.
type QueueConfig struct {
	// Driver is "kafka" or "memory".
	Driver      string              `yaml:"driver"`
	Kafka       mq.KafkaConfig      `yaml:"kafka"`
	Topics      []mq.WeightedTopic  `yaml:"topics"`
	Subscribe   mq.SubscribeOptions `yaml:"subscribe"`
	EventsTopic string              `yaml:"eventsTopic"`
}

// WorkerConfig holds judge execution settings.
type WorkerConfig struct {
	StatusTTL time.Duration        `yaml:"statusTTL"`
	Timeouts  worker.TimeoutConfig `yaml:"timeouts"`
}

// AppConfig holds judge-worker configuration.
type AppConfig struct {
	HealthAddr string             `yaml:"healthAddr"`
	Logger     logger.Config      `yaml:"logger"`
	Database   db.Config          `yaml:"database"`
	Redis      cache.RedisConfig  `yaml:"redis"`
	Queue      QueueConfig        `yaml:"mq"`
	Judge      judgeclient.Config `yaml:"judge"`
	Worker     WorkerConfig       `yaml:"worker"`
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
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = defaultHealthAddr
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Judge.BaseURL == "" {
		return fmt.Errorf("judge baseURL is required")
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "kafka"
	}
	if cfg.Queue.Driver != "kafka" && cfg.Queue.Driver != "memory" {
		return fmt.Errorf("unsupported mq driver %q", cfg.Queue.Driver)
	}
	if len(cfg.Queue.Topics) == 0 {
		cfg.Queue.Topics = worker.DefaultTopics()
	}
	for _, t := range cfg.Queue.Topics {
		if t.Topic == "" || t.Weight <= 0 {
			return fmt.Errorf("invalid topic weight for %q: %d", t.Topic, t.Weight)
		}
	}
	if cfg.Queue.EventsTopic == "" {
		cfg.Queue.EventsTopic = event.DefaultTopic
	}
	if cfg.Worker.StatusTTL == 0 {
		cfg.Worker.StatusTTL = repository.DefaultStatusTTL
	}
	if cfg.Worker.Timeouts.DB == 0 {
		cfg.Worker.Timeouts.DB = 3 * time.Second
	}
	if cfg.Worker.Timeouts.Cache == 0 {
		cfg.Worker.Timeouts.Cache = time.Second
	}
	if cfg.Worker.Timeouts.MQ == 0 {
		cfg.Worker.Timeouts.MQ = 3 * time.Second
	}
	return nil
}
