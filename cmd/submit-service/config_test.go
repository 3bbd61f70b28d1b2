package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("JUDGEFLOW_TEST_DSN", "judge:judge@tcp(db:3306)/judgeflow")
	path := filepath.Join(t.TempDir(), "submit.yaml")
	body := "auth:\n  secret: s\ndatabase:\n  dsn: ${JUDGEFLOW_TEST_DSN}\nredis:\n  addr: 127.0.0.1:6379\nmq:\n  driver: memory\nworker:\n  enabled: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "judge:judge@tcp(db:3306)/judgeflow" {
		t.Fatalf("env not expanded: %q", cfg.Database.DSN)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Submit.Topics.Contest != "judge.jobs.contest" || cfg.Submit.Topics.Rejudge != "judge.jobs.rejudge" {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Server, cfg.Submit.Topics)
	}
	if cfg.Submit.IdempotencyTTL != 10*time.Minute || cfg.Notify.EventsTopic != "submission.events" || cfg.Worker.Concurrency != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestApplyDefaultsRejects(t *testing.T) {
	valid := func() AppConfig {
		var cfg AppConfig
		cfg.Auth.Secret = "s"
		cfg.Database.DSN = "dsn"
		cfg.Redis.Addr = "redis:6379"
		return cfg
	}
	cases := map[string]func(*AppConfig){
		"missing secret":   func(c *AppConfig) { c.Auth.Secret = "" },
		"missing dsn":      func(c *AppConfig) { c.Database.DSN = "" },
		"missing redis":    func(c *AppConfig) { c.Redis.Addr = "" },
		"unknown driver":   func(c *AppConfig) { c.Queue.Driver = "nats" },
		"archive unbucket": func(c *AppConfig) { c.Archive.Enabled = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			if err := applyDefaults(&cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
