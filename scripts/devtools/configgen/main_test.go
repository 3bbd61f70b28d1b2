package main

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestGenerateAppliesOverridesAndShared(t *testing.T) {
	dir := t.TempDir()
	base := "server:\n  addr: 0.0.0.0:8086\ndatabase:\n  driver: mysql\n  dsn: placeholder\nmq:\n  driver: kafka\n"
	if err := os.WriteFile(filepath.Join(dir, "submit.yaml"), []byte(base), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ctl.yaml"), []byte("baseURL: http://x\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	profile := &Profile{
		OutputDir: "out",
		Shared: SharedProfile{
			AuthSecret:   "s3cret",
			DatabaseDSN:  "postgres://judge@db/judge",
			DatabaseType: "postgres",
			KafkaBrokers: []string{"k1:9092", "k2:9092"},
		},
		Services: map[string]ServiceProfile{
			"submit-service": {Base: "submit.yaml", Overrides: map[string]interface{}{
				"server": map[string]interface{}{"addr": "127.0.0.1:9000"},
			}},
			"judgectl": {Base: "ctl.yaml", Output: "judgectl.yaml"},
		},
	}
	if err := generate(profile, dir); err != nil {
		t.Fatalf("generate: %v", err)
	}

	var got struct {
		Server struct {
			Addr string `yaml:"addr"`
		} `yaml:"server"`
		Auth struct {
			Secret string `yaml:"secret"`
		} `yaml:"auth"`
		Database struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
		} `yaml:"database"`
		MQ struct {
			Driver string `yaml:"driver"`
			Kafka  struct {
				Brokers []string `yaml:"brokers"`
			} `yaml:"kafka"`
		} `yaml:"mq"`
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "submit.yaml"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if got.Server.Addr != "127.0.0.1:9000" || got.Auth.Secret != "s3cret" {
		t.Fatalf("override or auth missing: %+v", got)
	}
	if got.Database.Driver != "postgres" || got.Database.DSN != "postgres://judge@db/judge" {
		t.Fatalf("database not shared: %+v", got.Database)
	}
	if got.MQ.Driver != "kafka" || len(got.MQ.Kafka.Brokers) != 2 {
		t.Fatalf("mq not shared: %+v", got.MQ)
	}

	ctl, err := os.ReadFile(filepath.Join(dir, "out", "judgectl.yaml"))
	if err != nil {
		t.Fatalf("read judgectl output: %v", err)
	}
	if string(ctl) != "baseURL: http://x\n" {
		t.Fatalf("judgectl config must pass through untouched: %q", ctl)
	}
}

func TestGenerateRequiresBase(t *testing.T) {
	profile := &Profile{OutputDir: "out", Services: map[string]ServiceProfile{"judge-worker": {}}}
	if err := generate(profile, t.TempDir()); err == nil {
		t.Fatalf("expected error for missing base")
	}
}
