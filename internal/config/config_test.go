package config

import (
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.MatchRadiusM != 50_000 {
		t.Fatalf("unexpected radius %f", cfg.MatchRadiusM)
	}
	if cfg.CostPerKM != 0.4 {
		t.Fatalf("unexpected rate %f", cfg.CostPerKM)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("MATCH_RADIUS_M", "10000")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("NOTIFY_BACKOFF", "1s")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MatchRadiusM != 10_000 {
		t.Fatalf("unexpected radius %f", cfg.MatchRadiusM)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.NotifyBackoff != time.Second {
		t.Fatalf("unexpected backoff %v", cfg.NotifyBackoff)
	}
}

func TestLoadServerConfigRejectsBadValues(t *testing.T) {
	t.Setenv("MATCH_RADIUS_M", "-1")
	t.Setenv("HTTP_READ_TIMEOUT", "nonsense")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected error")
	}
}
