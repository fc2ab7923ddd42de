package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAgentConfigDefaults(t *testing.T) {
	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.OfferCapacity != 2 {
		t.Fatalf("expected capacity 2, got %d", cfg.OfferCapacity)
	}
	if cfg.AcceptTimeout != 10*time.Second || cfg.EmitInterval != 5*time.Second || cfg.SampleInterval != 5*time.Second {
		t.Fatalf("unexpected timer defaults: %+v", cfg)
	}
	if cfg.MinMovementM != 5 || cfg.SensorMinDisplacementM != 10 {
		t.Fatalf("unexpected displacement defaults: %+v", cfg)
	}
}

func TestLoadAgentConfigEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_CAPACITY", "3")
	t.Setenv("TELEMETRY_EMIT_INTERVAL", "2s")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OfferCapacity != 3 || cfg.EmitInterval != 2*time.Second {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadAgentConfigCollectsErrors(t *testing.T) {
	t.Setenv("DISPATCH_ACCEPT_TIMEOUT", "soon")
	t.Setenv("DISPATCH_OFFER_CAPACITY", "0")
	t.Setenv("DRIVER_CHANNEL_URL", "http://not-a-socket")
	_, err := LoadAgentConfig()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"DISPATCH_ACCEPT_TIMEOUT", "DISPATCH_OFFER_CAPACITY", "DRIVER_CHANNEL_URL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestLoadAgentConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(file, []byte("DISPATCH_OFFER_TTL: 45s\nDRIVER_API_BASE_URL: https://api.example.test/\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DRIVER_CONFIG", file)
	cfg, err := LoadAgentConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OfferTTL != 45*time.Second {
		t.Fatalf("expected 45s ttl, got %s", cfg.OfferTTL)
	}
	if cfg.APIBaseURL != "https://api.example.test" {
		t.Fatalf("expected trimmed base url, got %q", cfg.APIBaseURL)
	}
}
