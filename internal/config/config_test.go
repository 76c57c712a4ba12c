package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("IFARMA_MERCHANT_DEBOUNCE", "")
	t.Setenv("IFARMA_RUSH_THRESHOLD", "")
	t.Setenv("IFARMA_STORE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify.MerchantDebounce != 2*time.Second {
		t.Errorf("expected 2s debounce, got %s", cfg.Notify.MerchantDebounce)
	}
	if cfg.Notify.RushThreshold != 10 {
		t.Errorf("expected rush threshold 10, got %d", cfg.Notify.RushThreshold)
	}
	if cfg.Notify.ProximityRadiusKm != 1.0 {
		t.Errorf("expected proximity radius 1km, got %f", cfg.Notify.ProximityRadiusKm)
	}
	if cfg.Store.Mode != StoreModePostgres {
		t.Errorf("expected postgres store, got %s", cfg.Store.Mode)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("IFARMA_STORE", StoreModeMemory)
	t.Setenv("IFARMA_SIMULATOR", "true")
	t.Setenv("IFARMA_SIMULATOR_TICK", "250ms")
	t.Setenv("IFARMA_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("IFARMA_DISPATCH_CANDIDATES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Mode != StoreModeMemory {
		t.Errorf("expected memory store, got %s", cfg.Store.Mode)
	}
	if !cfg.Simulator.Enabled || cfg.Simulator.Tick != 250*time.Millisecond {
		t.Errorf("unexpected simulator config: %+v", cfg.Simulator)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected cors origins: %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.Dispatch.CandidateLimit != 20 {
		t.Errorf("invalid int must fall back to default, got %d", cfg.Dispatch.CandidateLimit)
	}
}
