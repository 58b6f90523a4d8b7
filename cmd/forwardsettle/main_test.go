package main

import (
	"testing"
	"time"

	"SettledForward/internal/service"
)

func TestDefaultConfig_Env(t *testing.T) {
	t.Setenv("FWD_CONFIG_CACHE_SIZE", "128")
	t.Setenv("FWD_PERSIST_FLUSH_MS", "5")
	t.Setenv("FWD_NATS_URL", "")

	cfg := DefaultConfig()
	if cfg.ConfigCacheSize != 128 {
		t.Errorf("config cache size: got %d, want 128", cfg.ConfigCacheSize)
	}
	if cfg.PersistFlushTimeout != 5*time.Millisecond {
		t.Errorf("flush timeout: got %v, want 5ms", cfg.PersistFlushTimeout)
	}
	if cfg.NATSURL != "" {
		t.Errorf("an empty FWD_NATS_URL disables NATS, got %q", cfg.NATSURL)
	}
}

func TestDefaultConfig_CacheSizeDefault(t *testing.T) {
	t.Setenv("FWD_CONFIG_CACHE_SIZE", "not-a-number")
	if got := DefaultConfig().ConfigCacheSize; got != service.DefaultCacheCapacity {
		t.Errorf("config cache size: got %d, want %d", got, service.DefaultCacheCapacity)
	}
}
