package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.Streams.Option.Name != "md:ticks:opt" || cfg.Streams.Option.MaxLen != 8_000_000 {
		t.Errorf("option stream = %+v", cfg.Streams.Option)
	}
	if cfg.Archiver.BatchSize != 8000 || cfg.Archiver.Compression != "zstd" {
		t.Errorf("archiver = %+v", cfg.Archiver)
	}
	if cfg.FlushInterval() != 10*time.Second {
		t.Errorf("flush interval = %v", cfg.FlushInterval())
	}
	if cfg.CacheRefresh() != 3*time.Second {
		t.Errorf("cache refresh = %v", cfg.CacheRefresh())
	}
	if cfg.Feed.MaxSubs != 950 || cfg.Feed.SubscribeBatch != 50 {
		t.Errorf("feed = %+v", cfg.Feed)
	}
	if cfg.RequestDelay() != 120*time.Millisecond {
		t.Errorf("request delay = %v", cfg.RequestDelay())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdlake.yaml")
	body := `
redis:
  addr: redis.internal:6380
archiver:
  batch_size: 100
  compression: snappy
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.Archiver.BatchSize != 100 || cfg.Archiver.Compression != "snappy" {
		t.Errorf("archiver overrides not applied: %+v", cfg.Archiver)
	}
	// Untouched keys keep their defaults.
	if cfg.Streams.Equity.Name != "md:ticks:eq" {
		t.Errorf("equity stream default lost: %q", cfg.Streams.Equity.Name)
	}
}

func TestBrokerCredentialsFromEnv(t *testing.T) {
	t.Setenv("MDLAKE_BROKER_API_KEY", "key")
	t.Setenv("MDLAKE_BROKER_CLIENT_CODE", "A123456")
	t.Setenv("MDLAKE_BROKER_PIN", "0000")
	t.Setenv("MDLAKE_BROKER_TOTP", "123456")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateBroker(); err != nil {
		t.Errorf("ValidateBroker with full env: %v", err)
	}
	if cfg.Broker.ClientCode != "A123456" {
		t.Errorf("client code = %q", cfg.Broker.ClientCode)
	}
}

func TestValidateBrokerRejectsMissingCredentials(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateBroker(); err == nil {
		t.Fatal("want error for missing credentials")
	}
}

func TestLoadSymbols(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.txt")
	body := "tcs\n\nRELIANCE\n  infy  \nTCS\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSymbols(path)
	if err != nil {
		t.Fatalf("LoadSymbols: %v", err)
	}
	want := []string{"TCS", "RELIANCE", "INFY"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("symbols = %v, want %v", got, want)
	}
}

func TestLoadSymbolsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.txt")
	if err := os.WriteFile(path, []byte("\n\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSymbols(path); err == nil {
		t.Fatal("want error for empty watchlist")
	}
}

func TestLoadSymbolsMissingFile(t *testing.T) {
	if _, err := LoadSymbols(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("want error for missing watchlist file")
	}
}
