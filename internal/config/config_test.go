package config

import (
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Worker: WorkerConfig{Interval: 3 * time.Second, MaxPerTick: 50},
		Oracle: OracleConfig{
			FreshTTL: 30 * time.Minute,
			StaleTTL: 72 * time.Hour,
		},
		Export: ExportConfig{MaxDataPoints: 1000},
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsInvertedCacheHorizons(t *testing.T) {
	cfg := baseConfig()
	cfg.Oracle.StaleTTL = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatal("stale_ttl shorter than fresh_ttl should be rejected")
	}
}

func TestValidateRejectsZeroMaxPerTick(t *testing.T) {
	cfg := baseConfig()
	cfg.Worker.MaxPerTick = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("max_per_tick 0 should be rejected")
	}
}

func TestValidateSourceTypes(t *testing.T) {
	cfg := baseConfig()
	cfg.Oracle.Sources = []SourceConfig{{Name: "x", Type: "ftp"}}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "http or chain") {
		t.Fatalf("unknown source type should be rejected, got %v", err)
	}

	cfg.Oracle.Sources = []SourceConfig{{Name: "gecko", Type: "http"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("http source without url should be rejected")
	}

	cfg.Oracle.Sources = []SourceConfig{{Name: "link", Type: "chain", RPCURL: "http://localhost:8545"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("chain source without aggregator address should be rejected")
	}

	cfg.Oracle.Sources = []SourceConfig{
		{Name: "gecko", Type: "http", URL: "https://example.com/price"},
		{Name: "link", Type: "chain", RPCURL: "http://localhost:8545", AggregatorAddress: "0xabc"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("well-formed sources rejected: %v", err)
	}
}

func TestValidateWebhookRequiredWhenEnabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Notify.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("enabled notify without webhook url should be rejected")
	}
}
