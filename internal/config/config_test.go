package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbols: ["BTC_USDT", "ETH_USDT"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.REST.BaseURL != "https://api.pionex.com" {
		t.Fatalf("unexpected base url %q", cfg.REST.BaseURL)
	}
	if cfg.Limits.MaxPerSec != 10 {
		t.Fatalf("expected default rate limit 10, got %d", cfg.Limits.MaxPerSec)
	}
	if cfg.Trading.PositionUSDT != 25 {
		t.Fatalf("expected default notional 25, got %v", cfg.Trading.PositionUSDT)
	}
	if cfg.Trading.MaxOpenTradesPerSymbol != 1 {
		t.Fatalf("expected per-symbol cap 1, got %d", cfg.Trading.MaxOpenTradesPerSymbol)
	}
	if cfg.Trading.IdleBackoff != 24*time.Second {
		t.Fatalf("expected idle backoff 24s, got %s", cfg.Trading.IdleBackoff)
	}
	if cfg.Signal.Mode != "zscore" || cfg.Signal.Direction != "contrarian" {
		t.Fatalf("unexpected signal defaults %q/%q", cfg.Signal.Mode, cfg.Signal.Direction)
	}
	if cfg.Signal.EWMLambda != 0.94 {
		t.Fatalf("expected lambda 0.94, got %v", cfg.Signal.EWMLambda)
	}
	if cfg.Exit.MinHold != 25*time.Second {
		t.Fatalf("expected min hold 25s, got %s", cfg.Exit.MinHold)
	}
	if cfg.Exec.EntryTimeout != 3*time.Second || cfg.Exec.ExitTimeout != 2*time.Second {
		t.Fatalf("unexpected exec timeouts %s/%s", cfg.Exec.EntryTimeout, cfg.Exec.ExitTimeout)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing symbols", `
trading:
  position_usdt: 10
`},
		{"negative notional", `
trading:
  symbols: ["BTC_USDT"]
  position_usdt: -5
`},
		{"bad lambda", `
trading:
  symbols: ["BTC_USDT"]
signal:
  ewm_lambda: 1.5
`},
		{"bad mode", `
trading:
  symbols: ["BTC_USDT"]
signal:
  mode: quantile
`},
		{"bad direction", `
trading:
  symbols: ["BTC_USDT"]
signal:
  direction: sideways
`},
		{"history without dsn", `
trading:
  symbols: ["BTC_USDT"]
history:
  enabled: true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
