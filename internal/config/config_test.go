package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
dry_run: true
wallet:
  private_key: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
  chain_id: 137
  signature_type: 0
api:
  clob_base_url: "https://clob.example.com"
  gamma_base_url: "https://gamma.example.com"
  data_base_url: "https://data.example.com"
  ws_market_url: "wss://ws.example.com/market"
  ws_user_url: "wss://ws.example.com/user"
chain:
  rpc_endpoints:
    - "https://rpc-a.example.com"
    - "https://rpc-b.example.com"
  ws_endpoint: "wss://rpc-a.example.com"
  ctf_address: "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
  usdc_address: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if !cfg.DryRun {
		t.Error("dry_run not loaded")
	}
	if cfg.Scorer.FeeCoeff != 0.0624 {
		t.Errorf("fee_coeff default = %v, want 0.0624", cfg.Scorer.FeeCoeff)
	}
	if cfg.Scorer.MinPayout(15) != 1.72 || cfg.Scorer.MinPayout(5) != 1.75 {
		t.Error("payout floors defaults wrong")
	}
	if cfg.Risk.SyncInterval.Seconds() != 2 {
		t.Errorf("risk sync interval default = %v", cfg.Risk.SyncInterval)
	}
	if cfg.Store.SeenRing != 4096 {
		t.Errorf("seen ring default = %d", cfg.Store.SeenRing)
	}
	if cfg.Execution.MakerHold(5) >= cfg.Execution.MakerHold(15) {
		t.Error("5m maker hold must be tighter than 15m")
	}
}

func TestValidateRejectsMissingWallet(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Wallet.PrivateKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing private key")
	}
}

func TestValidateRejectsProxyWithoutFunder(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Wallet.SignatureType = 1
	cfg.Wallet.FunderAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for proxy signature without funder")
	}
}

func TestValidateRejectsNoDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Rounds.Enable5m = false
	cfg.Rounds.Enable15m = false
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when both durations disabled")
	}
}

func TestEnvOverridesDryRun(t *testing.T) {
	t.Setenv("POLY_DRY_RUN", "1")
	body := strings.Replace(minimalYAML, "dry_run: true", "dry_run: false", 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.DryRun {
		t.Error("POLY_DRY_RUN=1 must force dry run")
	}
}

func TestDurationScopedGates(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scorer.MinScore(5) < cfg.Scorer.MinScore(15) {
		t.Error("5m score gate should be at least as strict as 15m")
	}
	if cfg.Scorer.MinTrueProb(5) < cfg.Scorer.MinTrueProb(15) {
		t.Error("5m prob gate should be at least as strict as 15m")
	}
	if cfg.Execution.TakerSlipBps(5) > cfg.Execution.TakerSlipBps(15) {
		t.Error("5m slip cap should be tighter")
	}
}
