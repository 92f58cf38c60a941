package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coinvault/custodian/internal/chain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Regtest {
		t.Errorf("expected regtest, got %s", cfg.Network)
	}
	if cfg.Node.Timeout != 10*time.Second {
		t.Errorf("expected node timeout 10s, got %v", cfg.Node.Timeout)
	}
	if cfg.Node.MaxRetries != 2 {
		t.Errorf("expected MaxRetries 2, got %d", cfg.Node.MaxRetries)
	}
	if cfg.Price.Mode != PriceModeFixed {
		t.Errorf("expected fixed price mode, got %s", cfg.Price.Mode)
	}
	if cfg.Price.Fixed != 30000 {
		t.Errorf("expected fixed price 30000, got %v", cfg.Price.Fixed)
	}
	if cfg.Settlement.ConfirmTransfer {
		t.Error("expected ConfirmTransfer to be false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, dir)
	}

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Custodian Configuration") {
		t.Error("config file missing header")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Network = chain.Testnet
	cfg.Price.Mode = PriceModeMempool
	cfg.Settlement.ConfirmTransfer = true
	cfg.Settlement.PollInterval = 250 * time.Millisecond
	cfg.Vault.Password = "not-persisted"

	if err := cfg.Save(Path(dir)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Network != chain.Testnet {
		t.Errorf("Network = %s, want testnet", loaded.Network)
	}
	if loaded.Price.Mode != PriceModeMempool {
		t.Errorf("Price.Mode = %s, want mempool", loaded.Price.Mode)
	}
	if !loaded.Settlement.ConfirmTransfer {
		t.Error("ConfirmTransfer not persisted")
	}
	if loaded.Settlement.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", loaded.Settlement.PollInterval)
	}
	if loaded.Vault.Password != "" {
		t.Error("vault password must never be written to disk")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvVaultWIF, "cVt4o7BGAig1UXywgGSmARhxMdzP5qvQsxKkSsc1XEkw3tDTQFpy")
	t.Setenv(EnvVaultPassword, "hunter2")
	t.Setenv(EnvPaymentsSecret, "secret")
	t.Setenv(EnvNodeRPCPass, "rpcpass")
	t.Setenv(EnvLogLevel, "debug")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Vault.WIF == "" || cfg.Vault.Password != "hunter2" {
		t.Error("vault secrets not applied")
	}
	if cfg.Payments.Secret != "secret" {
		t.Errorf("Payments.Secret = %q", cfg.Payments.Secret)
	}
	if cfg.Node.Password != "rpcpass" {
		t.Errorf("Node.Password = %q", cfg.Node.Password)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestApplyEnvLeavesUnsetValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Password = "from-file"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Node.Password != "from-file" {
		t.Errorf("Node.Password = %q, want file value kept", cfg.Node.Password)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"bad network", func(c *Config) { c.Network = "dogenet" }, "unknown network"},
		{"no vault", func(c *Config) { c.Vault.Keystore = "" }, "one of wif or keystore"},
		{"both vault sources", func(c *Config) { c.Vault.WIF = "x" }, "mutually exclusive"},
		{"zero fixed price", func(c *Config) { c.Price.Fixed = 0 }, "price.fixed"},
		{"bad price mode", func(c *Config) { c.Price.Mode = "oracle" }, "price.mode"},
		{"zero timeout", func(c *Config) { c.Node.Timeout = 0 }, "node.timeout"},
		{"confirm without interval", func(c *Config) {
			c.Settlement.ConfirmTransfer = true
			c.Settlement.PollInterval = 0
		}, "poll_interval"},
		{"negative purchase limit", func(c *Config) { c.RPC.PurchaseLimit = -1 }, "purchase_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/var/lib/custodian"

	if got := cfg.KeystorePath(); got != "/var/lib/custodian/vault.json" {
		t.Errorf("KeystorePath() = %s", got)
	}
	if got := cfg.DatabasePath(); got != "/var/lib/custodian/custodian.db" {
		t.Errorf("DatabasePath() = %s", got)
	}

	cfg.Vault.Keystore = "/etc/custodian/vault.json"
	if got := cfg.KeystorePath(); got != "/etc/custodian/vault.json" {
		t.Errorf("absolute KeystorePath() = %s", got)
	}
}
