// Package config holds the custodian daemon configuration.
// Values are read from config.yaml in the data directory; secrets may also
// come from the environment so they never have to be written to disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/coinvault/custodian/internal/chain"
)

// Environment variables consulted by ApplyEnv.
const (
	EnvVaultWIF       = "CUSTODIAN_VAULT_WIF"
	EnvVaultPassword  = "CUSTODIAN_VAULT_PASSWORD"
	EnvPaymentsSecret = "CUSTODIAN_PAYMENTS_SECRET"
	EnvNodeRPCPass    = "CUSTODIAN_NODE_RPC_PASS"
	EnvLogLevel       = "CUSTODIAN_LOG_LEVEL"
)

// Price modes.
const (
	PriceModeFixed   = "fixed"
	PriceModeMempool = "mempool"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Network is mainnet, testnet, signet or regtest.
	Network chain.Network `yaml:"network"`

	Node       NodeConfig       `yaml:"node"`
	Vault      VaultConfig      `yaml:"vault"`
	Price      PriceConfig      `yaml:"price"`
	Payments   PaymentsConfig   `yaml:"payments"`
	Settlement SettlementConfig `yaml:"settlement"`
	RPC        RPCConfig        `yaml:"rpc"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// NodeConfig points at the Bitcoin Core node.
type NodeConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`

	// Wallet is the node wallet used for getreceivedbyaddress.
	Wallet string `yaml:"wallet"`

	// Timeout bounds every RPC round trip.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is how many times read-only calls are retried on timeout.
	MaxRetries int `yaml:"max_retries"`
}

// VaultConfig provisions the single custodial key.
// Exactly one of WIF or Keystore must be set.
type VaultConfig struct {
	WIF string `yaml:"wif,omitempty"`

	// Keystore is an encrypted mnemonic file, relative to the data dir.
	Keystore string `yaml:"keystore,omitempty"`
	Password string `yaml:"-"`

	// Address, if set, must match the key's P2WPKH address.
	Address string `yaml:"address,omitempty"`

	// LockFile enables a cross-process lock around sends. Empty means an
	// in-process mutex.
	LockFile string `yaml:"lock_file,omitempty"`
}

// PriceConfig selects the BTC/USD quote source.
type PriceConfig struct {
	Mode    string        `yaml:"mode"`
	Fixed   float64       `yaml:"fixed"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PaymentsConfig configures the fiat transfer API.
type PaymentsConfig struct {
	BaseURL  string        `yaml:"base_url"`
	ClientID string        `yaml:"client_id"`
	Secret   string        `yaml:"secret,omitempty"`
	Version  string        `yaml:"version"`
	Network  string        `yaml:"network"`
	ACHClass string        `yaml:"ach_class"`
	Timeout  time.Duration `yaml:"timeout"`

	// ClientName is shown to users in the bank linking flow.
	ClientName string `yaml:"client_name"`
}

// SettlementConfig tunes the purchase pipeline.
type SettlementConfig struct {
	// ConfirmTransfer waits for the fiat transfer to execute before any
	// BTC moves.
	ConfirmTransfer bool          `yaml:"confirm_transfer"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// RPCConfig configures the JSON-RPC API server.
type RPCConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`

	// BalanceMinConf is the default depth for wallet_getBalance.
	BalanceMinConf int `yaml:"balance_min_conf"`

	// PurchaseLimit caps purchases per user per PurchaseInterval.
	// Zero disables the limit.
	PurchaseLimit    int           `yaml:"purchase_limit"`
	PurchaseInterval time.Duration `yaml:"purchase_interval"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults for a regtest node.
func DefaultConfig() *Config {
	return &Config{
		Network: chain.Regtest,
		Node: NodeConfig{
			URL:        "http://127.0.0.1:18443",
			User:       "bitcoin",
			Wallet:     "legacy_wallet",
			Timeout:    10 * time.Second,
			MaxRetries: 2,
		},
		Vault: VaultConfig{
			Keystore: "vault.json",
		},
		Price: PriceConfig{
			Mode:    PriceModeFixed,
			Fixed:   30000,
			URL:     "https://mempool.space/api",
			Timeout: 5 * time.Second,
		},
		Payments: PaymentsConfig{
			BaseURL:    "https://sandbox.plaid.com",
			Version:    "2020-09-14",
			Network:    "ach",
			ACHClass:   "ppd",
			Timeout:    15 * time.Second,
			ClientName: "Custodian",
		},
		Settlement: SettlementConfig{
			ConfirmTransfer: false,
			ConfirmTimeout:  2 * time.Minute,
			PollInterval:    5 * time.Second,
		},
		RPC: RPCConfig{
			Listen:           "127.0.0.1:8080",
			CORSOrigins:      []string{"http://localhost:3000"},
			BalanceMinConf:   1,
			PurchaseLimit:    5,
			PurchaseInterval: time.Minute,
		},
		Storage: StorageConfig{
			DataDir: "~/.custodian",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from config.yaml in dataDir.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	configPath := Path(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Custodian Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// envPrefix is prepended to every environment variable name.
const envPrefix = "CUSTODIAN"

// envSecrets are the values ApplyEnv reads from the environment.
type envSecrets struct {
	VaultWIF       string `envconfig:"VAULT_WIF"`
	VaultPassword  string `envconfig:"VAULT_PASSWORD"`
	PaymentsSecret string `envconfig:"PAYMENTS_SECRET"`
	NodeRPCPass    string `envconfig:"NODE_RPC_PASS"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overrides secrets (and the log level) from the environment.
// Unset variables leave the file values alone.
func (c *Config) ApplyEnv() error {
	var env envSecrets
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("failed to process env vars: %w", err)
	}

	if env.VaultWIF != "" {
		c.Vault.WIF = env.VaultWIF
	}
	if env.VaultPassword != "" {
		c.Vault.Password = env.VaultPassword
	}
	if env.PaymentsSecret != "" {
		c.Payments.Secret = env.PaymentsSecret
	}
	if env.NodeRPCPass != "" {
		c.Node.Password = env.NodeRPCPass
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := chain.Parse(string(c.Network)); err != nil {
		errs = append(errs, err)
	}
	if c.Node.URL == "" {
		errs = append(errs, errors.New("node.url is required"))
	}
	if c.Node.Timeout <= 0 {
		errs = append(errs, errors.New("node.timeout must be positive"))
	}
	if c.Node.MaxRetries < 0 {
		errs = append(errs, errors.New("node.max_retries must not be negative"))
	}
	if c.Vault.WIF == "" && c.Vault.Keystore == "" {
		errs = append(errs, errors.New("vault: one of wif or keystore is required"))
	}
	if c.Vault.WIF != "" && c.Vault.Keystore != "" {
		errs = append(errs, errors.New("vault: wif and keystore are mutually exclusive"))
	}

	switch strings.ToLower(c.Price.Mode) {
	case PriceModeFixed:
		if c.Price.Fixed <= 0 {
			errs = append(errs, errors.New("price.fixed must be positive"))
		}
	case PriceModeMempool:
		if c.Price.URL == "" {
			errs = append(errs, errors.New("price.url is required in mempool mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("price.mode %q: want fixed or mempool", c.Price.Mode))
	}

	if c.Payments.BaseURL == "" {
		errs = append(errs, errors.New("payments.base_url is required"))
	}
	if c.Settlement.ConfirmTransfer && c.Settlement.PollInterval <= 0 {
		errs = append(errs, errors.New("settlement.poll_interval must be positive"))
	}
	if c.RPC.PurchaseLimit < 0 {
		errs = append(errs, errors.New("rpc.purchase_limit must not be negative"))
	}

	return errors.Join(errs...)
}

// KeystorePath returns the absolute keystore path.
func (c *Config) KeystorePath() string {
	if c.Vault.Keystore == "" || filepath.IsAbs(c.Vault.Keystore) {
		return c.Vault.Keystore
	}
	return filepath.Join(ExpandPath(c.Storage.DataDir), c.Vault.Keystore)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(ExpandPath(c.Storage.DataDir), "custodian.db")
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
