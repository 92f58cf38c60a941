// Package main provides custodiand, the custodial BTC purchase daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/chain"
	"github.com/coinvault/custodian/internal/config"
	"github.com/coinvault/custodian/internal/fee"
	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/internal/payments"
	"github.com/coinvault/custodian/internal/price"
	"github.com/coinvault/custodian/internal/rpc"
	"github.com/coinvault/custodian/internal/settlement"
	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
	"github.com/coinvault/custodian/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.custodian", "Data directory")
		network     = flag.String("network", "", "Bitcoin network (mainnet, testnet, signet, regtest), overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		initVault   = flag.Bool("init-vault", false, "Create an encrypted vault keystore, print its mnemonic and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("custodiand %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal("Failed to read environment", "error", err)
	}

	// CLI flags take precedence over config file and environment
	cfg.Storage.DataDir = *dataDir
	if *network != "" {
		cfg.Network = chain.Network(*network)
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logOutput, closeLog, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Format:     cfg.Logging.Format,
		Output:     logOutput,
	})
	logging.SetDefault(log)

	params, err := chain.Parse(string(cfg.Network))
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}

	if *initVault {
		if err := createVault(cfg, params); err != nil {
			log.Fatal("Failed to create vault", "error", err)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	log.Info("Config loaded", "path", config.Path(*dataDir), "network", params.Name)

	metrics.Register(log.Component("metrics"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// Node
	node := backend.NewJSONRPCBackend(backend.Config{
		URL:     cfg.Node.URL,
		User:    cfg.Node.User,
		Pass:    cfg.Node.Password,
		Wallet:  cfg.Node.Wallet,
		Timeout: cfg.Node.Timeout,
	})
	if height, err := node.GetBlockCount(ctx); err != nil {
		log.Warn("Bitcoin node not reachable yet", "url", cfg.Node.URL, "error", err)
	} else {
		log.Info("Bitcoin node connected", "url", cfg.Node.URL, "height", height)
	}

	estimator := fee.New(node,
		fee.WithMaxRetries(cfg.Node.MaxRetries),
		fee.WithLogger(log.Component("fee")))

	oracle, err := newOracle(cfg)
	if err != nil {
		log.Fatal("Failed to configure price oracle", "error", err)
	}

	// Vault
	vault, err := loadVault(cfg, params)
	if err != nil {
		log.Fatal("Failed to load vault", "error", err)
	}
	log.Info("Vault loaded", "address", vault.Address())

	var lock wallet.VaultLock = wallet.NewMutexLock()
	if cfg.Vault.LockFile != "" {
		lockPath := cfg.Vault.LockFile
		if !filepath.IsAbs(lockPath) {
			lockPath = filepath.Join(dataPath, lockPath)
		}
		lock = wallet.NewFileLock(lockPath)
		log.Info("Using cross-process vault lock", "path", lockPath)
	}

	sender, err := wallet.NewSender(vault, node, estimator, lock,
		wallet.WithReadRetries(cfg.Node.MaxRetries),
		wallet.WithSenderLogger(log.Component("wallet")))
	if err != nil {
		log.Fatal("Failed to create sender", "error", err)
	}

	// Payments
	payClient := payments.New(payments.Config{
		BaseURL:  cfg.Payments.BaseURL,
		ClientID: cfg.Payments.ClientID,
		Secret:   cfg.Payments.Secret,
		Version:  cfg.Payments.Version,
		Network:  cfg.Payments.Network,
		ACHClass: cfg.Payments.ACHClass,
		Timeout:  cfg.Payments.Timeout,
	}, payments.WithLogger(log.Component("payments")))

	// Settlement
	hub := rpc.NewWSHub()
	service, err := settlement.New(settlement.Config{
		Params:          params,
		ConfirmTransfer: cfg.Settlement.ConfirmTransfer,
		ConfirmTimeout:  cfg.Settlement.ConfirmTimeout,
		PollInterval:    cfg.Settlement.PollInterval,
	}, store, oracle, payClient, sender,
		settlement.WithLogger(log.Component("settlement")),
		settlement.WithPurchaseLog(store),
		settlement.WithCompensator(settlement.NewLedgerCompensator(store)),
		settlement.WithPublisher(hub))
	if err != nil {
		log.Fatal("Failed to create settlement service", "error", err)
	}

	// RPC
	rpcServer := rpc.NewServer(rpc.Config{
		CORSOrigins:      cfg.RPC.CORSOrigins,
		MinConf:          cfg.RPC.BalanceMinConf,
		ClientName:       cfg.Payments.ClientName,
		PurchaseLimit:    cfg.RPC.PurchaseLimit,
		PurchaseInterval: cfg.RPC.PurchaseInterval,
	}, rpc.Deps{
		Settlement: service,
		Store:      store,
		Vault:      vault,
		Fees:       estimator,
		Oracle:     oracle,
		Payments:   payClient,
		Node:       node,
		Params:     params,
		Hub:        hub,
	})
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, params, vault, rpcServer.Addr())

	// Status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				open, err := store.ListReconciliations(storage.ReconciliationOpen)
				if err != nil {
					log.Warn("Status check failed", "error", err)
					continue
				}
				if len(open) > 0 {
					log.Warn("Open reconciliations need attention", "count", len(open))
				}
				log.Info("Status", "ws_clients", hub.ClientCount(), "open_reconciliations", len(open))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// newOracle builds the price source selected in config.
func newOracle(cfg *config.Config) (price.Oracle, error) {
	switch strings.ToLower(cfg.Price.Mode) {
	case config.PriceModeFixed:
		return price.Fixed(cfg.Price.Fixed), nil
	case config.PriceModeMempool:
		return price.NewMempool(cfg.Price.URL, cfg.Price.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown price mode %q", cfg.Price.Mode)
	}
}

// loadVault opens the vault from a WIF or the encrypted keystore.
func loadVault(cfg *config.Config, params *chain.Params) (*wallet.Vault, error) {
	if cfg.Vault.WIF != "" {
		return wallet.NewVaultFromWIF(cfg.Vault.WIF, params, cfg.Vault.Address)
	}
	if cfg.Vault.Password == "" {
		return nil, fmt.Errorf("keystore password missing, set %s", config.EnvVaultPassword)
	}
	return wallet.OpenKeystore(cfg.KeystorePath(), cfg.Vault.Password, params, cfg.Vault.Address)
}

// createVault writes a new keystore and prints the mnemonic once.
func createVault(cfg *config.Config, params *chain.Params) error {
	if cfg.Vault.Password == "" {
		return fmt.Errorf("set %s to the keystore password", config.EnvVaultPassword)
	}
	path := cfg.KeystorePath()
	if path == "" {
		return fmt.Errorf("vault.keystore is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	mnemonic, vault, err := wallet.CreateKeystore(path, cfg.Vault.Password, params)
	if err != nil {
		return err
	}

	fmt.Println("Vault keystore:", path)
	fmt.Println("Vault address: ", vault.Address())
	fmt.Println()
	fmt.Println("Write down this mnemonic. It is the only backup of the vault key:")
	fmt.Println()
	fmt.Println("  " + mnemonic)
	fmt.Println()
	return nil
}

func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(config.ExpandPath(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, params *chain.Params, vault *wallet.Vault, apiAddr string) {
	log.Info("========================================")
	log.Info("  Custodian daemon started")
	log.Info("========================================")
	log.Info("Version", "version", version, "commit", commit)
	log.Info("Network", "name", params.Name)
	log.Info("Vault", "address", vault.Address())
	log.Info("Price", "mode", cfg.Price.Mode)
	log.Info("Settlement", "confirm_transfer", cfg.Settlement.ConfirmTransfer)
	log.Info("JSON-RPC API", "addr", "http://"+apiAddr)
	log.Info("WebSocket", "addr", "ws://"+apiAddr+"/ws")
	log.Info("Metrics", "addr", "http://"+apiAddr+"/metrics")
	log.Info("========================================")
}
