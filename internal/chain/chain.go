// Package chain defines the Bitcoin networks the custodian can run against.
// All network values are hardcoded here, only the network name is configured.
package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Params contains the parameters for one network.
type Params struct {
	Name    string
	Network Network

	// BIP44 derivation
	CoinType       uint32 // 0 on mainnet, 1 everywhere else
	DefaultPurpose uint32 // 84 (native SegWit)

	// Default Bitcoin Core RPC port
	RPCPort int

	// CoinbaseMaturity is the number of confirmations a coinbase output
	// needs before it can be spent.
	CoinbaseMaturity int64

	// Chain is the btcd parameter set used for address encoding and WIF.
	Chain *chaincfg.Params
}

// DerivationPath returns the BIP84 derivation path for this network.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change (0=external, 1=internal)
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

var registry = map[Network]*Params{
	Mainnet: {
		Name:             "Bitcoin",
		Network:          Mainnet,
		CoinType:         0,
		DefaultPurpose:   84,
		RPCPort:          8332,
		CoinbaseMaturity: 100,
		Chain:            &chaincfg.MainNetParams,
	},
	Testnet: {
		Name:             "Bitcoin Testnet",
		Network:          Testnet,
		CoinType:         1,
		DefaultPurpose:   84,
		RPCPort:          18332,
		CoinbaseMaturity: 100,
		Chain:            &chaincfg.TestNet3Params,
	},
	Signet: {
		Name:             "Bitcoin Signet",
		Network:          Signet,
		CoinType:         1,
		DefaultPurpose:   84,
		RPCPort:          38332,
		CoinbaseMaturity: 100,
		Chain:            &chaincfg.SigNetParams,
	},
	Regtest: {
		Name:             "Bitcoin Regtest",
		Network:          Regtest,
		CoinType:         1,
		DefaultPurpose:   84,
		RPCPort:          18443,
		CoinbaseMaturity: 100,
		Chain:            &chaincfg.RegressionNetParams,
	},
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// Parse resolves a network name, case-insensitively. "testnet3" is accepted
// as an alias for testnet.
func Parse(name string) (*Params, error) {
	n := Network(strings.ToLower(strings.TrimSpace(name)))
	if n == "testnet3" {
		n = Testnet
	}
	p, ok := registry[n]
	if !ok {
		return nil, fmt.Errorf("unknown network %q (want one of %s)", name, strings.Join(List(), ", "))
	}
	return p, nil
}

// List returns all known network names, sorted.
func List() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, string(n))
	}
	sort.Strings(names)
	return names
}
