// Package wallet holds the custodial vault key and builds, signs and
// broadcasts the transactions that pay users out of it.
//
// Exactly one key signs every outgoing transaction. It is provisioned from
// configuration, either as a WIF or as a BIP39 mnemonic from which the single
// key at m/84'/coin'/0'/0/0 is derived, and is never derived per user.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/coinvault/custodian/internal/chain"
)

// Vault is the custodial key and its P2WPKH address.
type Vault struct {
	key      *btcec.PrivateKey
	address  *btcutil.AddressWitnessPubKeyHash
	pkScript []byte
	params   *chain.Params
}

// NewVault wraps a private key. If expectedAddress is not empty it must be
// the key's P2WPKH address on params' network.
func NewVault(key *btcec.PrivateKey, params *chain.Params, expectedAddress string) (*Vault, error) {
	if key == nil {
		return nil, errors.New("vault key is required")
	}
	if params == nil {
		return nil, errors.New("network params are required")
	}

	addr, err := p2wpkhAddress(key.PubKey(), params)
	if err != nil {
		return nil, err
	}
	if expectedAddress != "" && expectedAddress != addr.EncodeAddress() {
		return nil, fmt.Errorf("vault address %s does not match key (derived %s)", expectedAddress, addr.EncodeAddress())
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build vault script: %w", err)
	}

	return &Vault{key: key, address: addr, pkScript: pkScript, params: params}, nil
}

// NewVaultFromWIF decodes a WIF private key.
func NewVaultFromWIF(wif string, params *chain.Params, expectedAddress string) (*Vault, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("invalid vault WIF: %w", err)
	}
	if !decoded.IsForNet(params.Chain) {
		return nil, fmt.Errorf("vault WIF is not for %s", params.Network)
	}
	return NewVault(decoded.PrivKey, params, expectedAddress)
}

// NewVaultFromMnemonic derives the vault key at m/84'/coin'/0'/0/0.
// The passphrase is optional (can be empty string).
func NewVaultFromMnemonic(mnemonic, passphrase string, params *chain.Params, expectedAddress string) (*Vault, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	key, err := hdkeychain.NewMaster(seed, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	for _, idx := range params.DerivationPath(0, 0, 0) {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", params.DerivationPathString(0, 0, 0), err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return NewVault(privKey, params, expectedAddress)
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// Address returns the vault's P2WPKH address.
func (v *Vault) Address() string {
	return v.address.EncodeAddress()
}

// PkScript returns the vault's output script.
func (v *Vault) PkScript() []byte {
	return v.pkScript
}

// Params returns the vault's network.
func (v *Vault) Params() *chain.Params {
	return v.params
}

// String never includes key material.
func (v *Vault) String() string {
	return "vault(" + v.Address() + ")"
}

func p2wpkhAddress(pubKey *btcec.PublicKey, params *chain.Params) (*btcutil.AddressWitnessPubKeyHash, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr, nil
}
