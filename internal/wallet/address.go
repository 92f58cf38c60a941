package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/coinvault/custodian/internal/chain"
)

// DecodeAddress parses a destination address for params' network and
// returns its output script. Any standard address type is accepted.
func DecodeAddress(address string, params *chain.Params) (btcutil.Address, []byte, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	decoded, err := btcutil.DecodeAddress(address, params.Chain)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}
	if !decoded.IsForNet(params.Chain) {
		return nil, nil, fmt.Errorf("%w: %s is not a %s address", ErrInvalidAddress, address, params.Network)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	return decoded, script, nil
}

// ValidateAddress reports whether address is usable on params' network.
func ValidateAddress(address string, params *chain.Params) error {
	_, _, err := DecodeAddress(address, params)
	return err
}
