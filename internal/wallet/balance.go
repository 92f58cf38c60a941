package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/custodian/internal/chain"
)

// ReceivedSource reports what an address has received.
type ReceivedSource interface {
	GetReceivedByAddress(ctx context.Context, address string, minConf int) (btcutil.Amount, error)
}

// ReceivedBalance returns the total a user's receive address has received
// with at least minConf confirmations, according to the node wallet.
func ReceivedBalance(ctx context.Context, node ReceivedSource, address string, minConf int, params *chain.Params) (btcutil.Amount, error) {
	if err := ValidateAddress(address, params); err != nil {
		return 0, err
	}
	if minConf < 0 {
		minConf = 0
	}
	return node.GetReceivedByAddress(ctx, address, minConf)
}
