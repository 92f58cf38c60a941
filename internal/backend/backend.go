// Package backend talks to the Bitcoin Core node that custodies the vault's
// coins. This package never sees private keys, all signing happens in the
// wallet package.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Common errors
var (
	// ErrConnectionFailed means the node could not be reached or refused
	// the credentials.
	ErrConnectionFailed = errors.New("node connection failed")

	// ErrInvalidResponse means the node answered with something that is not
	// a well-formed result for the method.
	ErrInvalidResponse = errors.New("invalid node response")

	// ErrTimeout means the call did not complete within its deadline. The
	// outcome of a timed out broadcast is unknown.
	ErrTimeout = errors.New("node call timed out")

	// ErrBroadcastRejected means the node refused a raw transaction.
	ErrBroadcastRejected = errors.New("broadcast rejected")
)

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"`        // in satoshis
	ScriptPubKey  string `json:"scriptpubkey"` // hex encoded
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
	Coinbase      bool   `json:"coinbase"`
}

// Outpoint returns "txid:vout".
func (u UTXO) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// NetworkInfo is the subset of getnetworkinfo the custodian reads.
type NetworkInfo struct {
	Version     int64   `json:"version"`
	Subversion  string  `json:"subversion"`
	Connections int64   `json:"connections"`
	RelayFee    float64 `json:"relayfee"` // BTC/kvB
}

// SmartFee is the result of estimatesmartfee.
type SmartFee struct {
	FeeRate float64  `json:"feerate,omitempty"` // BTC/kvB, zero when the node has no estimate
	Errors  []string `json:"errors,omitempty"`
	Blocks  int64    `json:"blocks"`
}

// Backend is the node-RPC surface used by the custodian.
type Backend interface {
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	EstimateSmartFee(ctx context.Context, confTarget int) (*SmartFee, error)

	// ScanUTXOs lists unspent outputs paying to address straight from the
	// node's UTXO set. Confirmations are not filled in.
	ScanUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetBlockCount(ctx context.Context) (int64, error)

	SendRawTransaction(ctx context.Context, rawTxHex string) (string, error)

	// GetReceivedByAddress asks the node wallet how much an address has
	// received with at least minConf confirmations.
	GetReceivedByAddress(ctx context.Context, address string, minConf int) (btcutil.Amount, error)
}

// Config contains node connection settings.
type Config struct {
	URL     string
	User    string
	Pass    string
	Wallet  string
	Timeout time.Duration
}
