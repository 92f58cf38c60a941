package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/pkg/logging"
)

// Chain is the node surface a Sender needs.
type Chain interface {
	ScanUTXOs(ctx context.Context, address string) ([]backend.UTXO, error)
	GetBlockCount(ctx context.Context) (int64, error)
	SendRawTransaction(ctx context.Context, rawTxHex string) (string, error)
}

// FeeSource supplies the flat fee for the next send.
type FeeSource interface {
	EstimatedFee(ctx context.Context) btcutil.Amount
}

// Sender pays out of the vault.
type Sender struct {
	vault      *Vault
	node       Chain
	fees       FeeSource
	lock       VaultLock
	maxRetries int
	log        *logging.Logger
	metrics    *metrics.WalletMetrics

	// spent holds outpoints this process broadcast. scantxoutset reads the
	// confirmed UTXO set, so it keeps reporting them until a block lands.
	spentMu sync.Mutex
	spent   map[string]struct{}
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger.
func WithSenderLogger(l *logging.Logger) SenderOption {
	return func(s *Sender) { s.log = l }
}

// WithReadRetries sets how often timed out UTXO queries are retried.
func WithReadRetries(n int) SenderOption {
	return func(s *Sender) { s.maxRetries = n }
}

// NewSender creates a Sender. The lock is required: every send holds it from
// UTXO selection through broadcast.
func NewSender(vault *Vault, node Chain, fees FeeSource, lock VaultLock, opts ...SenderOption) (*Sender, error) {
	if vault == nil || node == nil || fees == nil || lock == nil {
		return nil, errors.New("wallet: vault, node, fee source and lock are required")
	}

	s := &Sender{
		vault:      vault,
		node:       node,
		fees:       fees,
		lock:       lock,
		maxRetries: 2,
		log:        logging.GetDefault().Component("wallet"),
		metrics:    metrics.NewWalletMetrics(),
		spent:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Vault returns the vault this sender spends from.
func (s *Sender) Vault() *Vault {
	return s.vault
}

// Payment is a broadcast vault transaction.
type Payment struct {
	TxID string `json:"txid"`
	Plan *Plan  `json:"plan"`
}

// Send pays amount to destination and returns the txid.
func (s *Sender) Send(ctx context.Context, destination string, amount btcutil.Amount) (string, error) {
	p, err := s.Pay(ctx, destination, amount)
	if err != nil {
		return "", err
	}
	return p.TxID, nil
}

// Pay is Send that also reports how the transaction was funded.
//
// Errors: ErrInvalidAmount, ErrInvalidAddress, ErrInsufficientFunds,
// ErrSigning, backend.ErrBroadcastRejected and backend.ErrTimeout. A rejected
// or timed out broadcast is never retried.
func (s *Sender) Pay(ctx context.Context, destination string, amount btcutil.Amount) (*Payment, error) {
	if amount <= DustThreshold {
		return nil, fmt.Errorf("%w: %v is not above dust (%v)", ErrInvalidAmount, amount, DustThreshold)
	}
	if err := ValidateAddress(destination, s.vault.params); err != nil {
		return nil, err
	}

	fee := s.fees.EstimatedFee(ctx)

	waitStart := time.Now()
	unlock, err := s.lock.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire vault lock: %w", err)
	}
	defer unlock()
	s.metrics.RecordLockWait(time.Since(waitStart))

	utxos, err := s.listUnspent(ctx)
	if err != nil {
		s.metrics.RecordSend("error", 0)
		return nil, fmt.Errorf("list vault utxos: %w", err)
	}

	tx, plan, err := BuildTransaction(s.vault, utxos, destination, amount, fee)
	if err != nil {
		s.metrics.RecordSend(sendResult(err), 0)
		return nil, err
	}

	rawTx, err := SerializeTx(tx)
	if err != nil {
		s.metrics.RecordSend("signing_failed", 0)
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	s.log.Info("Broadcasting vault transaction",
		"to", destination,
		"amount", amount,
		"fee", fee,
		"inputs", len(plan.Inputs),
		"change", plan.Change,
		"dropped", plan.Dropped)

	txID, err := s.node.SendRawTransaction(ctx, rawTx)
	if err != nil {
		if errors.Is(err, backend.ErrTimeout) {
			// The node may have accepted it; never hand these inputs out again
			// from this process.
			s.markSpent(plan.Inputs)
			s.log.Warn("Broadcast outcome unknown", "txid", tx.TxHash().String(), "error", err)
		}
		s.metrics.RecordSend(sendResult(err), len(plan.Inputs))
		return nil, err
	}

	s.markSpent(plan.Inputs)
	s.metrics.RecordSend("ok", len(plan.Inputs))
	s.log.Info("Vault transaction broadcast", "txid", txID)

	return &Payment{TxID: txID, Plan: plan}, nil
}

// listUnspent returns vault UTXOs with confirmations filled in, minus
// outpoints this process already spent.
func (s *Sender) listUnspent(ctx context.Context) ([]backend.UTXO, error) {
	address := s.vault.Address()

	utxos, err := backend.Retry(ctx, s.maxRetries, func(ctx context.Context) ([]backend.UTXO, error) {
		return s.node.ScanUTXOs(ctx, address)
	})
	if err != nil {
		return nil, err
	}

	tip, err := backend.Retry(ctx, s.maxRetries, s.node.GetBlockCount)
	if err != nil {
		return nil, err
	}

	s.spentMu.Lock()
	defer s.spentMu.Unlock()

	reported := make(map[string]struct{}, len(utxos))
	result := make([]backend.UTXO, 0, len(utxos))
	for _, u := range utxos {
		op := u.Outpoint()
		reported[op] = struct{}{}
		if _, ok := s.spent[op]; ok {
			continue
		}
		if u.BlockHeight > 0 && tip >= u.BlockHeight {
			u.Confirmations = tip - u.BlockHeight + 1
		}
		result = append(result, u)
	}

	// Forget outpoints the node no longer reports.
	for op := range s.spent {
		if _, ok := reported[op]; !ok {
			delete(s.spent, op)
		}
	}

	return result, nil
}

func (s *Sender) markSpent(inputs []backend.UTXO) {
	s.spentMu.Lock()
	defer s.spentMu.Unlock()
	for _, u := range inputs {
		s.spent[u.Outpoint()] = struct{}{}
	}
}

func sendResult(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrSigning):
		return "signing_failed"
	case errors.Is(err, backend.ErrBroadcastRejected):
		return "rejected"
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
