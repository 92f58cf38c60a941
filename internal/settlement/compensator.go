package settlement

import (
	"context"

	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/pkg/logging"
)

// Compensator handles a debit that was not followed by a BTC payout.
// No implementation reverses the debit; they make the gap visible.
type Compensator interface {
	Compensate(ctx context.Context, failure *PartialFailure) error
}

// LogCompensator only logs.
type LogCompensator struct {
	log *logging.Logger
}

// Compensate logs the failure for manual follow-up.
func (c *LogCompensator) Compensate(ctx context.Context, f *PartialFailure) error {
	c.log.Warn("Manual reconciliation required",
		"transfer", f.TransferID,
		"user", f.UserID,
		"amount_usd", f.AmountUSD,
		"code", f.Code())
	return nil
}

// Ledger is where reconciliation entries are written.
type Ledger interface {
	RecordReconciliation(r *storage.Reconciliation) error
}

// LedgerCompensator records each partial failure in the reconciliation
// ledger for an operator to resolve.
type LedgerCompensator struct {
	ledger Ledger
}

// NewLedgerCompensator creates a LedgerCompensator.
func NewLedgerCompensator(ledger Ledger) *LedgerCompensator {
	return &LedgerCompensator{ledger: ledger}
}

// Compensate records a reconciliation entry.
func (c *LedgerCompensator) Compensate(ctx context.Context, f *PartialFailure) error {
	return c.ledger.RecordReconciliation(&storage.Reconciliation{
		UserID:     f.UserID,
		PurchaseID: f.PurchaseID,
		TransferID: f.TransferID,
		AmountUSD:  f.AmountUSD,
		AmountBTC:  f.AmountBTC,
		Price:      f.Price,
		ErrorCode:  string(f.Code()),
		Reason:     f.Cause.Error(),
	})
}
