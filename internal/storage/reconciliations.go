// Package storage - Reconciliation ledger operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Reconciliation errors
var (
	ErrReconciliationNotFound = errors.New("reconciliation not found")
	ErrAlreadyResolved        = errors.New("reconciliation already resolved")
	ErrDuplicateTransfer      = errors.New("transfer or purchase already has a reconciliation entry")
)

// ReconciliationStatus tracks operator follow-up.
type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// Reconciliation is a fiat debit that was not followed by a BTC payout.
// Each entry needs manual follow-up: a refund or a manual send.
// TransferID is empty when the debit's outcome is unknown; the entry is
// then found at the bank through PurchaseID, the debit's idempotency key.
type Reconciliation struct {
	ID         string
	UserID     string
	PurchaseID string
	TransferID string

	AmountUSD float64
	AmountBTC float64
	Price     float64

	ErrorCode string
	Reason    string

	Status     ReconciliationStatus
	Resolution string

	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// RecordReconciliation inserts an open entry. One entry per transfer and
// per purchase.
func (s *Storage) RecordReconciliation(r *Reconciliation) error {
	if r.TransferID == "" && r.PurchaseID == "" {
		return fmt.Errorf("transfer id or purchase id is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = ReconciliationOpen
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO reconciliations (
			id, user_id, purchase_id, transfer_id,
			amount_usd, amount_btc, price,
			error_code, reason, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.UserID, nullString(r.PurchaseID), nullString(r.TransferID),
		r.AmountUSD, r.AmountBTC, r.Price,
		r.ErrorCode, r.Reason, r.Status, r.CreatedAt.Unix(),
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrDuplicateTransfer
	}
	if err != nil {
		return fmt.Errorf("failed to record reconciliation: %w", err)
	}

	return nil
}

// ListReconciliations returns entries with the given status, oldest first.
// An empty status lists everything.
func (s *Storage) ListReconciliations(status ReconciliationStatus) ([]*Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, purchase_id, transfer_id, amount_usd, amount_btc, price,
			error_code, reason, status, resolution, created_at, resolved_at
		FROM reconciliations`
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	defer rows.Close()

	var entries []*Reconciliation
	for rows.Next() {
		var r Reconciliation
		var purchaseID, transferID, reason, resolution sql.NullString
		var createdAt int64
		var resolvedAt sql.NullInt64

		if err := rows.Scan(
			&r.ID, &r.UserID, &purchaseID, &transferID,
			&r.AmountUSD, &r.AmountBTC, &r.Price,
			&r.ErrorCode, &reason, &r.Status, &resolution,
			&createdAt, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}

		r.PurchaseID = purchaseID.String
		r.TransferID = transferID.String
		r.Reason = reason.String
		r.Resolution = resolution.String
		r.CreatedAt = time.Unix(createdAt, 0)
		r.ResolvedAt = unixPtr(resolvedAt)
		entries = append(entries, &r)
	}

	return entries, rows.Err()
}

// ResolveReconciliation closes an open entry with an operator note.
func (s *Storage) ResolveReconciliation(id, resolution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE reconciliations SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, ReconciliationResolved, resolution, time.Now().Unix(), id, ReconciliationOpen)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	var status ReconciliationStatus
	err = s.db.QueryRow("SELECT status FROM reconciliations WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrReconciliationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation: %w", err)
	}
	return ErrAlreadyResolved
}
