// Package storage - Purchase log operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Purchase errors
var (
	ErrPurchaseNotFound = errors.New("purchase not found")
)

// PurchaseStatus is where a purchase stands in the settlement flow.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"   // Accepted, nothing debited yet
	PurchaseStatusDebited   PurchaseStatus = "debited"   // Fiat debited, BTC not sent yet
	PurchaseStatusCompleted PurchaseStatus = "completed" // BTC broadcast
	PurchaseStatusFailed    PurchaseStatus = "failed"    // Failed before any debit
	PurchaseStatusPartial   PurchaseStatus = "partial"   // Debited but BTC never sent
)

// IsFinal reports whether no further transitions are expected.
func (s PurchaseStatus) IsFinal() bool {
	return s == PurchaseStatusCompleted || s == PurchaseStatusFailed || s == PurchaseStatusPartial
}

// Purchase is one settlement attempt.
type Purchase struct {
	ID        string
	UserID    string
	Status    PurchaseStatus
	AmountUSD float64
	AmountBTC float64
	Price     float64
	FeeSats   int64

	TransferID string
	TxID       string

	ErrorCode    string
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	CompletedAt *time.Time
}

// CreatePurchase inserts a pending purchase.
func (s *Storage) CreatePurchase(p *Purchase) error {
	if p.Status == "" {
		p.Status = PurchaseStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO purchases (id, user_id, status, amount_usd, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Status, p.AmountUSD, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}

	return nil
}

// MarkPurchaseDebited records the fiat transfer and the quote it was made at.
func (s *Storage) MarkPurchaseDebited(id, transferID string, price, amountBTC float64) error {
	return s.updatePurchase(id, PurchaseStatusDebited,
		"transfer_id = ?, price = ?, amount_btc = ?", transferID, price, amountBTC)
}

// CompletePurchase records the broadcast transaction.
func (s *Storage) CompletePurchase(id, txID string, feeSats int64) error {
	return s.updatePurchase(id, PurchaseStatusCompleted,
		"txid = ?, fee_sats = ?", txID, feeSats)
}

// FailPurchase records a failure. status is PurchaseStatusFailed when
// nothing was debited and PurchaseStatusPartial otherwise.
func (s *Storage) FailPurchase(id string, status PurchaseStatus, code, message string) error {
	return s.updatePurchase(id, status,
		"error_code = ?, error_message = ?", code, message)
}

func (s *Storage) updatePurchase(id string, status PurchaseStatus, set string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	var completedAt *int64
	if status.IsFinal() {
		completedAt = &now
	}

	args = append(args, status, now, completedAt, id)
	result, err := s.db.Exec(`
		UPDATE purchases SET `+set+`, status = ?, updated_at = ?,
			completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to update purchase: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPurchaseNotFound
	}

	return nil
}

const purchaseColumns = `
	id, user_id, status, amount_usd, amount_btc, price, fee_sats,
	transfer_id, txid, error_code, error_message,
	created_at, updated_at, completed_at`

// GetPurchase retrieves a purchase by ID.
func (s *Storage) GetPurchase(id string) (*Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPurchase(s.db.QueryRow("SELECT "+purchaseColumns+" FROM purchases WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

// ListPurchases returns a user's purchases, newest first.
func (s *Storage) ListPurchases(userID string, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT "+purchaseColumns+`
		FROM purchases WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	defer rows.Close()

	var purchases []*Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}

	return purchases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(row rowScanner) (*Purchase, error) {
	var p Purchase
	var amountBTC, price sql.NullFloat64
	var feeSats, updatedAt, completedAt sql.NullInt64
	var transferID, txID, errorCode, errorMessage sql.NullString
	var createdAt int64

	err := row.Scan(
		&p.ID, &p.UserID, &p.Status, &p.AmountUSD, &amountBTC, &price, &feeSats,
		&transferID, &txID, &errorCode, &errorMessage,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	p.AmountBTC = amountBTC.Float64
	p.Price = price.Float64
	p.FeeSats = feeSats.Int64
	p.TransferID = transferID.String
	p.TxID = txID.String
	p.ErrorCode = errorCode.String
	p.ErrorMessage = errorMessage.String
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = unixPtr(updatedAt)
	p.CompletedAt = unixPtr(completedAt)

	return &p, nil
}
