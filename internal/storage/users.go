// Package storage - User directory operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// User errors
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user with this email already exists")
)

// User is a customer of the custodian.
type User struct {
	ID                string
	Name              string
	Email             string
	BTCReceiveAddress string

	// PaymentAccessToken authorizes debits against the linked bank account.
	PaymentAccessToken string
	PaymentItemID      string

	CreatedAt time.Time
	UpdatedAt *time.Time
}

// PaymentLinked reports whether a payment account has been linked.
func (u *User) PaymentLinked() bool {
	return u.PaymentAccessToken != ""
}

// CreateUser inserts a user. An empty ID is filled with a fresh UUID.
func (s *Storage) CreateUser(user *User) error {
	if user.Name == "" || user.Email == "" {
		return fmt.Errorf("name and email are required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO users (
			id, name, email, btc_receive_address,
			payment_access_token, payment_item_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID, user.Name, user.Email, user.BTCReceiveAddress,
		user.PaymentAccessToken, user.PaymentItemID, user.CreatedAt.Unix(),
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by ID.
func (s *Storage) GetUser(id string) (*User, error) {
	return s.getUser("id = ?", id)
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *Storage) GetUserByEmail(email string) (*User, error) {
	return s.getUser("email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Storage) getUser(where string, arg interface{}) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var user User
	var createdAt int64
	var updatedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, name, email, btc_receive_address,
			payment_access_token, payment_item_id, created_at, updated_at
		FROM users WHERE `+where, arg).Scan(
		&user.ID, &user.Name, &user.Email, &user.BTCReceiveAddress,
		&user.PaymentAccessToken, &user.PaymentItemID, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = unixPtr(updatedAt)

	return &user, nil
}

// LinkPaymentAccount stores the payment provider linkage for a user.
func (s *Storage) LinkPaymentAccount(userID, accessToken, itemID string) error {
	if accessToken == "" {
		return fmt.Errorf("access token is required")
	}
	return s.updateUser(userID,
		"payment_access_token = ?, payment_item_id = ?", accessToken, itemID)
}

// SetReceiveAddress changes where a user's purchases are paid out.
func (s *Storage) SetReceiveAddress(userID, address string) error {
	return s.updateUser(userID, "btc_receive_address = ?", address)
}

func (s *Storage) updateUser(id, set string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args = append(args, time.Now().Unix(), id)
	result, err := s.db.Exec("UPDATE users SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}

	return nil
}
