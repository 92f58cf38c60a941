package wallet

import "errors"

var (
	// ErrInvalidAmount is returned for amounts that are not above the dust
	// threshold.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidAddress is returned for destinations that do not decode on
	// the vault's network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInsufficientFunds is returned when every spendable vault output
	// together cannot cover amount plus fee. Nothing is broadcast.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSigning wraps any failure to produce a signed transaction. It points
	// at key or configuration problems and is never retried.
	ErrSigning = errors.New("signing failed")
)
