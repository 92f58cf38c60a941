package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/payments"
	"github.com/coinvault/custodian/internal/price"
	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
)

// Code identifies a purchase failure to callers.
type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeNotLinked         Code = "payment_method_not_linked"
	CodeQuoteUnavailable  Code = "quote_unavailable"
	CodePaymentFailed     Code = "payment_failed"
	CodeInsufficientFunds Code = "insufficient_funds"
	CodeBroadcastRejected Code = "broadcast_rejected"
	CodeSigningFailed     Code = "signing_failed"
	CodeTimeout           Code = "timeout"
	CodeInternal          Code = "internal"
)

// Codes lists every code in a stable order.
var Codes = []Code{
	CodeInvalidInput,
	CodeNotLinked,
	CodeQuoteUnavailable,
	CodePaymentFailed,
	CodeInsufficientFunds,
	CodeBroadcastRejected,
	CodeSigningFailed,
	CodeTimeout,
	CodeInternal,
}

// Error is a classified purchase failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// PartialFailure is returned when the fiat debit was created, or may have
// been, but no BTC was sent. TransferID is empty when the debit timed out
// before the API answered. The debit is not reversed; the failure is handed
// to the Compensator for manual reconciliation.
type PartialFailure struct {
	PurchaseID string
	UserID     string
	TransferID string
	AmountUSD  float64
	AmountBTC  float64
	Price      float64
	Cause      *Error
}

func (p *PartialFailure) Error() string {
	if p.TransferID == "" {
		return fmt.Sprintf("purchase %s: debit outcome unknown, no BTC sent: %v", p.PurchaseID, p.Cause)
	}
	return fmt.Sprintf("transfer %s debited but no BTC sent: %v", p.TransferID, p.Cause)
}

func (p *PartialFailure) Unwrap() error {
	return p.Cause
}

// Code returns the cause's code.
func (p *PartialFailure) Code() Code {
	return p.Cause.Code
}

// CodeOf returns the code carried by err. Errors that were never
// classified are mapped the same way Purchase maps them.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err)
}

func newError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// classify maps lower-layer errors onto codes. It is the only place that
// knows the sentinel errors of every collaborator.
func classify(err error) Code {
	var apiErr *payments.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, backend.ErrTimeout),
		errors.Is(err, payments.ErrTimeout),
		errors.Is(err, price.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidAddress),
		errors.Is(err, storage.ErrUserNotFound):
		return CodeInvalidInput
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, wallet.ErrSigning):
		return CodeSigningFailed
	case errors.Is(err, backend.ErrBroadcastRejected):
		return CodeBroadcastRejected
	case errors.Is(err, price.ErrQuoteUnavailable):
		return CodeQuoteUnavailable
	case errors.Is(err, payments.ErrDeclined),
		errors.Is(err, payments.ErrNoAccount),
		errors.As(err, &apiErr):
		return CodePaymentFailed
	default:
		return CodeInternal
	}
}
