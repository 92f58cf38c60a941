package payments

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/coinvault/custodian/pkg/helpers"
)

// Status is a transfer status as reported by the API.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPosted         Status = "posted"
	StatusSettled        Status = "settled"
	StatusFundsAvailable Status = "funds_available"
	StatusExecuted       Status = "executed"
	StatusCancelled      Status = "cancelled"
	StatusFailed         Status = "failed"
	StatusReturned       Status = "returned"
)

// State collapses a status into what settlement cares about.
type State int

const (
	StatePending State = iota
	StateExecuted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateExecuted:
		return "executed"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// State maps the status onto pending, executed or failed. Unknown statuses
// count as pending.
func (s Status) State() State {
	switch s {
	case StatusPosted, StatusSettled, StatusFundsAvailable, StatusExecuted:
		return StateExecuted
	case StatusCancelled, StatusFailed, StatusReturned:
		return StateFailed
	default:
		return StatePending
	}
}

// Transfer is a fiat transfer.
type Transfer struct {
	ID            string `json:"id"`
	Status        Status `json:"status"`
	Amount        string `json:"amount"`
	Type          string `json:"type"`
	Network       string `json:"network"`
	Description   string `json:"description"`
	FailureReason *struct {
		Code        string `json:"ach_return_code"`
		Description string `json:"description"`
	} `json:"failure_reason,omitempty"`
}

// AuthorizationRequest asks for permission to debit an account.
type AuthorizationRequest struct {
	AccessToken    string
	AccountID      string
	AmountUSD      float64
	LegalName      string
	Email          string
	ClientUserID   string
	IdempotencyKey string
}

// Authorization is the API's decision on a debit.
type Authorization struct {
	ID        string `json:"id"`
	Decision  string `json:"decision"`
	Rationale *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"decision_rationale,omitempty"`
}

// Approved reports whether the debit may proceed.
func (a *Authorization) Approved() bool {
	return a.Decision == "approved"
}

// TransferRequest creates a transfer against an approved authorization.
type TransferRequest struct {
	AccessToken     string
	AccountID       string
	AuthorizationID string
	AmountUSD       float64
	Description     string
	IdempotencyKey  string
}

// DebitRequest is everything Debit needs about the user.
type DebitRequest struct {
	AccessToken  string
	ClientUserID string
	LegalName    string
	Email        string
	AmountUSD    float64
	Description  string
	// IdempotencyKey makes a retried debit safe. A fresh UUID is used when
	// empty.
	IdempotencyKey string
}

// Debit is a created fiat debit.
type Debit struct {
	TransferID      string `json:"transfer_id"`
	AuthorizationID string `json:"authorization_id"`
	AccountID       string `json:"account_id"`
	Status          Status `json:"status"`
	IdempotencyKey  string `json:"idempotency_key"`

	// AmountCents is the amount the API reports for the transfer. Zero
	// when the reported amount could not be parsed.
	AmountCents uint64 `json:"amount_cents"`
}

// DefaultDescription is shown on the user's bank statement.
const DefaultDescription = "BTC purchase"

// AccountID returns the first account of the item behind accessToken.
func (c *Client) AccountID(ctx context.Context, accessToken string) (string, error) {
	var resp struct {
		Accounts []struct {
			AccountID string `json:"account_id"`
		} `json:"accounts"`
	}
	if err := c.call(ctx, "/accounts/get", map[string]interface{}{
		"access_token": accessToken,
	}, &resp); err != nil {
		return "", err
	}
	if len(resp.Accounts) == 0 || resp.Accounts[0].AccountID == "" {
		return "", ErrNoAccount
	}
	return resp.Accounts[0].AccountID, nil
}

// CreateAuthorization requests a debit authorization. A declined decision is
// returned with ErrDeclined.
func (c *Client) CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	amount, err := formatAmount(req.AmountUSD)
	if err != nil {
		return nil, err
	}

	user := map[string]interface{}{"legal_name": req.LegalName}
	if req.Email != "" {
		user["email_address"] = req.Email
	}
	if req.ClientUserID != "" {
		user["client_user_id"] = req.ClientUserID
	}

	var resp struct {
		Authorization Authorization `json:"authorization"`
	}
	if err := c.call(ctx, "/transfer/authorization/create", map[string]interface{}{
		"access_token":    req.AccessToken,
		"account_id":      req.AccountID,
		"type":            "debit",
		"network":         c.cfg.Network,
		"ach_class":       c.cfg.ACHClass,
		"amount":          amount,
		"user":            user,
		"user_present":    true,
		"idempotency_key": req.IdempotencyKey,
	}, &resp); err != nil {
		return nil, err
	}

	auth := resp.Authorization
	if auth.ID == "" {
		return nil, fmt.Errorf("%w: authorization has no id", ErrInvalidResponse)
	}
	if !auth.Approved() {
		reason := auth.Decision
		if auth.Rationale != nil {
			reason = auth.Rationale.Code + ": " + auth.Rationale.Description
		}
		return &auth, fmt.Errorf("%w: %s", ErrDeclined, reason)
	}
	return &auth, nil
}

// CreateTransfer creates the transfer for an approved authorization.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	amount, err := formatAmount(req.AmountUSD)
	if err != nil {
		return nil, err
	}
	description := req.Description
	if description == "" {
		description = DefaultDescription
	}

	var resp struct {
		Transfer Transfer `json:"transfer"`
	}
	if err := c.call(ctx, "/transfer/create", map[string]interface{}{
		"access_token":     req.AccessToken,
		"account_id":       req.AccountID,
		"authorization_id": req.AuthorizationID,
		"amount":           amount,
		"description":      description,
		"idempotency_key":  req.IdempotencyKey,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Transfer.ID == "" {
		return nil, fmt.Errorf("%w: transfer has no id", ErrInvalidResponse)
	}
	return &resp.Transfer, nil
}

// TransferStatus fetches a transfer.
func (c *Client) TransferStatus(ctx context.Context, transferID string) (*Transfer, error) {
	var resp struct {
		Transfer Transfer `json:"transfer"`
	}
	if err := c.call(ctx, "/transfer/get", map[string]interface{}{
		"transfer_id": transferID,
	}, &resp); err != nil {
		return nil, err
	}
	if resp.Transfer.ID == "" {
		return nil, fmt.Errorf("%w: transfer has no id", ErrInvalidResponse)
	}
	return &resp.Transfer, nil
}

// Debit resolves the account, authorizes and creates a debit transfer.
// The same idempotency key is used for authorization and transfer.
func (c *Client) Debit(ctx context.Context, req DebitRequest) (*Debit, error) {
	if req.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if _, err := formatAmount(req.AmountUSD); err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	accountID, err := c.AccountID(ctx, req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	auth, err := c.CreateAuthorization(ctx, AuthorizationRequest{
		AccessToken:    req.AccessToken,
		AccountID:      accountID,
		AmountUSD:      req.AmountUSD,
		LegalName:      req.LegalName,
		Email:          req.Email,
		ClientUserID:   req.ClientUserID,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("authorize debit: %w", err)
	}

	transfer, err := c.CreateTransfer(ctx, TransferRequest{
		AccessToken:     req.AccessToken,
		AccountID:       accountID,
		AuthorizationID: auth.ID,
		AmountUSD:       req.AmountUSD,
		Description:     req.Description,
		IdempotencyKey:  key,
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer: %w", err)
	}

	// The transfer exists now, so an unreadable amount is reported through
	// AmountCents rather than as an error.
	cents, err := helpers.ParseUSDCents(transfer.Amount)
	if err != nil {
		c.log.Warn("Transfer amount unreadable", "transfer", transfer.ID, "amount", transfer.Amount, "error", err)
	}

	c.log.Info("Debit created",
		"transfer", transfer.ID,
		"authorization", auth.ID,
		"amount_usd", helpers.FormatUSD(req.AmountUSD),
		"status", transfer.Status)

	return &Debit{
		TransferID:      transfer.ID,
		AuthorizationID: auth.ID,
		AccountID:       accountID,
		Status:          transfer.Status,
		IdempotencyKey:  key,
		AmountCents:     cents,
	}, nil
}

func formatAmount(usd float64) (string, error) {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return "", fmt.Errorf("invalid amount %v", usd)
	}
	s := helpers.FormatUSD(usd)
	if s == "0.00" {
		return "", fmt.Errorf("amount %v rounds to zero", usd)
	}
	return s, nil
}
