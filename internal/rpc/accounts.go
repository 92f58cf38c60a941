package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
)

// ========================================
// User handlers
// ========================================

// UserInfo is the public view of a user. Payment tokens are never returned.
type UserInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	BTCReceiveAddress string `json:"btc_receive_address,omitempty"`
	PaymentLinked     bool   `json:"payment_linked"`
	CreatedAt         int64  `json:"created_at"`
	UpdatedAt         *int64 `json:"updated_at,omitempty"`
}

func userToInfo(u *storage.User) *UserInfo {
	info := &UserInfo{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		BTCReceiveAddress: u.BTCReceiveAddress,
		PaymentLinked:     u.PaymentLinked(),
		CreatedAt:         u.CreatedAt.Unix(),
	}
	info.UpdatedAt = unixPtr(u.UpdatedAt)
	return info
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

// UsersCreateParams is the parameters for users_create.
type UsersCreateParams struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	BTCReceiveAddress string `json:"btc_receive_address"`
}

func (s *Server) usersCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UsersCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.Email == "" {
		return nil, invalidParams("name and email are required")
	}
	if p.BTCReceiveAddress != "" {
		if err := wallet.ValidateAddress(p.BTCReceiveAddress, s.params); err != nil {
			return nil, invalidParams("%v", err)
		}
	}

	user := &storage.User{
		Name:              p.Name,
		Email:             p.Email,
		BTCReceiveAddress: p.BTCReceiveAddress,
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, err
	}

	s.log.Info("User created", "id", user.ID)
	return userToInfo(user), nil
}

// UsersGetParams is the parameters for users_get. One of UserID or Email.
type UsersGetParams struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (s *Server) usersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UsersGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	var user *storage.User
	var err error
	switch {
	case p.UserID != "":
		user, err = s.store.GetUser(p.UserID)
	case p.Email != "":
		user, err = s.store.GetUserByEmail(p.Email)
	default:
		return nil, invalidParams("user_id or email is required")
	}
	if err != nil {
		return nil, err
	}
	return userToInfo(user), nil
}

// UsersLinkPaymentParams is the parameters for users_linkPayment.
type UsersLinkPaymentParams struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}

func (s *Server) usersLinkPayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UsersLinkPaymentParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" || p.AccessToken == "" {
		return nil, invalidParams("user_id and access_token are required")
	}

	return s.linkPayment(p.UserID, p.AccessToken, p.ItemID)
}

func (s *Server) linkPayment(userID, accessToken, itemID string) (*UserInfo, error) {
	if err := s.store.LinkPaymentAccount(userID, accessToken, itemID); err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(userID)
	if err != nil {
		return nil, err
	}

	s.log.Info("Payment account linked", "user", userID, "item", itemID)
	s.wsHub.Broadcast(EventPaymentLinked, map[string]string{"user_id": userID})

	return userToInfo(user), nil
}

// SetReceiveAddressParams is the parameters for users_setReceiveAddress.
type SetReceiveAddressParams struct {
	UserID  string `json:"user_id"`
	Address string `json:"address"`
}

func (s *Server) usersSetReceiveAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SetReceiveAddressParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, invalidParams("user_id is required")
	}
	if err := wallet.ValidateAddress(p.Address, s.params); err != nil {
		return nil, invalidParams("%v", err)
	}

	if err := s.store.SetReceiveAddress(p.UserID, p.Address); err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(p.UserID)
	if err != nil {
		return nil, err
	}
	return userToInfo(user), nil
}

// ========================================
// Payments handlers
// ========================================

// TransferStatusParams is the parameters for payments_transferStatus.
type TransferStatusParams struct {
	TransferID string `json:"transfer_id"`
}

// TransferStatusResult is the response for payments_transferStatus.
type TransferStatusResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Amount  string `json:"amount"`
	Failure string `json:"failure,omitempty"`
}

func (s *Server) paymentsTransferStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TransferStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.TransferID == "" {
		return nil, invalidParams("transfer_id is required")
	}

	t, err := s.payments.TransferStatus(ctx, p.TransferID)
	if err != nil {
		return nil, err
	}

	result := &TransferStatusResult{
		ID:     t.ID,
		Status: string(t.Status),
		State:  t.Status.State().String(),
		Amount: t.Amount,
	}
	if t.FailureReason != nil {
		result.Failure = t.FailureReason.Description
	}
	return result, nil
}

// UserParams is the parameters of methods that act on one user.
type UserParams struct {
	UserID string `json:"user_id"`
}

func (s *Server) userFromParams(params json.RawMessage) (*storage.User, error) {
	var p UserParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, invalidParams("user_id is required")
	}
	return s.store.GetUser(p.UserID)
}

func (s *Server) paymentsCreateLinkToken(ctx context.Context, params json.RawMessage) (interface{}, error) {
	user, err := s.userFromParams(params)
	if err != nil {
		return nil, err
	}
	return s.payments.CreateLinkToken(ctx, user.ID, s.cfg.ClientName)
}

// ExchangePublicTokenParams is the parameters for payments_exchangePublicToken.
type ExchangePublicTokenParams struct {
	UserID      string `json:"user_id"`
	PublicToken string `json:"public_token"`
}

func (s *Server) paymentsExchangePublicToken(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ExchangePublicTokenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" || p.PublicToken == "" {
		return nil, invalidParams("user_id and public_token are required")
	}
	if _, err := s.store.GetUser(p.UserID); err != nil {
		return nil, err
	}

	linkage, err := s.payments.ExchangePublicToken(ctx, p.PublicToken)
	if err != nil {
		return nil, err
	}
	return s.linkPayment(p.UserID, linkage.AccessToken, linkage.ItemID)
}

func (s *Server) paymentsBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	user, err := s.userFromParams(params)
	if err != nil {
		return nil, err
	}
	if !user.PaymentLinked() {
		return nil, invalidParams("user has no linked payment account")
	}
	return s.payments.Balances(ctx, user.PaymentAccessToken)
}
