package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/fee"
	"github.com/coinvault/custodian/internal/settlement"
	"github.com/coinvault/custodian/internal/wallet"
	"github.com/coinvault/custodian/pkg/helpers"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Version      string `json:"version"`
	Network      string `json:"network"`
	BlockHeight  int64  `json:"block_height"`
	NodeVersion  int64  `json:"node_version"`
	NodeAgent    string `json:"node_agent"`
	Connections  int64  `json:"connections"`
	NodeError    string `json:"node_error,omitempty"`
	VaultAddress string `json:"vault_address"`
	Uptime       string `json:"uptime"`
	WSClients    int    `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeStatusResult{
		Version:   Version,
		Network:   string(s.params.Network),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		WSClients: s.wsHub.ClientCount(),
	}
	if s.vault != nil {
		result.VaultAddress = s.vault.Address()
	}

	// A down node is reported, not returned as an error.
	var (
		height int64
		info   *backend.NetworkInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		height, err = s.node.GetBlockCount(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = s.node.GetNetworkInfo(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		result.NodeError = err.Error()
		return result, nil
	}
	result.BlockHeight = height
	result.NodeVersion = info.Version
	result.NodeAgent = info.Subversion
	result.Connections = info.Connections

	return result, nil
}

// ========================================
// Settlement handlers
// ========================================

// PurchaseParams is the parameters for settlement_purchase.
type PurchaseParams struct {
	UserID    string  `json:"user_id"`
	AmountUSD float64 `json:"amount_usd"`
}

func (s *Server) settlementPurchase(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PurchaseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, invalidParams("user_id is required")
	}

	ok, err := s.limiter.allow(ctx, p.UserID)
	if err != nil {
		s.log.Warn("Rate limiter failed, allowing purchase", "user", p.UserID, "error", err)
	}
	if !ok {
		return nil, &Error{Code: RateLimited, Message: "purchase rate limit exceeded for user " + p.UserID}
	}

	return s.settlement.Purchase(ctx, p.UserID, p.AmountUSD)
}

// QuoteParams is the parameters for settlement_quote.
type QuoteParams struct {
	AmountUSD float64 `json:"amount_usd"`
}

func (s *Server) settlementQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QuoteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.settlement.Quote(ctx, p.AmountUSD)
}

// PriceResult is the response for settlement_price.
type PriceResult struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

func (s *Server) settlementPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, err := s.oracle.Price(ctx)
	if err != nil {
		return nil, err
	}
	return &PriceResult{Price: p, Currency: "USD"}, nil
}

// FeeResult is the response for settlement_fee.
type FeeResult struct {
	fee.Quote
	FeeBTC  string `json:"fee_btc"`
	RateBTC string `json:"rate_btc_per_kvb"`
}

func (s *Server) settlementFee(ctx context.Context, params json.RawMessage) (interface{}, error) {
	q := s.fees.Estimate(ctx)
	return &FeeResult{
		Quote:   q,
		FeeBTC:  helpers.SatoshisToBTC(uint64(q.Fee)),
		RateBTC: helpers.SatoshisToBTC(uint64(q.Rate)),
	}, nil
}

// ========================================
// Wallet handlers
// ========================================

// VaultResult is the response for wallet_vault.
type VaultResult struct {
	Address string `json:"address"`
	Network string `json:"network"`
}

func (s *Server) walletVault(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("vault not loaded")
	}
	return &VaultResult{
		Address: s.vault.Address(),
		Network: string(s.params.Network),
	}, nil
}

// GetBalanceParams is the parameters for wallet_getBalance.
type GetBalanceParams struct {
	UserID  string `json:"user_id"`
	MinConf *int   `json:"min_conf,omitempty"`
}

// BalanceResult is the response for wallet_getBalance.
type BalanceResult struct {
	Address      string `json:"address"`
	ReceivedSats int64  `json:"received_sats"`
	ReceivedBTC  string `json:"received_btc"`
	MinConf      int    `json:"min_conf"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GetBalanceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, invalidParams("user_id is required")
	}

	user, err := s.store.GetUser(p.UserID)
	if err != nil {
		return nil, err
	}
	if user.BTCReceiveAddress == "" {
		return nil, invalidParams("user has no BTC receive address")
	}

	minConf := s.cfg.MinConf
	if p.MinConf != nil {
		minConf = *p.MinConf
	}

	received, err := wallet.ReceivedBalance(ctx, s.node, user.BTCReceiveAddress, minConf, s.params)
	if err != nil {
		return nil, err
	}

	return &BalanceResult{
		Address:      user.BTCReceiveAddress,
		ReceivedSats: int64(received),
		ReceivedBTC:  helpers.SatoshisToBTC(uint64(received)),
		MinConf:      minConf,
	}, nil
}

var _ settlement.Publisher = (*WSHub)(nil)
