package rpc

import (
	"context"
	"encoding/json"

	"github.com/coinvault/custodian/internal/storage"
)

// ========================================
// Purchase handlers
// ========================================

// PurchaseInfo is the API view of a purchase.
type PurchaseInfo struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Status       string  `json:"status"`
	AmountUSD    float64 `json:"amount_usd"`
	AmountBTC    float64 `json:"amount_btc,omitempty"`
	Price        float64 `json:"price,omitempty"`
	FeeSats      int64   `json:"fee_sats,omitempty"`
	TransferID   string  `json:"transfer_id,omitempty"`
	TxID         string  `json:"txid,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CreatedAt    int64   `json:"created_at"`
	CompletedAt  *int64  `json:"completed_at,omitempty"`
}

func purchaseToInfo(p *storage.Purchase) *PurchaseInfo {
	return &PurchaseInfo{
		ID:           p.ID,
		UserID:       p.UserID,
		Status:       string(p.Status),
		AmountUSD:    p.AmountUSD,
		AmountBTC:    p.AmountBTC,
		Price:        p.Price,
		FeeSats:      p.FeeSats,
		TransferID:   p.TransferID,
		TxID:         p.TxID,
		ErrorCode:    p.ErrorCode,
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    p.CreatedAt.Unix(),
		CompletedAt:  unixPtr(p.CompletedAt),
	}
}

// PurchasesListParams is the parameters for purchases_list.
type PurchasesListParams struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// PurchasesListResult is the response for purchases_list.
type PurchasesListResult struct {
	Purchases []*PurchaseInfo `json:"purchases"`
	Count     int             `json:"count"`
}

func (s *Server) purchasesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PurchasesListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, invalidParams("user_id is required")
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}

	purchases, err := s.store.ListPurchases(p.UserID, p.Limit)
	if err != nil {
		return nil, err
	}

	result := make([]*PurchaseInfo, 0, len(purchases))
	for _, purchase := range purchases {
		result = append(result, purchaseToInfo(purchase))
	}
	return &PurchasesListResult{Purchases: result, Count: len(result)}, nil
}

// PurchasesGetParams is the parameters for purchases_get.
type PurchasesGetParams struct {
	PurchaseID string `json:"purchase_id"`
}

func (s *Server) purchasesGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PurchasesGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.PurchaseID == "" {
		return nil, invalidParams("purchase_id is required")
	}

	purchase, err := s.store.GetPurchase(p.PurchaseID)
	if err != nil {
		return nil, err
	}
	return purchaseToInfo(purchase), nil
}

// ========================================
// Reconciliation handlers
// ========================================

// ReconciliationInfo is the API view of a ledger entry.
type ReconciliationInfo struct {
	ID         string  `json:"id"`
	UserID     string  `json:"user_id"`
	PurchaseID string  `json:"purchase_id,omitempty"`
	TransferID string  `json:"transfer_id"`
	AmountUSD  float64 `json:"amount_usd"`
	AmountBTC  float64 `json:"amount_btc"`
	Price      float64 `json:"price"`
	ErrorCode  string  `json:"error_code"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Resolution string  `json:"resolution,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	ResolvedAt *int64  `json:"resolved_at,omitempty"`
}

func reconciliationToInfo(r *storage.Reconciliation) *ReconciliationInfo {
	return &ReconciliationInfo{
		ID:         r.ID,
		UserID:     r.UserID,
		PurchaseID: r.PurchaseID,
		TransferID: r.TransferID,
		AmountUSD:  r.AmountUSD,
		AmountBTC:  r.AmountBTC,
		Price:      r.Price,
		ErrorCode:  r.ErrorCode,
		Reason:     r.Reason,
		Status:     string(r.Status),
		Resolution: r.Resolution,
		CreatedAt:  r.CreatedAt.Unix(),
		ResolvedAt: unixPtr(r.ResolvedAt),
	}
}

// ReconciliationListParams is the parameters for reconciliation_list.
type ReconciliationListParams struct {
	Status string `json:"status"` // open, resolved or empty for all
}

// ReconciliationListResult is the response for reconciliation_list.
type ReconciliationListResult struct {
	Entries []*ReconciliationInfo `json:"entries"`
	Count   int                   `json:"count"`
}

func (s *Server) reconciliationList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ReconciliationListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	status := storage.ReconciliationStatus(p.Status)
	switch status {
	case "", storage.ReconciliationOpen, storage.ReconciliationResolved:
	default:
		return nil, invalidParams("status must be open or resolved")
	}

	entries, err := s.store.ListReconciliations(status)
	if err != nil {
		return nil, err
	}

	result := make([]*ReconciliationInfo, 0, len(entries))
	for _, e := range entries {
		result = append(result, reconciliationToInfo(e))
	}
	return &ReconciliationListResult{Entries: result, Count: len(result)}, nil
}

// ReconciliationResolveParams is the parameters for reconciliation_resolve.
type ReconciliationResolveParams struct {
	ID         string `json:"id"`
	Resolution string `json:"resolution"`
}

func (s *Server) reconciliationResolve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ReconciliationResolveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.Resolution == "" {
		return nil, invalidParams("id and resolution are required")
	}

	if err := s.store.ResolveReconciliation(p.ID, p.Resolution); err != nil {
		return nil, err
	}

	s.log.Info("Reconciliation resolved", "id", p.ID)
	s.wsHub.Broadcast(EventReconciliationResolved, map[string]string{
		"id":         p.ID,
		"resolution": p.Resolution,
	})

	return map[string]string{"id": p.ID, "status": string(storage.ReconciliationResolved)}, nil
}
