// Package rpc provides the JSON-RPC 2.0 API of the custodian daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/chain"
	"github.com/coinvault/custodian/internal/fee"
	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/internal/payments"
	"github.com/coinvault/custodian/internal/price"
	"github.com/coinvault/custodian/internal/settlement"
	"github.com/coinvault/custodian/internal/storage"
	"github.com/coinvault/custodian/internal/wallet"
	"github.com/coinvault/custodian/pkg/logging"
)

// Deps are the services the API exposes.
type Deps struct {
	Settlement *settlement.Service
	Store      *storage.Storage
	Vault      *wallet.Vault
	Fees       *fee.Estimator
	Oracle     price.Oracle
	Payments   *payments.Client
	Node       backend.Backend
	Params     *chain.Params
	Hub        *WSHub
}

// Config configures the server.
type Config struct {
	// CORSOrigins lists allowed browser origins. "*" allows any.
	CORSOrigins []string

	// MinConf is the confirmation depth used by wallet_getBalance.
	MinConf int

	// ClientName is shown to users in the bank linking flow.
	ClientName string

	// PurchaseLimit caps settlement_purchase calls per user in each
	// PurchaseInterval. Zero disables the limit.
	PurchaseLimit    int
	PurchaseInterval time.Duration
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	cfg        Config
	settlement *settlement.Service
	store      *storage.Storage
	vault      *wallet.Vault
	fees       *fee.Estimator
	oracle     price.Oracle
	payments   *payments.Client
	node       backend.Backend
	params     *chain.Params
	log        *logging.Logger
	wsHub      *WSHub
	metrics    *metrics.RPCMetrics
	limiter    *purchaseLimiter
	started    time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error. Handlers may return one directly.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes outside the settlement taxonomy.
const (
	NotFound = -32040
	Conflict = -32041
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.ClientName == "" {
		cfg.ClientName = "Custodian"
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewWSHub()
	}

	s := &Server{
		cfg:        cfg,
		settlement: deps.Settlement,
		store:      deps.Store,
		vault:      deps.Vault,
		fees:       deps.Fees,
		oracle:     deps.Oracle,
		payments:   deps.Payments,
		node:       deps.Node,
		params:     deps.Params,
		wsHub:      hub,
		log:        logging.GetDefault().Component("rpc"),
		metrics:    metrics.NewRPCMetrics(),
		started:    time.Now(),
		handlers:   make(map[string]Handler),
	}

	limiter, err := newPurchaseLimiter(cfg.PurchaseLimit, cfg.PurchaseInterval)
	if err != nil {
		s.log.Warn("Purchase rate limit disabled", "error", err)
	}
	s.limiter = limiter

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Settlement methods
	s.handlers["settlement_purchase"] = s.settlementPurchase
	s.handlers["settlement_quote"] = s.settlementQuote
	s.handlers["settlement_price"] = s.settlementPrice
	s.handlers["settlement_fee"] = s.settlementFee

	// Wallet methods
	s.handlers["wallet_vault"] = s.walletVault
	s.handlers["wallet_getBalance"] = s.walletGetBalance

	// User methods
	s.handlers["users_create"] = s.usersCreate
	s.handlers["users_get"] = s.usersGet
	s.handlers["users_linkPayment"] = s.usersLinkPayment
	s.handlers["users_setReceiveAddress"] = s.usersSetReceiveAddress

	// Payments methods
	s.handlers["payments_transferStatus"] = s.paymentsTransferStatus
	s.handlers["payments_createLinkToken"] = s.paymentsCreateLinkToken
	s.handlers["payments_exchangePublicToken"] = s.paymentsExchangePublicToken
	s.handlers["payments_balance"] = s.paymentsBalance

	// Purchase history
	s.handlers["purchases_list"] = s.purchasesList
	s.handlers["purchases_get"] = s.purchasesGet

	// Reconciliation ledger
	s.handlers["reconciliation_list"] = s.reconciliationList
	s.handlers["reconciliation_resolve"] = s.reconciliationResolve
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.limiter.close(ctx); err != nil {
		s.log.Warn("Failed to close rate limiter", "error", err)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), req.Params)
	s.metrics.RecordRequest(req.Method, err == nil, time.Since(start))
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.log.Error("RPC method failed", "method", req.Method, "error", err)
		} else {
			s.log.Debug("RPC method error", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ErrorData is the data member of settlement errors.
type ErrorData struct {
	Code       settlement.Code `json:"code"`
	Message    string          `json:"message"`
	TransferID string          `json:"transfer_id,omitempty"`
	PurchaseID string          `json:"purchase_id,omitempty"`
	Partial    bool            `json:"partial,omitempty"`
}

// SettlementErrorCode returns the JSON-RPC code for a settlement code.
// Codes start at -32001 and follow settlement.Codes.
func SettlementErrorCode(code settlement.Code) int {
	i := slices.Index(settlement.Codes, code)
	if i < 0 {
		return InternalError
	}
	return -32001 - i
}

func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var partial *settlement.PartialFailure
	var settleErr *settlement.Error
	switch {
	case errors.As(err, &partial):
		return &Error{
			Code:    SettlementErrorCode(partial.Code()),
			Message: partial.Error(),
			Data: &ErrorData{
				Code:       partial.Code(),
				Message:    partial.Cause.Message,
				TransferID: partial.TransferID,
				PurchaseID: partial.PurchaseID,
				Partial:    true,
			},
		}
	case errors.As(err, &settleErr):
		return &Error{
			Code:    SettlementErrorCode(settleErr.Code),
			Message: settleErr.Error(),
			Data:    &ErrorData{Code: settleErr.Code, Message: settleErr.Message},
		}
	}

	switch {
	case errors.Is(err, storage.ErrUserNotFound),
		errors.Is(err, storage.ErrPurchaseNotFound),
		errors.Is(err, storage.ErrReconciliationNotFound):
		return &Error{Code: NotFound, Message: err.Error()}
	case errors.Is(err, storage.ErrUserExists),
		errors.Is(err, storage.ErrAlreadyResolved):
		return &Error{Code: Conflict, Message: err.Error()}
	}

	code := settlement.CodeOf(err)
	if code == settlement.CodeInternal {
		return &Error{Code: InternalError, Message: err.Error()}
	}
	return &Error{
		Code:    SettlementErrorCode(code),
		Message: err.Error(),
		Data:    &ErrorData{Code: code, Message: err.Error()},
	}
}

func invalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// decodeParams unmarshals params into v.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers for configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400") // Cache preflight for 24 hours
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
