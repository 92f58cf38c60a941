// Package paymentstest provides an in-memory transfer API for tests.
package paymentstest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/coinvault/custodian/internal/payments"
)

// Transfer is a transfer the fake API created.
type Transfer struct {
	ID              string
	AccessToken     string
	AccountID       string
	AuthorizationID string
	Amount          string
	Description     string
	IdempotencyKey  string
	Status          payments.Status
}

// Server is a fake transfer API.
type Server struct {
	*httptest.Server

	ClientID string
	Secret   string

	mu        sync.Mutex
	accounts  map[string]string // access token -> account id
	balances  map[string]float64
	declined  bool
	status    payments.Status
	transfers map[string]*Transfer
	order     []string
	byKey     map[string]string // idempotency key -> transfer id
	errors    map[string]*payments.APIError
	delays    map[string]time.Duration
	calls     map[string]int
	versions  []string
	nextID    int
}

// New starts a fake API. New transfers start out pending.
func New() *Server {
	s := &Server{
		ClientID:  "test-client",
		Secret:    "test-secret",
		accounts:  make(map[string]string),
		balances:  make(map[string]float64),
		status:    payments.StatusPending,
		transfers: make(map[string]*Transfer),
		byKey:     make(map[string]string),
		errors:    make(map[string]*payments.APIError),
		delays:    make(map[string]time.Duration),
		calls:     make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Client returns a payments client pointed at this server.
func (s *Server) Client(timeout time.Duration, opts ...payments.Option) *payments.Client {
	return payments.New(payments.Config{
		BaseURL:  s.URL,
		ClientID: s.ClientID,
		Secret:   s.Secret,
		Version:  "2020-09-14",
		Timeout:  timeout,
	}, opts...)
}

// AddAccount links accountID to accessToken with the given balance.
func (s *Server) AddAccount(accessToken, accountID string, balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accessToken] = accountID
	s.balances[accountID] = balance
}

// Decline makes authorizations come back declined.
func (s *Server) Decline(declined bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined = declined
}

// SetInitialStatus sets the status of newly created transfers.
func (s *Server) SetInitialStatus(status payments.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetStatus changes the status of an existing transfer.
func (s *Server) SetStatus(transferID string, status payments.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[transferID]; ok {
		t.Status = status
	}
}

// SetError makes path answer with an API error.
func (s *Server) SetError(path string, status int, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[path] = &payments.APIError{
		StatusCode: status,
		Type:       "TRANSFER_ERROR",
		Code:       code,
		Message:    message,
	}
}

// ClearError removes an error set with SetError.
func (s *Server) ClearError(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errors, path)
}

// SetDelay stalls path before answering.
func (s *Server) SetDelay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Transfers returns created transfers in creation order.
func (s *Server) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.transfers[id])
	}
	return out
}

// Calls returns how many times path was requested.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// Versions returns the Plaid-Version header of every request.
func (s *Server) Versions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.versions...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &payments.APIError{StatusCode: 400, Type: "INVALID_REQUEST", Code: "INVALID_BODY", Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.calls[r.URL.Path]++
	s.versions = append(s.versions, r.Header.Get("Plaid-Version"))
	delay := s.delays[r.URL.Path]
	apiErr := s.errors[r.URL.Path]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body["client_id"] != s.ClientID || body["secret"] != s.Secret {
		writeError(w, &payments.APIError{StatusCode: 400, Type: "INVALID_INPUT", Code: "INVALID_API_KEYS", Message: "invalid client_id or secret provided"})
		return
	}

	s.mu.Lock()
	result, apiErr := s.dispatch(r.URL.Path, body)
	s.mu.Unlock()

	if apiErr != nil {
		writeError(w, apiErr)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) dispatch(path string, body map[string]interface{}) (interface{}, *payments.APIError) {
	str := func(k string) string { v, _ := body[k].(string); return v }

	switch path {
	case "/accounts/get", "/accounts/balance/get":
		accountID, ok := s.accounts[str("access_token")]
		if !ok {
			return nil, invalidToken()
		}
		balance := s.balances[accountID]
		return map[string]interface{}{
			"accounts": []map[string]interface{}{{
				"account_id": accountID,
				"balances": map[string]interface{}{
					"available":         balance,
					"current":           balance,
					"iso_currency_code": "USD",
				},
			}},
		}, nil

	case "/transfer/authorization/create":
		if _, ok := s.accounts[str("access_token")]; !ok {
			return nil, invalidToken()
		}
		s.nextID++
		auth := map[string]interface{}{
			"id":       fmt.Sprintf("auth-%d", s.nextID),
			"decision": "approved",
		}
		if s.declined {
			auth["decision"] = "declined"
			auth["decision_rationale"] = map[string]string{
				"code":        "NSF",
				"description": "Transaction likely to result in a return due to insufficient funds.",
			}
		}
		return map[string]interface{}{"authorization": auth}, nil

	case "/transfer/create":
		if _, ok := s.accounts[str("access_token")]; !ok {
			return nil, invalidToken()
		}
		key := str("idempotency_key")
		if id, ok := s.byKey[key]; ok && key != "" {
			return map[string]interface{}{"transfer": s.transferJSON(s.transfers[id])}, nil
		}
		s.nextID++
		t := &Transfer{
			ID:              fmt.Sprintf("transfer-%d", s.nextID),
			AccessToken:     str("access_token"),
			AccountID:       str("account_id"),
			AuthorizationID: str("authorization_id"),
			Amount:          str("amount"),
			Description:     str("description"),
			IdempotencyKey:  key,
			Status:          s.status,
		}
		s.transfers[t.ID] = t
		s.order = append(s.order, t.ID)
		if key != "" {
			s.byKey[key] = t.ID
		}
		return map[string]interface{}{"transfer": s.transferJSON(t)}, nil

	case "/transfer/get":
		t, ok := s.transfers[str("transfer_id")]
		if !ok {
			return nil, &payments.APIError{StatusCode: 400, Type: "TRANSFER_ERROR", Code: "TRANSFER_NOT_FOUND", Message: "transfer not found"}
		}
		return map[string]interface{}{"transfer": s.transferJSON(t)}, nil

	case "/link/token/create":
		return map[string]interface{}{
			"link_token": "link-sandbox-" + fmt.Sprint(s.nextID),
			"expiration": time.Now().Add(4 * time.Hour).UTC().Format(time.RFC3339),
		}, nil

	case "/item/public_token/exchange":
		public := str("public_token")
		if public == "" {
			return nil, &payments.APIError{StatusCode: 400, Type: "INVALID_INPUT", Code: "INVALID_PUBLIC_TOKEN", Message: "provided public token is in an invalid format"}
		}
		access := "access-" + public
		if _, ok := s.accounts[access]; !ok {
			s.accounts[access] = "account-" + public
		}
		return map[string]interface{}{"access_token": access, "item_id": "item-" + public}, nil
	}

	return nil, &payments.APIError{StatusCode: 404, Type: "API_ERROR", Code: "NOT_FOUND", Message: "unknown endpoint " + path}
}

func (s *Server) transferJSON(t *Transfer) map[string]interface{} {
	return map[string]interface{}{
		"id":          t.ID,
		"status":      t.Status,
		"amount":      t.Amount,
		"type":        "debit",
		"network":     "same-day-ach",
		"description": t.Description,
	}
}

func invalidToken() *payments.APIError {
	return &payments.APIError{StatusCode: 400, Type: "INVALID_INPUT", Code: "INVALID_ACCESS_TOKEN", Message: "provided access token is in an invalid format"}
}

func writeError(w http.ResponseWriter, apiErr *payments.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(apiErr)
}
