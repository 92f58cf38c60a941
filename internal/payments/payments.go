// Package payments is a client for a Plaid-style bank transfer API. The
// custodian uses it to debit a user's linked bank account before paying out
// BTC.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/pkg/logging"
)

// Common errors
var (
	// ErrDeclined means the transfer authorization was not approved.
	ErrDeclined = errors.New("transfer authorization declined")

	// ErrTimeout means the call did not complete within its deadline. A timed
	// out transfer creation may or may not have happened.
	ErrTimeout = errors.New("payments request timed out")

	// ErrNoAccount means the linked item has no account to debit.
	ErrNoAccount = errors.New("no account found for access token")

	// ErrInvalidResponse means the API answered with an unexpected body.
	ErrInvalidResponse = errors.New("invalid payments response")
)

// APIError is an error body returned by the API.
type APIError struct {
	StatusCode     int    `json:"-"`
	Type           string `json:"error_type"`
	Code           string `json:"error_code"`
	Message        string `json:"error_message"`
	DisplayMessage string `json:"display_message,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payments api error %s/%s (HTTP %d): %s", e.Type, e.Code, e.StatusCode, e.Message)
}

// Config configures the client.
type Config struct {
	BaseURL  string
	ClientID string
	Secret   string
	// Version is sent as the Plaid-Version header.
	Version string
	// Network is the ACH network, for example "same-day-ach".
	Network string
	// ACHClass is the SEC code, for example "ppd".
	ACHClass string
	Timeout  time.Duration
}

// Client talks to the transfer API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logging.Logger
	metrics    *metrics.PaymentsMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// New creates a client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Network == "" {
		cfg.Network = "same-day-ach"
	}
	if cfg.ACHClass == "" {
		cfg.ACHClass = "ppd"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		log:        logging.GetDefault().Component("payments"),
		metrics:    metrics.NewPaymentsMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call POSTs body to path with the client credentials merged in and decodes
// the response into result.
func (c *Client) call(ctx context.Context, path string, body map[string]interface{}, result interface{}) error {
	start := time.Now()
	err := c.do(ctx, path, body, result)
	c.metrics.RecordRequest(path, resultLabel(err), time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, path string, body map[string]interface{}, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		payload[k] = v
	}
	payload["client_id"] = c.cfg.ClientID
	payload["secret"] = c.cfg.Secret

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Version != "" {
		req.Header.Set("Plaid-Version", c.cfg.Version)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Type = "API_ERROR"
			apiErr.Code = "HTTP_" + fmt.Sprint(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, path, err)
		}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func resultLabel(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "error"
	}
}
