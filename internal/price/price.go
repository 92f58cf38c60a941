// Package price quotes BTC in USD.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrQuoteUnavailable is returned whenever no trustworthy price could be
// obtained. There is never a fallback price.
var ErrQuoteUnavailable = errors.New("price quote unavailable")

// ErrTimeout is wrapped alongside ErrQuoteUnavailable when the feed did
// not answer in time.
var ErrTimeout = errors.New("price feed timed out")

// DefaultFixedPrice is the dev/regtest quote.
const DefaultFixedPrice = 30000

// Oracle returns the current USD price of one BTC.
type Oracle interface {
	Price(ctx context.Context) (float64, error)
}

// Fixed always returns the same price.
type Fixed float64

// Price returns the fixed value.
func (f Fixed) Price(ctx context.Context) (float64, error) {
	p := float64(f)
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: fixed price %v", ErrQuoteUnavailable, p)
	}
	return p, nil
}

// Mempool reads prices from a mempool.space compatible API.
type Mempool struct {
	baseURL    string
	httpClient *http.Client
}

// NewMempool creates a price feed. baseURL is the API root, for example
// https://mempool.space/api.
func NewMempool(baseURL string, timeout time.Duration) *Mempool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mempool{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Price fetches GET /v1/prices and returns the USD field.
func (m *Mempool) Price(ctx context.Context) (float64, error) {
	var prices struct {
		Time int64    `json:"time"`
		USD  *float64 `json:"USD"`
	}
	if err := m.get(ctx, "/v1/prices", &prices); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}
	if prices.USD == nil {
		return 0, fmt.Errorf("%w: response has no USD price", ErrQuoteUnavailable)
	}
	p := *prices.USD
	if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: bad USD price %v", ErrQuoteUnavailable, p)
	}
	return p, nil
}

func (m *Mempool) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Add cache-busting headers to avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s", ErrTimeout, path)
		}
		return err
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

var (
	_ Oracle = Fixed(0)
	_ Oracle = (*Mempool)(nil)
)
