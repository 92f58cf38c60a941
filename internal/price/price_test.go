package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFixed(t *testing.T) {
	p, err := Fixed(DefaultFixedPrice).Price(context.Background())
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if p != 30000 {
		t.Errorf("Price() = %v, want 30000", p)
	}

	if _, err := Fixed(0).Price(context.Background()); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("zero fixed price: got %v, want ErrQuoteUnavailable", err)
	}
}

func TestMempoolPrice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"time":1700000000,"USD":64123.5,"EUR":59000}`))
	}))
	defer srv.Close()

	p, err := NewMempool(srv.URL+"/api/", time.Second).Price(context.Background())
	if err != nil {
		t.Fatalf("Price() error = %v", err)
	}
	if p != 64123.5 {
		t.Errorf("Price() = %v, want 64123.5", p)
	}
	if gotPath != "/api/v1/prices" {
		t.Errorf("path = %s, want /api/v1/prices", gotPath)
	}
}

func TestMempoolPriceFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		delay  time.Duration
	}{
		{"server error", http.StatusInternalServerError, `oops`, 0},
		{"rate limited", http.StatusTooManyRequests, ``, 0},
		{"no usd", http.StatusOK, `{"time":1,"EUR":1}`, 0},
		{"zero usd", http.StatusOK, `{"time":1,"USD":0}`, 0},
		{"negative usd", http.StatusOK, `{"time":1,"USD":-5}`, 0},
		{"malformed", http.StatusOK, `<html>`, 0},
		{"timeout", http.StatusOK, `{"USD":1}`, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewMempool(srv.URL, 50*time.Millisecond).Price(context.Background())
			if !errors.Is(err, ErrQuoteUnavailable) {
				t.Fatalf("got %v, want ErrQuoteUnavailable", err)
			}
			if timedOut := errors.Is(err, ErrTimeout); timedOut != (tt.delay > 0) {
				t.Errorf("errors.Is(err, ErrTimeout) = %v, want %v", timedOut, tt.delay > 0)
			}
		})
	}
}

func TestMempoolUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := NewMempool(url, time.Second).Price(context.Background()); !errors.Is(err, ErrQuoteUnavailable) {
		t.Fatalf("got %v, want ErrQuoteUnavailable", err)
	}
}
