package rpc

import (
	"context"
	"time"

	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
)

// RateLimited is returned when a user exceeds the purchase rate.
const RateLimited = -32042

// purchaseLimiter caps settlement_purchase calls per user with a token
// bucket. A nil limiter allows everything.
type purchaseLimiter struct {
	store limiter.Store
}

func newPurchaseLimiter(tokens int, interval time.Duration) (*purchaseLimiter, error) {
	if tokens <= 0 {
		return nil, nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   uint64(tokens),
		Interval: interval,
	})
	if err != nil {
		return nil, err
	}
	return &purchaseLimiter{store: store}, nil
}

// allow takes a token for userID. Store errors fail open.
func (l *purchaseLimiter) allow(ctx context.Context, userID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	_, _, _, ok, err := l.store.Take(ctx, "purchase:"+userID)
	if err != nil {
		return true, err
	}
	return ok, nil
}

func (l *purchaseLimiter) close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.store.Close(ctx)
}
