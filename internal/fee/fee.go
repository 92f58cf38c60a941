// Package fee estimates the per-transaction fee paid by vault sends.
//
// The fee is a flat amount derived from the node's fee rate and an assumed
// 250 byte transaction, floored at MinFee. Estimation never fails: when any
// node call errors the estimator falls back to MinFee and marks the quote
// as degraded.
package fee

import (
	"context"
	"math"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/metrics"
	"github.com/coinvault/custodian/pkg/logging"
)

const (
	// ConfTarget is the estimatesmartfee confirmation target in blocks.
	ConfTarget = 6

	// AssumedTxSize approximates a 1-in/2-out P2WPKH transaction.
	AssumedTxSize = 250

	// DefaultRelayFee is used when the node reports no relay fee (0.00021 BTC/kvB).
	DefaultRelayFee btcutil.Amount = 21000

	// MinFee is the absolute per-transaction floor (0.00021 BTC).
	MinFee btcutil.Amount = 21000

	// DefaultMaxRetries is how often timed out node calls are retried.
	DefaultMaxRetries = 2
)

// Source is the node surface the estimator reads.
type Source interface {
	GetNetworkInfo(ctx context.Context) (*backend.NetworkInfo, error)
	EstimateSmartFee(ctx context.Context, confTarget int) (*backend.SmartFee, error)
}

// Quote is a fee estimate.
type Quote struct {
	// Rate is the effective fee rate per 1000 bytes.
	Rate btcutil.Amount `json:"rate"`
	// Fee is the flat fee for one transaction.
	Fee btcutil.Amount `json:"fee"`
	// Degraded is set when the node could not be queried and Fee is MinFee.
	Degraded bool `json:"degraded"`
}

// Estimator computes fees from node state.
type Estimator struct {
	node       Source
	maxRetries int
	log        *logging.Logger
	metrics    *metrics.FeeMetrics
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithMaxRetries sets how often timed out calls are retried.
func WithMaxRetries(n int) Option {
	return func(e *Estimator) { e.maxRetries = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Estimator) { e.log = l }
}

// New creates an estimator backed by node.
func New(node Source, opts ...Option) *Estimator {
	e := &Estimator{
		node:       node,
		maxRetries: DefaultMaxRetries,
		log:        logging.GetDefault().Component("fee"),
		metrics:    metrics.NewFeeMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EstimatedFee returns the flat fee for the next send.
func (e *Estimator) EstimatedFee(ctx context.Context) btcutil.Amount {
	return e.Estimate(ctx).Fee
}

// Estimate queries the node and returns a fee quote.
func (e *Estimator) Estimate(ctx context.Context) Quote {
	q, err := e.estimate(ctx)
	if err != nil {
		e.log.Warn("Fee estimation degraded, using minimum fee", "fee", MinFee, "error", err)
		q = Quote{Rate: DefaultRelayFee, Fee: MinFee, Degraded: true}
	}
	e.metrics.RecordEstimate(int64(q.Fee), q.Degraded)
	return q
}

func (e *Estimator) estimate(ctx context.Context) (Quote, error) {
	info, err := backend.Retry(ctx, e.maxRetries, e.node.GetNetworkInfo)
	if err != nil {
		return Quote{}, err
	}

	relay, err := toAmount(info.RelayFee)
	if err != nil {
		return Quote{}, err
	}
	if relay <= 0 {
		relay = DefaultRelayFee
	}

	rate := relay
	smart, err := backend.Retry(ctx, e.maxRetries, func(ctx context.Context) (*backend.SmartFee, error) {
		return e.node.EstimateSmartFee(ctx, ConfTarget)
	})
	switch {
	case err != nil:
		return Quote{}, err
	case len(smart.Errors) > 0 || smart.FeeRate <= 0:
		e.log.Debug("No smart fee estimate, using relay fee", "errors", smart.Errors)
	default:
		smartRate, err := toAmount(smart.FeeRate)
		if err != nil {
			return Quote{}, err
		}
		if smartRate > rate {
			rate = smartRate
		}
	}

	return Quote{Rate: rate, Fee: FeeForRate(rate)}, nil
}

// FeeForRate returns the flat fee for a rate given per 1000 bytes:
// rate * AssumedTxSize / 1000, rounded to satoshis and floored at MinFee.
func FeeForRate(rate btcutil.Amount) btcutil.Amount {
	fee := btcutil.Amount(math.Round(float64(rate) * AssumedTxSize / 1000))
	if fee < MinFee {
		return MinFee
	}
	return fee
}

func toAmount(btc float64) (btcutil.Amount, error) {
	if math.IsNaN(btc) || math.IsInf(btc, 0) || btc < 0 {
		return 0, backend.ErrInvalidResponse
	}
	return btcutil.NewAmount(btc)
}
