// Package metrics exposes Prometheus collectors for the custodian.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "custodian"

var (
	settlementPurchasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "purchases_total",
			Help:      "Total number of purchases by outcome code",
		},
		[]string{"outcome"}, // ok, or an error code
	)

	settlementPurchaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "purchase_duration_seconds",
			Help:      "Time taken by a purchase from validation to receipt",
			Buckets:   prometheus.DefBuckets,
		},
	)

	settlementPartialFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "partial_failures_total",
			Help:      "Purchases that debited fiat but sent no BTC",
		},
		[]string{"code"},
	)

	feeEstimatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "estimates_total",
			Help:      "Fee estimates by result",
		},
		[]string{"result"}, // ok, degraded
	)

	feeLastSats = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fee",
			Name:      "last_fee_sats",
			Help:      "Most recent per-transaction fee estimate in satoshis",
		},
	)

	walletBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "broadcasts_total",
			Help:      "Vault sends by result",
		},
		[]string{"result"}, // ok, insufficient_funds, rejected, timeout, signing_failed, error
	)

	walletLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the vault lock",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
	)

	walletInputsSelected = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "inputs_selected",
			Help:      "Number of vault UTXOs spent per transaction",
			Buckets:   []float64{1, 2, 3, 5, 10, 20, 50},
		},
	)

	paymentsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "requests_total",
			Help:      "Payments API calls by endpoint and result",
		},
		[]string{"endpoint", "result"}, // ok, declined, api_error, timeout, error
	)

	paymentsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payments",
			Name:      "request_duration_seconds",
			Help:      "Payments API latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "JSON-RPC requests by method and status",
		},
		[]string{"method", "status"}, // ok, error
	)

	rpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "JSON-RPC request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

// SettlementMetrics records purchase outcomes.
type SettlementMetrics struct{}

// NewSettlementMetrics creates a new instance of SettlementMetrics
func NewSettlementMetrics() *SettlementMetrics {
	return &SettlementMetrics{}
}

// RecordPurchase records a finished purchase. outcome is "ok" or an error code.
func (m *SettlementMetrics) RecordPurchase(outcome string, duration time.Duration) {
	settlementPurchasesTotal.WithLabelValues(outcome).Inc()
	settlementPurchaseDuration.Observe(duration.Seconds())
}

// RecordPartialFailure records a purchase stuck between fiat and BTC.
func (m *SettlementMetrics) RecordPartialFailure(code string) {
	settlementPartialFailuresTotal.WithLabelValues(code).Inc()
}

// FeeMetrics records fee estimation.
type FeeMetrics struct{}

// NewFeeMetrics creates a new instance of FeeMetrics
func NewFeeMetrics() *FeeMetrics {
	return &FeeMetrics{}
}

// RecordEstimate records one fee estimate.
func (m *FeeMetrics) RecordEstimate(feeSats int64, degraded bool) {
	result := "ok"
	if degraded {
		result = "degraded"
	}
	feeEstimatesTotal.WithLabelValues(result).Inc()
	feeLastSats.Set(float64(feeSats))
}

// WalletMetrics records vault sends.
type WalletMetrics struct{}

// NewWalletMetrics creates a new instance of WalletMetrics
func NewWalletMetrics() *WalletMetrics {
	return &WalletMetrics{}
}

// RecordLockWait records how long a send waited for the vault lock.
func (m *WalletMetrics) RecordLockWait(d time.Duration) {
	walletLockWait.Observe(d.Seconds())
}

// RecordSend records a send attempt.
func (m *WalletMetrics) RecordSend(result string, inputs int) {
	walletBroadcastsTotal.WithLabelValues(result).Inc()
	if inputs > 0 {
		walletInputsSelected.Observe(float64(inputs))
	}
}

// RPCMetrics records API traffic.
type RPCMetrics struct{}

// NewRPCMetrics creates a new instance of RPCMetrics
func NewRPCMetrics() *RPCMetrics {
	return &RPCMetrics{}
}

// RecordRequest records one JSON-RPC call.
func (m *RPCMetrics) RecordRequest(method string, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	rpcRequestsTotal.WithLabelValues(method, status).Inc()
	rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// PaymentsMetrics records payments API traffic.
type PaymentsMetrics struct{}

// NewPaymentsMetrics creates a new instance of PaymentsMetrics
func NewPaymentsMetrics() *PaymentsMetrics {
	return &PaymentsMetrics{}
}

// RecordRequest records one payments API call.
func (m *PaymentsMetrics) RecordRequest(endpoint, result string, duration time.Duration) {
	paymentsRequestsTotal.WithLabelValues(endpoint, result).Inc()
	paymentsRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
