package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coinvault/custodian/pkg/logging"
)

// Register registers the custodian collectors plus Go and process metrics
// with the default registry.
func Register(log *logging.Logger) {
	registerIfNotExists(collectors.NewGoCollector(), "go_collector", log)
	registerIfNotExists(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), "process_collector", log)

	registerIfNotExists(settlementPurchasesTotal, "settlement_purchases_total", log)
	registerIfNotExists(settlementPurchaseDuration, "settlement_purchase_duration", log)
	registerIfNotExists(settlementPartialFailuresTotal, "settlement_partial_failures_total", log)
	registerIfNotExists(feeEstimatesTotal, "fee_estimates_total", log)
	registerIfNotExists(feeLastSats, "fee_last_sats", log)
	registerIfNotExists(walletBroadcastsTotal, "wallet_broadcasts_total", log)
	registerIfNotExists(walletLockWait, "wallet_lock_wait", log)
	registerIfNotExists(walletInputsSelected, "wallet_inputs_selected", log)
	registerIfNotExists(paymentsRequestsTotal, "payments_requests_total", log)
	registerIfNotExists(paymentsRequestDuration, "payments_request_duration", log)
	registerIfNotExists(rpcRequestsTotal, "rpc_requests_total", log)
	registerIfNotExists(rpcRequestDuration, "rpc_request_duration", log)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func registerIfNotExists(collector prometheus.Collector, name string, log *logging.Logger) {
	if err := prometheus.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegErr) {
			log.Debug("Collector already registered", "name", name)
		} else {
			log.Error("Failed to register collector", "name", name, "error", err)
		}
	}
}
