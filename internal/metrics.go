package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_webhook_requests_total",
		Help: "Webhook requests received, by provider.",
	}, []string{"provider"})
	rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_webhook_rejected_total",
		Help: "Webhook requests rejected before recording, by provider and reason.",
	}, []string{"provider", "reason"})
	duplicatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_webhook_duplicates_total",
		Help: "Deliveries acknowledged as duplicates, by provider.",
	}, []string{"provider"})
	ledgerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_ledger_errors_total",
		Help: "Ledger write failures, by provider.",
	}, []string{"provider"})
	enqueueErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_enqueue_errors_total",
		Help: "Failed or timed out work queue hand-offs, by driver.",
	}, []string{"driver"})
	tokenExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hookgate_token_exchanges_total",
		Help: "Installation token requests, by result.",
	}, []string{"result"})
	tokenCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookgate_token_cache_hits_total",
		Help: "Installation tokens served from cache.",
	})
	sweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hookgate_reconciled_total",
		Help: "Unprocessed deliveries re-enqueued by the sweeper.",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		rejectedTotal,
		duplicatesTotal,
		ledgerErrors,
		enqueueErrors,
		tokenExchanges,
		tokenCacheHits,
		sweptTotal,
	)
}

func IncRequest(provider string) {
	requestsTotal.WithLabelValues(provider).Inc()
}

func IncRejected(provider, reason string) {
	rejectedTotal.WithLabelValues(provider, reason).Inc()
}

func IncDuplicate(provider string) {
	duplicatesTotal.WithLabelValues(provider).Inc()
}

func IncLedgerError(provider string) {
	ledgerErrors.WithLabelValues(provider).Inc()
}

func IncPublishError(driver string) {
	enqueueErrors.WithLabelValues(driver).Inc()
}

// IncTokenExchange records an exchange outcome: ok, failed or unconfigured.
func IncTokenExchange(result string) {
	tokenExchanges.WithLabelValues(result).Inc()
}

func IncTokenCacheHit() {
	tokenCacheHits.Inc()
}

func IncSwept(n int) {
	sweptTotal.Add(float64(n))
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
