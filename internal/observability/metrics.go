package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	settlementsCounter    *prometheus.CounterVec
	ledgerAppliedCounter  *prometheus.CounterVec
	ledgerDriftCounter    *prometheus.CounterVec
	webhookEventCounter   *prometheus.CounterVec
	verificationCounter   *prometheus.CounterVec
	idempotencyCounter    *prometheus.CounterVec
	workerRunCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		settlementsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlements_created_total",
			Help: "Settlements accepted for submission",
		}, []string{"type"})

		ledgerAppliedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_applied_total",
			Help: "Completed settlements applied to balances",
		}, []string{"type"})

		ledgerDriftCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_drift_total",
			Help: "Accounts whose balance diverged from settled history",
		}, []string{"currency"})

		webhookEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook callbacks by event and outcome",
		}, []string{"event", "outcome"})

		verificationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deposit_verifications_total",
			Help: "On-chain deposit verification outcomes",
		}, []string{"outcome"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			settlementsCounter,
			ledgerAppliedCounter,
			ledgerDriftCounter,
			webhookEventCounter,
			verificationCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementSettlementsCreated(settlementType string) {
	if settlementsCounter == nil {
		return
	}
	settlementsCounter.WithLabelValues(settlementType).Inc()
}

func IncrementLedgerApplied(settlementType string) {
	if ledgerAppliedCounter == nil {
		return
	}
	ledgerAppliedCounter.WithLabelValues(settlementType).Inc()
}

func IncrementLedgerDrift(currency string) {
	if ledgerDriftCounter == nil {
		return
	}
	ledgerDriftCounter.WithLabelValues(currency).Inc()
}

func IncrementWebhookEvent(event, outcome string) {
	if webhookEventCounter == nil {
		return
	}
	webhookEventCounter.WithLabelValues(event, outcome).Inc()
}

func IncrementDepositVerification(outcome string) {
	if verificationCounter == nil {
		return
	}
	verificationCounter.WithLabelValues(outcome).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
