package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	idempotencyCounter       *prometheus.CounterVec
	workerRunCounter         *prometheus.CounterVec
	allocationCounter        *prometheus.CounterVec
	ordersByStatusGauge      *prometheus.GaugeVec
	settlementCounter        *prometheus.CounterVec
	discrepancyCounter       *prometheus.CounterVec
	discrepancyPctGauge      *prometheus.GaugeVec
	eligibleInventoryGauge   *prometheus.GaugeVec
	lowInventoryCounter      *prometheus.CounterVec
	circuitBreakerStateGauge *prometheus.GaugeVec
	eventPublishCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		allocationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_allocation_outcomes_total",
			Help: "Per-order allocator outcomes",
		}, []string{"asset", "outcome"})

		ordersByStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fulfillment_orders",
			Help: "Current number of fulfillment orders per status",
		}, []string{"status"})

		settlementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_settlement_outcomes_total",
			Help: "Custody send outcomes",
		}, []string{"asset", "outcome"})

		discrepancyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_discrepancies_total",
			Help: "Reconciliation runs that found a balance discrepancy",
		}, []string{"asset"})

		discrepancyPctGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reconciliation_discrepancy_pct",
			Help: "Discrepancy percentage of the latest reconciliation per asset",
		}, []string{"asset"})

		eligibleInventoryGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inventory_eligible_balance",
			Help: "Eligible (available, non-expired) inventory per asset",
		}, []string{"asset"})

		lowInventoryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_low_alerts_total",
			Help: "Low-inventory alerts raised after allocator passes",
		}, []string{"asset"})

		circuitBreakerStateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"})

		eventPublishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Event publish outcomes",
		}, []string{"result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			idempotencyCounter,
			workerRunCounter,
			allocationCounter,
			ordersByStatusGauge,
			settlementCounter,
			discrepancyCounter,
			discrepancyPctGauge,
			eligibleInventoryGauge,
			lowInventoryCounter,
			circuitBreakerStateGauge,
			eventPublishCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
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

func IncrementAllocation(asset, outcome string) {
	if allocationCounter == nil {
		return
	}
	allocationCounter.WithLabelValues(asset, outcome).Inc()
}

// SetOrdersByStatus replaces the per-status gauge values.
func SetOrdersByStatus(counts map[string]int64) {
	if ordersByStatusGauge == nil {
		return
	}
	ordersByStatusGauge.Reset()
	for status, n := range counts {
		ordersByStatusGauge.WithLabelValues(status).Set(float64(n))
	}
}

func IncrementSettlement(asset, outcome string) {
	if settlementCounter == nil {
		return
	}
	settlementCounter.WithLabelValues(asset, outcome).Inc()
}

func RecordReconciliation(asset string, pct float64, discrepancy bool) {
	if discrepancyPctGauge == nil {
		return
	}
	discrepancyPctGauge.WithLabelValues(asset).Set(pct)
	if discrepancy {
		discrepancyCounter.WithLabelValues(asset).Inc()
	}
}

func SetEligibleInventory(asset string, amount float64) {
	if eligibleInventoryGauge == nil {
		return
	}
	eligibleInventoryGauge.WithLabelValues(asset).Set(amount)
}

func IncrementLowInventory(asset string) {
	if lowInventoryCounter == nil {
		return
	}
	lowInventoryCounter.WithLabelValues(asset).Inc()
}

func SetCircuitBreakerState(name string, state int) {
	if circuitBreakerStateGauge == nil {
		return
	}
	circuitBreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

func IncrementEventPublish(result string) {
	if eventPublishCounter == nil {
		return
	}
	eventPublishCounter.WithLabelValues(result).Inc()
}
