package observability

import (
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RPCMetrics records request outcomes for the lendingd gRPC surface.
type RPCMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *RPCMetrics

	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingMetrics
)

// RPC returns the process-wide RPC metrics, registering them on first use.
func RPC() *RPCMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &RPCMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests by service, method and HTTP-equivalent status.",
			}, []string{"service", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "RPC handler latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			}, []string{"service", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "RPC requests rejected by throttling, by reason.",
			}, []string{"service", "reason"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency, rpcRegistry.throttles)
	})
	return rpcRegistry
}

// Observe records one request. status is the HTTP-equivalent of the result
// code so dashboards can share panels with the gateway.
func (m *RPCMetrics) Observe(service, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(orUnknown(service), orUnknown(method), strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(orUnknown(service), orUnknown(method)).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit" or "quota_exceeded".
func (m *RPCMetrics) RecordThrottle(service, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(orUnknown(service), reason).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// LendingMetrics captures engine-level activity for lendingd.
type LendingMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	liquidity     prometheus.Gauge
	activeLoans   prometheus.Gauge
	unhealthy     prometheus.Gauge
	flushFailures prometheus.Counter
	payouts       *prometheus.CounterVec
}

// Lending returns the singleton metrics registry for the lending engine.
func Lending() *LendingMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of lending engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidity: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "pool_liquidity",
				Help:      "Lendable pool liquidity expressed in base units.",
			}),
			activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "active_loans",
				Help:      "Number of loans in the Active state.",
			}),
			unhealthy: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "unhealthy_loans",
				Help:      "Active loans whose collateral no longer covers the live requirement.",
			}),
			flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "flush_failures_total",
				Help:      "Count of failed attempts to persist committed engine state.",
			}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "payouts_total",
				Help:      "Count of vault payouts segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.liquidity,
			lendingRegistry.activeLoans,
			lendingRegistry.unhealthy,
			lendingRegistry.flushFailures,
			lendingRegistry.payouts,
		)
	})
	return lendingRegistry
}

// RecordOperation records an engine call. Outcome should be a stable label
// such as "success" or the error class.
func (m *LendingMetrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "success"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetPool publishes the pool gauges.
func (m *LendingMetrics) SetPool(liquidity *big.Int, active, unhealthy uint64) {
	if m == nil {
		return
	}
	m.liquidity.Set(bigToFloat(liquidity))
	m.activeLoans.Set(float64(active))
	m.unhealthy.Set(float64(unhealthy))
}

// RecordFlushFailure increments the persistence failure counter.
func (m *LendingMetrics) RecordFlushFailure() {
	if m == nil {
		return
	}
	m.flushFailures.Inc()
}

// RecordPayout increments the payout counter.
func (m *LendingMetrics) RecordPayout(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "success"
	}
	m.payouts.WithLabelValues(outcome).Inc()
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
