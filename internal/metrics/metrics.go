// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "retailpos"

var (
	Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Transaction lifecycle events by kind (created, refunded, cancelled, failed).",
	}, []string{"event"})

	TransactionAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_amount",
		Help:      "Amount due of created transactions.",
		Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	StockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_reservation_failures_total",
		Help:      "Rejected stock reservations by reason.",
	}, []string{"reason"})

	NumberCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_number_collisions_total",
		Help:      "Transaction number conflicts that required a retry.",
	})

	AnalyticsCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_cache_lookups_total",
		Help:      "Analytics snapshot cache lookups by result (hit, miss).",
	}, []string{"result"})

	AnalyticsCompute = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "analytics_compute_seconds",
		Help:      "Time spent recomputing an analytics snapshot.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"report"})

	AnalyticsRefresh = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_refresh_total",
		Help:      "Analytics refresh attempts by outcome; superseded counts discarded stale snapshot writes.",
	}, []string{"outcome"})

	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_pushes_total",
		Help:      "Analytics updates pushed to subscribers by outcome (sent, dropped, skipped, error).",
	}, []string{"outcome"})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
