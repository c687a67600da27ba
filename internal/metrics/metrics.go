// Package metrics exposes Prometheus instrumentation for the engine and
// the HTTP layer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_bets_placed_total",
		Help: "Bets committed, by mechanism.",
	}, []string{"mechanism"})

	FillsMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_fills_matched_total",
		Help: "Limit order fills matched against makers.",
	})

	SharesRedeemed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_redemptions_total",
		Help: "Share redemptions performed.",
	})

	MarketsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_markets_resolved_total",
		Help: "Markets resolved, by outcome.",
	}, []string{"outcome"})

	TxnsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_txns_total",
		Help: "Ledger transactions applied, by category.",
	}, []string{"category"})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "market_engine_version_conflicts_total",
		Help: "Optimistic commit conflicts that triggered a retry.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_engine_ws_clients",
		Help: "Connected websocket clients.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "market_engine_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency labeled by method, route pattern,
// and status.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpDuration.WithLabelValues(
			r.Method, r.URL.Path, strconv.Itoa(sw.status),
		).Observe(time.Since(start).Seconds())
	})
}
