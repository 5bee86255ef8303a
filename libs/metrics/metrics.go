// Package metrics holds the HTTP request metrics shared by every gin
// surface, plus the promhttp handler bound to the process registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)
	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(requestsTotal, requestDuration, requestsInFlight)
}

// ObserveRequest records one finished request. The route label is the
// matched pattern, not the raw URL, so cardinality stays bounded.
func ObserveRequest(method, route string, code int, elapsed time.Duration) {
	c := strconv.Itoa(code)
	requestsTotal.WithLabelValues(method, route, c).Inc()
	requestDuration.WithLabelValues(method, route, c).Observe(elapsed.Seconds())
}

// InFlight brackets an in-progress request; call the returned func when done.
func InFlight() func() {
	requestsInFlight.Inc()
	return requestsInFlight.Dec
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
