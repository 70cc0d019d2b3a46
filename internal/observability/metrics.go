package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apisession",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API calls placed by a transport.",
		},
		[]string{"transport", "method", "endpoint", "status"},
	)
	apiDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apisession",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport", "method", "endpoint", "status"},
	)
	transportSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apisession",
			Subsystem: "transport",
			Name:      "selections_total",
			Help:      "Transport selection rounds by winning candidate.",
		},
		[]string{"transport", "outcome"},
	)
	transportSelectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apisession",
			Subsystem: "transport",
			Name:      "selection_duration_seconds",
			Help:      "Time to commit to a transport.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	sessionRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apisession",
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)
	dnsQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apisession",
			Subsystem: "altroute",
			Name:      "dns_queries_total",
			Help:      "DNS-over-HTTPS queries for alternative routes.",
		},
		[]string{"provider", "outcome"},
	)
	dnsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apisession",
			Subsystem: "altroute",
			Name:      "dns_query_duration_seconds",
			Help:      "DNS-over-HTTPS query duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "outcome"},
	)
	servedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apisession",
			Subsystem: "mockapi",
			Name:      "requests_total",
			Help:      "Requests served by the mock API.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			apiRequests, apiDuration,
			transportSelections, transportSelectionDuration,
			sessionRefreshes,
			dnsQueries, dnsDuration,
			servedRequests,
		)
	})
}

func RecordAPIRequest(transport, method, endpoint string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	apiRequests.WithLabelValues(transport, method, endpoint, statusLabel).Inc()
	apiDuration.WithLabelValues(transport, method, endpoint, statusLabel).Observe(duration.Seconds())
}

func RecordTransportSelection(transport string, duration time.Duration, ok bool) {
	RegisterMetrics()
	outcome := "committed"
	if !ok {
		outcome = "exhausted"
	}
	transportSelections.WithLabelValues(transport, outcome).Inc()
	transportSelectionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordRefresh(outcome string) {
	RegisterMetrics()
	sessionRefreshes.WithLabelValues(outcome).Inc()
}

func RecordDNSQuery(provider, outcome string, duration time.Duration) {
	RegisterMetrics()
	dnsQueries.WithLabelValues(provider, outcome).Inc()
	dnsDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func RecordServedRequest(method, path string, status int) {
	RegisterMetrics()
	servedRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
