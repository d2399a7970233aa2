package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portmux",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portmux",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	channelOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portmux",
			Subsystem: "channel",
			Name:      "opens_total",
			Help:      "Host channel open attempts by label and result.",
		},
		[]string{"label", "result"},
	)
	channelDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portmux",
			Subsystem: "channel",
			Name:      "disconnects_total",
			Help:      "Primary channel teardowns by cause.",
		},
		[]string{"cause"},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portmux",
			Subsystem: "session",
			Name:      "error_envelopes_total",
			Help:      "Error envelopes delivered to page endpoints.",
		},
		[]string{"code", "scope"},
	)
	streamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portmux",
			Subsystem: "stream",
			Name:      "lifetime_seconds",
			Help:      "Subchannel lifetime in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction"},
	)
)

// Disconnect causes.
const (
	CauseVoluntary = "voluntary"
	CausePeer      = "peer"
	CauseFatal     = "fatal"
	CauseOpenError = "open_error"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, channelOpens, channelDisconnects, envelopes, streamDuration)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordChannelOpen(label string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	channelOpens.WithLabelValues(label, result).Inc()
}

func RecordDisconnect(cause string) {
	RegisterMetrics()
	channelDisconnects.WithLabelValues(cause).Inc()
}

func RecordEnvelope(code string, channelFatal bool) {
	RegisterMetrics()
	scope := "request"
	if channelFatal {
		scope = "channel"
	}
	envelopes.WithLabelValues(code, scope).Inc()
}

func RecordStream(direction string, lifetime time.Duration) {
	RegisterMetrics()
	streamDuration.WithLabelValues(direction).Observe(lifetime.Seconds())
}
