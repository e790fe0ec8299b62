// Package metrics exposes Prometheus instrumentation for the ingestion
// pipeline and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterMetrics instruments the message router. A nil *RouterMetrics is a
// valid no-op recorder.
type RouterMetrics struct {
	messages      *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	pollBatch     prometheus.Histogram
	deferredQueue prometheus.Gauge
	inboxErrors   prometheus.Counter
}

// HTTPMetrics instruments the query API.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	routerOnce     sync.Once
	routerRegistry *RouterMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics
)

// Router returns the lazily-initialised router metrics registered with the
// default Prometheus registry.
func Router() *RouterMetrics {
	routerOnce.Do(func() {
		routerRegistry = &RouterMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "actions_total",
				Help:      "Classified marketplace actions by kind and outcome.",
			}, []string{"action", "outcome"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "dropped_total",
				Help:      "Messages dropped before dispatch by reason.",
			}, []string{"reason"}),
			pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "poll_duration_seconds",
				Help:      "Wall time of a full inbox poll.",
				Buckets:   prometheus.DefBuckets,
			}),
			pollBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "poll_batch_size",
				Help:      "Messages returned by the inbox per poll.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
			}),
			deferredQueue: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "deferred_queue_length",
				Help:      "Actions waiting for a retry on the next poll.",
			}),
			inboxErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "router",
				Name:      "inbox_errors_total",
				Help:      "Failed inbox calls.",
			}),
		}
		prometheus.MustRegister(
			routerRegistry.messages,
			routerRegistry.dropped,
			routerRegistry.pollDuration,
			routerRegistry.pollBatch,
			routerRegistry.deferredQueue,
			routerRegistry.inboxErrors,
		)
	})
	return routerRegistry
}

// ObserveAction counts one classified action.
func (m *RouterMetrics) ObserveAction(action, outcome string) {
	if m == nil {
		return
	}
	if action == "" {
		action = "unknown"
	}
	m.messages.WithLabelValues(action, outcome).Inc()
}

// ObserveDropped counts a message dropped before dispatch.
func (m *RouterMetrics) ObserveDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// ObservePoll records the duration and batch size of a poll.
func (m *RouterMetrics) ObservePoll(d time.Duration, batch int) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
	m.pollBatch.Observe(float64(batch))
}

// SetDeferred records the deferred queue length.
func (m *RouterMetrics) SetDeferred(n int) {
	if m == nil {
		return
	}
	m.deferredQueue.Set(float64(n))
}

// IncInboxError counts a failed inbox call.
func (m *RouterMetrics) IncInboxError() {
	if m == nil {
		return
	}
	m.inboxErrors.Inc()
}

// HTTP returns the lazily-initialised HTTP metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketnode",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// ObserveRequest records one served request.
func (m *HTTPMetrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
