package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transferjuice"

// Collector exposes Prometheus metrics for HTTP traffic, upstream fetches and
// stream fan-out. A nil *Collector is valid and records nothing.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	quotaRemaining     *prometheus.GaugeVec
	fetchTotal         *prometheus.CounterVec
	fallbackTotal      prometheus.Counter
	sweepDuration      prometheus.Histogram
	subscribers        prometheus.Gauge
	broadcastTotal     *prometheus.CounterVec
	subscriberRemovals *prometheus.CounterVec
}

// NewCollector constructs a collector on a private registry.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
		quotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "remaining",
			Help:      "Last reported remaining calls per upstream endpoint.",
		}, []string{"endpoint"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fetch_total",
			Help:      "Timeline fetches by path and outcome.",
		}, []string{"path", "outcome"}),
		fallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fallback_total",
			Help:      "Accounts rerouted to the secondary fetch path.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of a full ingestion sweep.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Currently connected stream subscribers.",
		}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Messages broadcast by event type.",
		}, []string{"type"}),
		subscriberRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscriber_removals_total",
			Help:      "Subscribers removed by reason.",
		}, []string{"reason"}),
	}

	for _, collector := range []prometheus.Collector{
		c.requestDuration, c.requestTotal, c.quotaRemaining, c.fetchTotal, c.fallbackTotal,
		c.sweepDuration, c.subscribers, c.broadcastTotal, c.subscriberRemovals,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		// ServeMux records the matched pattern; raw paths would explode cardinality.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

func (c *Collector) SetQuotaRemaining(endpoint string, remaining int) {
	if c == nil {
		return
	}
	c.quotaRemaining.WithLabelValues(endpoint).Set(float64(remaining))
}

func (c *Collector) ObserveFetch(path, outcome string) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(path, outcome).Inc()
}

func (c *Collector) ObserveFallback(accounts int) {
	if c == nil {
		return
	}
	c.fallbackTotal.Add(float64(accounts))
}

func (c *Collector) ObserveSweep(d time.Duration) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
}

func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscribers.Set(float64(n))
}

func (c *Collector) ObserveBroadcast(eventType string) {
	if c == nil {
		return
	}
	c.broadcastTotal.WithLabelValues(eventType).Inc()
}

func (c *Collector) ObserveSubscriberRemoval(reason string) {
	if c == nil {
		return
	}
	c.subscriberRemovals.WithLabelValues(reason).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming handlers keep working
// behind the instrumentation middleware.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
