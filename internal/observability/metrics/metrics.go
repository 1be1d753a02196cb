package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. Each Collector owns its
// registry so tests can create isolated instances.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	vaultOps      *prometheus.CounterVec
	vaultLatency  *prometheus.HistogramVec
	verifyResults *prometheus.CounterVec

	eventsPublished *prometheus.CounterVec
	eventsFailed    *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
}

// New creates a Collector registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pof_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		vaultOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_vault_operations_total",
			Help: "Vault mutations by operation and result code.",
		}, []string{"operation", "code"}),
		vaultLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pof_vault_operation_duration_seconds",
			Help:    "Vault mutation duration including custody transfers.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"operation"}),
		verifyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_verify_results_total",
			Help: "Verification outcomes by reason code.",
		}, []string{"reason"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_events_published_total",
			Help: "Vault events delivered to the configured publisher.",
		}, []string{"type"}),
		eventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_events_failed_total",
			Help: "Vault events the publisher rejected.",
		}, []string{"type"}),
		eventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pof_events_dropped_total",
			Help: "Vault events dropped because the relay queue was full or closed.",
		}, []string{"type"}),
	}
}

var defaultCollector = New()

// Default returns the process-wide collector.
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle on the default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveOperation records one vault mutation.
func (c *Collector) ObserveOperation(op, code string, duration time.Duration) {
	c.vaultOps.WithLabelValues(op, code).Inc()
	c.vaultLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveVerify records one verification outcome.
func (c *Collector) ObserveVerify(reason string) {
	c.verifyResults.WithLabelValues(reason).Inc()
}

// EventPublished counts a delivered event.
func (c *Collector) EventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// EventFailed counts an event the publisher rejected.
func (c *Collector) EventFailed(eventType string) {
	c.eventsFailed.WithLabelValues(eventType).Inc()
}

// EventDropped counts an event that never reached the publisher.
func (c *Collector) EventDropped(eventType string) {
	c.eventsDropped.WithLabelValues(eventType).Inc()
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Handler exposes the default collector.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
