package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notify"

// Provider request outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeTransientError   = "transient_error"
	OutcomePermanentError   = "permanent_error"
	OutcomeUnacknowledged   = "unacknowledged"
	OutcomeTranslated       = "translated"
	OutcomeUntranslatable   = "untranslatable"
	OutcomeRetryScheduled   = "scheduled"
	OutcomeRetriesExhausted = "exhausted"
)

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal        *prometheus.CounterVec
	httpRequestDuration      *prometheus.HistogramVec
	providerRequestsTotal    *prometheus.CounterVec
	providerRequestDuration  *prometheus.HistogramVec
	callbackTranslationTotal *prometheus.CounterVec
	callbackStatusTotal      *prometheus.CounterVec
	deliveryElapsed          *prometheus.HistogramVec
	smsRetriesTotal          *prometheus.CounterVec
	serviceCallbacksTotal    *prometheus.CounterVec
	workerInflight           *prometheus.GaugeVec
	taskRetriesTotal         *prometheus.CounterVec
	taskDeadLetteredTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		providerRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Outbound provider send calls by channel, provider, and outcome.",
			},
			[]string{"channel", "provider", "outcome"},
		),
		providerRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Outbound provider send latency in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel", "provider"},
		),
		callbackTranslationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_translations_total",
				Help:      "Provider callback payload translations by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		callbackStatusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_status_total",
				Help:      "Delivery receipts applied to notifications by provider and canonical status.",
			},
			[]string{"provider", "status"},
		),
		deliveryElapsed: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_elapsed_seconds",
				Help:      "Time from provider handoff to the applied delivery receipt.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{"provider", "status"},
		),
		smsRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sms_retries_total",
				Help:      "Carrier SMS retry decisions by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		serviceCallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_callbacks_total",
				Help:      "Service delivery-status callbacks by outcome.",
			},
			[]string{"outcome"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of in-flight worker tasks grouped by queue.",
			},
			[]string{"queue"},
		),
		taskRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of tasks republished with a delay.",
			},
			[]string{"queue"},
		),
		taskDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_dead_lettered_total",
				Help:      "Total number of tasks routed to a dead letter queue.",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.providerRequestsTotal,
		m.providerRequestDuration,
		m.callbackTranslationTotal,
		m.callbackStatusTotal,
		m.deliveryElapsed,
		m.smsRetriesTotal,
		m.serviceCallbacksTotal,
		m.workerInflight,
		m.taskRetriesTotal,
		m.taskDeadLetteredTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) ObserveProviderRequest(channel, provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	providerLabel := normalizeLabel(provider)
	m.providerRequestsTotal.WithLabelValues(normalizeLabel(channel), providerLabel, normalizeLabel(outcome)).Inc()
	m.providerRequestDuration.WithLabelValues(normalizeLabel(channel), providerLabel).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncCallbackTranslation(provider, outcome string) {
	if m == nil {
		return
	}
	m.callbackTranslationTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncCallbackStatus(provider, status string) {
	if m == nil {
		return
	}
	m.callbackStatusTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveDeliveryElapsed(provider, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveryElapsed.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Observe(nonNegativeSeconds(elapsed))
}

func (m *Metrics) IncSMSRetry(provider, outcome string) {
	if m == nil {
		return
	}
	m.smsRetriesTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncServiceCallback(outcome string) {
	if m == nil {
		return
	}
	m.serviceCallbacksTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) DecWorkerInFlight(queue string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(queue)).Dec()
}

func (m *Metrics) IncTaskRetry(queue string) {
	if m == nil {
		return
	}
	m.taskRetriesTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) IncTaskDeadLettered(queue string) {
	if m == nil {
		return
	}
	m.taskDeadLetteredTotal.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func nonNegativeSeconds(d time.Duration) float64 {
	seconds := d.Seconds()
	if seconds < 0 {
		return 0
	}
	return seconds
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
