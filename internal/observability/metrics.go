package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"samgpt/internal/async"
	"samgpt/internal/logging"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the broker process
type MetricsCollector struct {
	meter metric.Meter

	// Facade metrics
	brokerOperations metric.Int64Counter
	brokerLatency    metric.Float64Histogram
	cacheLookups     metric.Int64Counter
	operationsActive metric.Int64UpDownCounter

	// Transport metrics
	transportCalls   metric.Int64Counter
	transportLatency metric.Float64Histogram

	// HTTP server metrics
	httpRequests     metric.Int64Counter
	httpLatency      metric.Float64Histogram
	httpResponseSize metric.Int64Histogram

	// Event stream metrics
	wsConnections metric.Int64UpDownCounter
	wsMessages    metric.Int64Counter

	// Server for Prometheus scraping
	prometheusServer *http.Server

	// Optional callbacks used by tests to assert instrumentation behavior
	testHooks MetricsTestHooks
}

// MetricsTestHooks exposes callbacks that integration tests can use to assert
// instrumentation without spinning up a full OTel stack.
type MetricsTestHooks struct {
	Operation         func(operation, status string, latency time.Duration)
	TransportCall     func(operation, status string, circuitID int, duration time.Duration)
	HTTPServerRequest func(method, route string, status int, duration time.Duration, responseBytes int64)
}

// SetTestHooks registers callbacks that are invoked whenever the matching
// metric is recorded. This is primarily used in unit tests so we can assert
// instrumentation without exporting real metrics.
func (m *MetricsCollector) SetTestHooks(hooks MetricsTestHooks) {
	if m == nil {
		return
	}
	m.testHooks = hooks
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("samgpt")

	// Create metrics
	brokerOperations, err := meter.Int64Counter(
		"samgpt.broker.operations.total",
		metric.WithDescription("Total number of broker facade operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker_operations counter: %w", err)
	}

	brokerLatency, err := meter.Float64Histogram(
		"samgpt.broker.latency",
		metric.WithDescription("Broker operation latency in seconds, queue wait included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker_latency histogram: %w", err)
	}

	cacheLookups, err := meter.Int64Counter(
		"samgpt.cache.lookups.total",
		metric.WithDescription("Response cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_lookups counter: %w", err)
	}

	operationsActive, err := meter.Int64UpDownCounter(
		"samgpt.broker.operations.active",
		metric.WithDescription("Number of operations waiting on the dispatcher"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operations_active gauge: %w", err)
	}

	transportCalls, err := meter.Int64Counter(
		"samgpt.transport.calls.total",
		metric.WithDescription("Total number of outbound transport calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport_calls counter: %w", err)
	}

	transportLatency, err := meter.Float64Histogram(
		"samgpt.transport.latency",
		metric.WithDescription("Outbound transport call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport_latency histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"samgpt.http.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"samgpt.http.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	httpResponseSize, err := meter.Int64Histogram(
		"samgpt.http.response.size",
		metric.WithDescription("HTTP response body size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_response_size histogram: %w", err)
	}

	wsConnections, err := meter.Int64UpDownCounter(
		"samgpt.ws.connections",
		metric.WithDescription("Number of open event stream connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws_connections gauge: %w", err)
	}

	wsMessages, err := meter.Int64Counter(
		"samgpt.ws.messages.total",
		metric.WithDescription("Total number of event stream messages pushed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ws_messages counter: %w", err)
	}

	collector := &MetricsCollector{
		meter:            meter,
		brokerOperations: brokerOperations,
		brokerLatency:    brokerLatency,
		cacheLookups:     cacheLookups,
		operationsActive: operationsActive,
		transportCalls:   transportCalls,
		transportLatency: transportLatency,
		httpRequests:     httpRequests,
		httpLatency:      httpLatency,
		httpResponseSize: httpResponseSize,
		wsConnections:    wsConnections,
		wsMessages:       wsMessages,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	logger := logging.NewComponentLogger("PrometheusMetrics")
	async.Go(logger, "observability.prometheus", func() {
		logger.Info("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Prometheus server error: %v", err)
		}
	})

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one facade operation outcome. Status is "ok",
// "error" or "cached".
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation, status string, latency time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.Operation; hook != nil {
		hook(operation, status, latency)
	}
	if m.brokerOperations == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}

	m.brokerOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.brokerLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a response cache lookup outcome.
func (m *MetricsCollector) RecordCacheLookup(ctx context.Context, operation string, hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// IncrementActiveOperations increments the in-flight operations counter
func (m *MetricsCollector) IncrementActiveOperations(ctx context.Context) {
	if m == nil || m.operationsActive == nil {
		return
	}
	m.operationsActive.Add(ctx, 1)
}

// DecrementActiveOperations decrements the in-flight operations counter
func (m *MetricsCollector) DecrementActiveOperations(ctx context.Context) {
	if m == nil || m.operationsActive == nil {
		return
	}
	m.operationsActive.Add(ctx, -1)
}

// RecordTransportCall records one outbound transport attempt.
func (m *MetricsCollector) RecordTransportCall(ctx context.Context, operation, status string, circuitID int, duration time.Duration) {
	if m == nil {
		return
	}
	if hook := m.testHooks.TransportCall; hook != nil {
		hook(operation, status, circuitID, duration)
	}
	if m.transportCalls == nil || m.transportLatency == nil {
		return
	}

	m.transportCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
		attribute.Int("circuit_id", circuitID),
	))
	m.transportLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordHTTPServerRequest records metrics for an HTTP request lifecycle
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, duration time.Duration, responseBytes int64) {
	if m == nil {
		return
	}
	if hook := m.testHooks.HTTPServerRequest; hook != nil {
		hook(method, route, status, duration, responseBytes)
	}
	if m.httpRequests == nil || m.httpLatency == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	))
	if m.httpResponseSize != nil && responseBytes >= 0 {
		m.httpResponseSize.Record(ctx, responseBytes, metric.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	}
}

// IncrementWSConnections increments the open event stream connection gauge
func (m *MetricsCollector) IncrementWSConnections(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, 1)
}

// DecrementWSConnections decrements the open event stream connection gauge
func (m *MetricsCollector) DecrementWSConnections(ctx context.Context) {
	if m == nil || m.wsConnections == nil {
		return
	}
	m.wsConnections.Add(ctx, -1)
}

// RecordWSMessage records one event stream message delivery.
func (m *MetricsCollector) RecordWSMessage(ctx context.Context, eventType string, sizeBytes int) {
	if m == nil || m.wsMessages == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("event_type", eventType)}
	if sizeBytes > 0 {
		attrs = append(attrs, attribute.Int("size_bytes", sizeBytes))
	}
	m.wsMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
}
