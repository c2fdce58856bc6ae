package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the service
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	// Sidecar metrics
	provisions        metric.Int64Counter
	provisionDuration metric.Float64Histogram
	teardowns         metric.Int64Counter
	sidecarUp         *prometheus.GaugeVec
	sidecarHostPort   *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec

	// Task metrics
	taskRuns     metric.Int64Counter
	taskDuration metric.Float64Histogram
	submissions  metric.Int64Counter
	skippedItems metric.Int64Counter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"AVS_METRICS_ENABLED" default:"true"`
}

// NewMetricsCollector creates a new metrics collector backed by its own registry.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	registry := prometheus.NewRegistry()
	if !config.Enabled {
		return &MetricsCollector{registry: registry}, nil
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("avs")

	m := &MetricsCollector{provider: provider, registry: registry}

	if m.provisions, err = meter.Int64Counter(
		"avs.sidecar.provisions",
		metric.WithDescription("Sidecar provisioning attempts by role and outcome"),
		metric.WithUnit("{provision}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create provisions counter: %w", err)
	}
	if m.provisionDuration, err = meter.Float64Histogram(
		"avs.sidecar.provision.duration",
		metric.WithDescription("Time from image pull to readiness"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create provision duration histogram: %w", err)
	}
	if m.teardowns, err = meter.Int64Counter(
		"avs.sidecar.teardowns",
		metric.WithDescription("Sidecar teardowns by role and outcome"),
		metric.WithUnit("{teardown}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create teardowns counter: %w", err)
	}
	if m.taskRuns, err = meter.Int64Counter(
		"avs.task.runs",
		metric.WithDescription("Task pipeline runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task runs counter: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram(
		"avs.task.duration",
		metric.WithDescription("Task pipeline run duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}
	if m.submissions, err = meter.Int64Counter(
		"avs.ledger.submissions",
		metric.WithDescription("Ledger submissions by outcome"),
		metric.WithUnit("{tx}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create submissions counter: %w", err)
	}
	if m.skippedItems, err = meter.Int64Counter(
		"avs.task.items.skipped",
		metric.WithDescription("Successful items not submitted, by reason"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create skipped items counter: %w", err)
	}

	m.sidecarUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avs_sidecar_up",
		Help: "1 when the sidecar for the role is provisioned and ready.",
	}, []string{"role"})
	m.sidecarHostPort = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avs_sidecar_host_port",
		Help: "Ephemeral host port assigned to the sidecar.",
	}, []string{"role"})
	if err := registry.Register(m.sidecarUp); err != nil {
		return nil, fmt.Errorf("failed to register sidecar_up gauge: %w", err)
	}
	if err := registry.Register(m.sidecarHostPort); err != nil {
		return nil, fmt.Errorf("failed to register sidecar_host_port gauge: %w", err)
	}
	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avs_circuit_state",
		Help: "Circuit breaker position per sidecar client: 0 closed, 1 open, 2 half-open.",
	}, []string{"client"})
	if err := registry.Register(m.breakerState); err != nil {
		return nil, fmt.Errorf("failed to register circuit_state gauge: %w", err)
	}

	return m, nil
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promclient.Handler()
	}
	return promclient.HandlerFor(m.registry, promclient.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordProvision records one provisioning attempt
func (m *MetricsCollector) RecordProvision(ctx context.Context, role, outcome string, duration time.Duration) {
	if m == nil || m.provisions == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("role", role), attribute.String("outcome", outcome))
	m.provisions.Add(ctx, 1, attrs)
	m.provisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTeardown records one teardown attempt
func (m *MetricsCollector) RecordTeardown(ctx context.Context, role, outcome string) {
	if m == nil || m.teardowns == nil {
		return
	}
	m.teardowns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role), attribute.String("outcome", outcome)))
}

// SetSidecarReady publishes readiness and the host port of a sidecar. A zero
// port marks the sidecar down.
func (m *MetricsCollector) SetSidecarReady(role string, hostPort int) {
	if m == nil || m.sidecarUp == nil {
		return
	}
	if hostPort <= 0 {
		m.sidecarUp.WithLabelValues(role).Set(0)
		m.sidecarHostPort.DeleteLabelValues(role)
		return
	}
	m.sidecarUp.WithLabelValues(role).Set(1)
	m.sidecarHostPort.WithLabelValues(role).Set(float64(hostPort))
}

// SetCircuitState publishes the breaker position of a sidecar client.
func (m *MetricsCollector) SetCircuitState(client string, state int) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(client).Set(float64(state))
}

// RecordTaskRun records a finished pipeline run
func (m *MetricsCollector) RecordTaskRun(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.taskRuns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.taskRuns.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSubmission records one ledger submission
func (m *MetricsCollector) RecordSubmission(ctx context.Context, outcome string) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSkippedItem records a success item that was not submitted
func (m *MetricsCollector) RecordSkippedItem(ctx context.Context, reason string) {
	if m == nil || m.skippedItems == nil {
		return
	}
	m.skippedItems.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
