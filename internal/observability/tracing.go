package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Supported span exporters.
const (
	ExporterOTLP   = "otlp"
	ExporterZipkin = "zipkin"
)

const (
	defaultOTLPEndpoint   = "localhost:4318"
	defaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"
	instrumentationName   = "avs"
)

// TracingConfig configures span export for sidecar and task operations.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"AVS_TRACING_ENABLED"`
	Exporter       string  `yaml:"exporter" env:"AVS_TRACING_EXPORTER" default:"otlp"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"AVS_OTLP_ENDPOINT" default:"localhost:4318"`
	ZipkinEndpoint string  `yaml:"zipkin_endpoint" env:"AVS_ZIPKIN_ENDPOINT"`
	SampleRate     float64 `yaml:"sample_rate" default:"1"`
	ServiceName    string  `yaml:"service_name" default:"avs"`
	ServiceVersion string  `yaml:"service_version" default:"dev"`
}

// TracerProvider hands out spans for the node. The zero value and nil are
// both usable and produce no-op spans.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NoopTracerProvider returns a provider whose spans are discarded.
func NoopTracerProvider() *TracerProvider {
	return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}
}

// NewTracerProvider builds a batching provider for the configured exporter
// and installs it globally. Disabled tracing returns a no-op provider.
func NewTracerProvider(config TracingConfig) (*TracerProvider, error) {
	if !config.Enabled {
		return NoopTracerProvider(), nil
	}
	if config.ServiceName == "" {
		config.ServiceName = instrumentationName
	}
	if config.SampleRate <= 0 || config.SampleRate > 1.0 {
		config.SampleRate = 1.0
	}

	exporter, err := newSpanExporter(config)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName),
	}, nil
}

func newSpanExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch config.Exporter {
	case ExporterOTLP, "":
		endpoint := config.OTLPEndpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterZipkin:
		endpoint := config.ZipkinEndpoint
		if endpoint == "" {
			endpoint = defaultZipkinEndpoint
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("unsupported exporter: %s", config.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", config.Exporter, err)
	}
	return exporter, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// StartSpan starts a span. The task file reference carried by ctx, if any, is
// attached automatically.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil || tp.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName).Start(ctx, name)
	}
	if ref := TaskReferenceFromContext(ctx); ref != "" {
		attrs = append(attrs, attribute.String(AttrFileReference, ref))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SidecarAttributes describes the sidecar a span operates on.
func SidecarAttributes(role, image string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrRole, role)}
	if image != "" {
		attrs = append(attrs, attribute.String(AttrImage, image))
	}
	return attrs
}

// Span names
const (
	SpanSidecarProvision = "avs.sidecar.provision"
	SpanSidecarTeardown  = "avs.sidecar.teardown"
	SpanTaskRun          = "avs.task.run"
	SpanLedgerSubmit     = "avs.ledger.submit"
)

// Attribute keys
const (
	AttrRole          = "avs.sidecar.role"
	AttrImage         = "avs.sidecar.image"
	AttrFileReference = "avs.task.file_reference"
	AttrItemReference = "avs.task.item_reference"
	AttrSubmitted     = "avs.task.submitted"
	AttrSkipped       = "avs.task.skipped"
)
