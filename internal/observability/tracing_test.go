package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider(t *testing.T) (*TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return &TracerProvider{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestStartSpanCarriesTaskReference(t *testing.T) {
	tp, recorder := recordingProvider(t)

	ctx := ContextWithTaskReference(context.Background(), "clip.wav")
	_, span := tp.StartSpan(ctx, SpanSidecarProvision, SidecarAttributes("checker", "checker:latest")...)
	EndSpan(span, nil)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, SpanSidecarProvision, ended[0].Name())
	attrs := attrMap(ended[0].Attributes())
	assert.Equal(t, "clip.wav", attrs[AttrFileReference])
	assert.Equal(t, "checker", attrs[AttrRole])
	assert.Equal(t, "checker:latest", attrs[AttrImage])
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
}

func TestEndSpanRecordsFailure(t *testing.T) {
	tp, recorder := recordingProvider(t)

	_, span := tp.StartSpan(context.Background(), SpanLedgerSubmit)
	EndSpan(span, errors.New("reverted"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "reverted", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestSidecarAttributesOmitEmptyImage(t *testing.T) {
	attrs := attrMap(SidecarAttributes("inference", ""))
	assert.Equal(t, map[string]string{AttrRole: "inference"}, attrs)
}

func TestLoggerWithContextAddsSpanIDs(t *testing.T) {
	tp, _ := recordingProvider(t)
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx, span := tp.StartSpan(context.Background(), SpanTaskRun)
	defer span.End()
	logger.WithContext(ctx).Info("fetching envelope")

	sc := span.SpanContext()
	assert.Contains(t, buf.String(), `"trace_id":"`+sc.TraceID().String()+`"`)
	assert.Contains(t, buf.String(), `"span_id":"`+sc.SpanID().String()+`"`)
}
