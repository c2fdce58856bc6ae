package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *MetricsCollector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsCollector_ExposesRecordedSeries(t *testing.T) {
	m, err := NewMetricsCollector(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx := context.Background()
	m.RecordProvision(ctx, "checker", "success", 2*time.Second)
	m.RecordTaskRun(ctx, "success", 150*time.Millisecond)
	m.RecordSubmission(ctx, "success")
	m.RecordSkippedItem(ctx, "no_credential")
	m.SetSidecarReady("checker", 49153)
	m.SetCircuitState("checker", 1)

	body := scrape(t, m)
	assert.Contains(t, body, `avs_circuit_state{client="checker"} 1`)
	assert.Contains(t, body, "avs_sidecar_provisions")
	assert.Contains(t, body, "avs_task_runs")
	assert.Contains(t, body, "avs_ledger_submissions")
	assert.Contains(t, body, "avs_task_items_skipped")
	assert.Contains(t, body, `avs_sidecar_up{role="checker"} 1`)
	assert.Contains(t, body, `avs_sidecar_host_port{role="checker"} 49153`)

	m.SetSidecarReady("checker", 0)
	body = scrape(t, m)
	assert.Contains(t, body, `avs_sidecar_up{role="checker"} 0`)
	assert.NotContains(t, body, "avs_sidecar_host_port{")
}

func TestMetricsCollector_DisabledIsNoop(t *testing.T) {
	m, err := NewMetricsCollector(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordProvision(ctx, "inference", "failure", time.Second)
	m.RecordTeardown(ctx, "inference", "success")
	m.SetSidecarReady("inference", 1234)

	assert.NotContains(t, scrape(t, m), "avs_")
	assert.NoError(t, m.Shutdown(ctx))
}

func TestMetricsCollector_NilReceiver(t *testing.T) {
	var m *MetricsCollector
	assert.NotPanics(t, func() {
		m.RecordTaskRun(context.Background(), "failure", time.Second)
		m.SetSidecarReady("checker", 1)
	})
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLogger_WithContextAddsTaskReference(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := ContextWithTaskReference(context.Background(), "a.wav")
	logger.WithContext(ctx).Info("task started")

	line := buf.String()
	assert.True(t, strings.Contains(line, `"file_reference":"a.wav"`), line)
	assert.Contains(t, line, `"msg":"task started"`)
}

func TestTracerProvider_DisabledIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	_, span := tp.StartSpan(context.Background(), SpanTaskRun)
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewTracerProvider(TracingConfig{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}
