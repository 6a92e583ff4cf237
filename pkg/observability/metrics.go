// Package observability exposes Prometheus metrics through the
// OpenTelemetry metric SDK. Recording is interface-driven so the hot
// paths take a Metrics value and tests pass NoopMetrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/famatulli1/ragfab2-sub003/pkg/config"
)

// Metrics is what the rest of the system records against.
type Metrics interface {
	RecordSearch(ctx context.Context, mode string, duration time.Duration, results int, err error)
	RecordIngestionJob(ctx context.Context, duration time.Duration, chunks int, err error)
	RecordToolLoop(ctx context.Context, provider string, iterations int, truncated bool)
	RecordLLMCall(ctx context.Context, provider string, duration time.Duration, tokens int, err error)
	RecordClassification(ctx context.Context, class string, needsReview bool)
	RecordHTTPRequest(method, path string, statusCode int, duration time.Duration)
	Handler() http.Handler
}

// Init builds the Prometheus-backed metrics, or NoopMetrics when
// disabled.
func Init(cfg config.MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return NoopMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("ragfab")

	m := &PrometheusMetrics{}

	m.searchDuration, err = meter.Float64Histogram(
		"ragfab_search_duration_seconds",
		metric.WithDescription("Retrieval duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}
	m.searchResults, err = meter.Int64Histogram(
		"ragfab_search_results",
		metric.WithDescription("Results returned per search"))
	if err != nil {
		return nil, fmt.Errorf("failed to create search results histogram: %w", err)
	}
	m.searchErrors, err = meter.Int64Counter(
		"ragfab_search_errors_total",
		metric.WithDescription("Total failed searches"))
	if err != nil {
		return nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	m.ingestionDuration, err = meter.Float64Histogram(
		"ragfab_ingestion_job_duration_seconds",
		metric.WithDescription("Ingestion job duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion duration histogram: %w", err)
	}
	m.ingestionChunks, err = meter.Int64Counter(
		"ragfab_ingestion_chunks_total",
		metric.WithDescription("Total chunks created by ingestion"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion chunks counter: %w", err)
	}
	m.ingestionErrors, err = meter.Int64Counter(
		"ragfab_ingestion_errors_total",
		metric.WithDescription("Total failed ingestion jobs"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion errors counter: %w", err)
	}

	m.toolLoopIterations, err = meter.Int64Histogram(
		"ragfab_tool_loop_iterations",
		metric.WithDescription("Tool-loop iterations per answer"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool loop histogram: %w", err)
	}
	m.toolLoopTruncated, err = meter.Int64Counter(
		"ragfab_tool_loop_truncated_total",
		metric.WithDescription("Answers cut off at the iteration bound"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool loop truncation counter: %w", err)
	}

	m.llmDuration, err = meter.Float64Histogram(
		"ragfab_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	m.llmTokens, err = meter.Int64Counter(
		"ragfab_llm_tokens_total",
		metric.WithDescription("Total tokens consumed"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}
	m.llmErrors, err = meter.Int64Counter(
		"ragfab_llm_errors_total",
		metric.WithDescription("Total failed LLM requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	m.classifications, err = meter.Int64Counter(
		"ragfab_thumbs_down_classifications_total",
		metric.WithDescription("Thumbs-down classifications by category"))
	if err != nil {
		return nil, fmt.Errorf("failed to create classification counter: %w", err)
	}

	m.httpDuration, err = meter.Float64Histogram(
		"ragfab_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"))
	if err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	m.httpRequests, err = meter.Int64Counter(
		"ragfab_http_requests_total",
		metric.WithDescription("Total HTTP requests"))
	if err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return m, nil
}

// PrometheusMetrics records against the otel meter backed by the
// default Prometheus registry.
type PrometheusMetrics struct {
	searchDuration metric.Float64Histogram
	searchResults  metric.Int64Histogram
	searchErrors   metric.Int64Counter

	ingestionDuration metric.Float64Histogram
	ingestionChunks   metric.Int64Counter
	ingestionErrors   metric.Int64Counter

	toolLoopIterations metric.Int64Histogram
	toolLoopTruncated  metric.Int64Counter

	llmDuration metric.Float64Histogram
	llmTokens   metric.Int64Counter
	llmErrors   metric.Int64Counter

	classifications metric.Int64Counter

	httpDuration metric.Float64Histogram
	httpRequests metric.Int64Counter
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, mode string, duration time.Duration, results int, err error) {
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	m.searchDuration.Record(ctx, duration.Seconds(), attrs)
	m.searchResults.Record(ctx, int64(results), attrs)
	if err != nil {
		m.searchErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordIngestionJob(ctx context.Context, duration time.Duration, chunks int, err error) {
	m.ingestionDuration.Record(ctx, duration.Seconds())
	if err != nil {
		m.ingestionErrors.Add(ctx, 1)
		return
	}
	m.ingestionChunks.Add(ctx, int64(chunks))
}

func (m *PrometheusMetrics) RecordToolLoop(ctx context.Context, provider string, iterations int, truncated bool) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.toolLoopIterations.Record(ctx, int64(iterations), attrs)
	if truncated {
		m.toolLoopTruncated.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, provider string, duration time.Duration, tokens int, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordClassification(ctx context.Context, class string, needsReview bool) {
	m.classifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("classification", class),
		attribute.Bool("needs_review", needsReview)))
}

func (m *PrometheusMetrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode))
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
	m.httpRequests.Add(ctx, 1, attrs)
}

// Handler serves the scrape endpoint from the default registry the
// otel exporter registered into.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.Handler()
}
