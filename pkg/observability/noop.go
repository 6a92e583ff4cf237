package observability

import (
	"context"
	"net/http"
	"time"
)

// NoopMetrics discards everything. Used when metrics are disabled and
// throughout the tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordSearch(context.Context, string, time.Duration, int, error)   {}
func (NoopMetrics) RecordIngestionJob(context.Context, time.Duration, int, error)     {}
func (NoopMetrics) RecordToolLoop(context.Context, string, int, bool)                 {}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, error)  {}
func (NoopMetrics) RecordClassification(context.Context, string, bool)                {}
func (NoopMetrics) RecordHTTPRequest(string, string, int, time.Duration)              {}

// Handler answers 503 so a scrape of a disabled instance is visible.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
