// Package observe provides application-wide observability primitives for
// Telepathy: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Telepathy metrics.
const meterName = "github.com/MrWong99/telepathy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractionDuration tracks feature extraction latency per clip.
	ExtractionDuration metric.Float64Histogram

	// NormalizeDuration tracks sequence normalisation latency.
	NormalizeDuration metric.Float64Histogram

	// InferenceDuration tracks the classifier forward pass.
	InferenceDuration metric.Float64Histogram

	// --- Counters ---

	// Predictions counts served predictions. Use with attribute:
	//   attribute.String("emotion", ...)
	Predictions metric.Int64Counter

	// RequestErrors counts failed predictions. Use with attribute:
	//   attribute.String("kind", ...) one of decode, empty, shape, too_large, bad_request, not_loaded, internal
	RequestErrors metric.Int64Counter

	// CorpusFiles counts corpus files seen by training. Use with attribute:
	//   attribute.String("outcome", ...) one of used, cached, skipped_<reason>, failed
	CorpusFiles metric.Int64Counter

	// TrainingEpochs counts completed training epochs.
	TrainingEpochs metric.Int64Counter

	// HistoryWrites counts prediction history writes. Use with attribute:
	//   attribute.String("status", ...) one of ok, error, rejected
	HistoryWrites metric.Int64Counter

	// --- Gauges ---

	// ValidationAccuracy reports the held-out accuracy of the last finished
	// training run.
	ValidationAccuracy metric.Float64Gauge

	// LiveConnections tracks open /ws/live connections.
	LiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// clip-level DSP and a small recurrent network.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionDuration, err = m.Float64Histogram("telepathy.extraction.duration",
		metric.WithDescription("Latency of feature extraction per clip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NormalizeDuration, err = m.Float64Histogram("telepathy.normalize.duration",
		metric.WithDescription("Latency of sequence normalisation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InferenceDuration, err = m.Float64Histogram("telepathy.inference.duration",
		metric.WithDescription("Latency of the classifier forward pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Predictions, err = m.Int64Counter("telepathy.predictions",
		metric.WithDescription("Total predictions by predicted emotion."),
	); err != nil {
		return nil, err
	}
	if met.RequestErrors, err = m.Int64Counter("telepathy.request.errors",
		metric.WithDescription("Total failed predictions by error kind."),
	); err != nil {
		return nil, err
	}
	if met.CorpusFiles, err = m.Int64Counter("telepathy.corpus.files",
		metric.WithDescription("Total corpus files processed by outcome."),
	); err != nil {
		return nil, err
	}
	if met.TrainingEpochs, err = m.Int64Counter("telepathy.training.epochs",
		metric.WithDescription("Total completed training epochs."),
	); err != nil {
		return nil, err
	}
	if met.HistoryWrites, err = m.Int64Counter("telepathy.history.writes",
		metric.WithDescription("Total prediction history writes by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ValidationAccuracy, err = m.Float64Gauge("telepathy.training.validation_accuracy",
		metric.WithDescription("Held-out accuracy of the last training run."),
	); err != nil {
		return nil, err
	}
	if met.LiveConnections, err = m.Int64UpDownCounter("telepathy.live.connections",
		metric.WithDescription("Number of open live websocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("telepathy.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPrediction counts one served prediction.
func (m *Metrics) RecordPrediction(ctx context.Context, emotion string) {
	m.Predictions.Add(ctx, 1, metric.WithAttributes(attribute.String("emotion", emotion)))
}

// RecordRequestError counts one failed prediction.
func (m *Metrics) RecordRequestError(ctx context.Context, kind string) {
	m.RequestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCorpusFiles counts n corpus files with the given outcome.
func (m *Metrics) RecordCorpusFiles(ctx context.Context, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.CorpusFiles.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordHistoryWrite counts one history write.
func (m *Metrics) RecordHistoryWrite(ctx context.Context, status string) {
	m.HistoryWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
