package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/wolfeidau/annex-tarmount"
)

// Outcome labels shared by operation and tool metrics.
const (
	OutcomeSuccess = "success"
	OutcomeNoop    = "noop"
	OutcomeError   = "error"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	operationsTotal        metric.Int64Counter
	operationDuration      metric.Float64Histogram
	toolInvocationsTotal   metric.Int64Counter
	toolDuration           metric.Float64Histogram
	archiveBytesTotal      metric.Int64Counter
	remountsTotal          metric.Int64Counter
	consistencyFailures    metric.Int64Counter
	diagnosticRecordsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "annex-tarmount"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	operationsTotal, err := meter.Int64Counter(
		"tarmount_operations_total",
		metric.WithDescription("Total number of remote operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		"tarmount_operation_duration_seconds",
		metric.WithDescription("Duration of remote operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	toolInvocationsTotal, err := meter.Int64Counter(
		"tarmount_tool_invocations_total",
		metric.WithDescription("Total number of external tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram(
		"tarmount_tool_duration_seconds",
		metric.WithDescription("Duration of external tool invocations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	archiveBytesTotal, err := meter.Int64Counter(
		"tarmount_archive_bytes_total",
		metric.WithDescription("Total entry bytes appended to or retrieved from archives"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	remountsTotal, err := meter.Int64Counter(
		"tarmount_mounts_total",
		metric.WithDescription("Total archive mounts, split by whether the index was rebuilt"),
		metric.WithUnit("{mount}"),
	)
	if err != nil {
		return nil, err
	}

	consistencyFailures, err := meter.Int64Counter(
		"tarmount_consistency_failures_total",
		metric.WithDescription("Post-condition checks that failed after a tool reported success"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	diagnosticRecordsTotal, err := meter.Int64Counter(
		"tarmount_diagnostic_records_total",
		metric.WithDescription("Total diagnostic records written for failed tool invocations"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		operationsTotal:        operationsTotal,
		operationDuration:      operationDuration,
		toolInvocationsTotal:   toolInvocationsTotal,
		toolDuration:           toolDuration,
		archiveBytesTotal:      archiveBytesTotal,
		remountsTotal:          remountsTotal,
		consistencyFailures:    consistencyFailures,
		diagnosticRecordsTotal: diagnosticRecordsTotal,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordOperation records a completed remote operation.
func RecordOperation(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.operationsTotal.Add(ctx, 1, attrs)
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordToolInvocation records one external tool run. The operation that
// triggered it is read from the context.
func RecordToolInvocation(ctx context.Context, tool, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	op := OperationFromContext(ctx)
	if op == "" {
		op = "unknown"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.toolInvocationsTotal.Add(ctx, 1, attrs)
	globalMetrics.toolDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordArchiveBytes records entry bytes moved into (append) or out of
// (retrieve) an archive.
func RecordArchiveBytes(ctx context.Context, direction string, bytes int64) {
	if globalMetrics == nil || bytes <= 0 {
		return
	}
	globalMetrics.archiveBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordMount records a successful mount.
func RecordMount(ctx context.Context, rebuildIndex bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.remountsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rebuild_index", strconv.FormatBool(rebuildIndex)),
	))
}

// RecordConsistencyFailure records a failed post-condition check.
func RecordConsistencyFailure(ctx context.Context, op string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.consistencyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordDiagnostic records a diagnostic record written for a bucket.
func RecordDiagnostic(ctx context.Context, tool string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.diagnosticRecordsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
