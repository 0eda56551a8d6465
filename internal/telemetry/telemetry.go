package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. A nil *Telemetry is
// valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	loggerProvider *sdklog.LoggerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Pipeline metrics
	jobsTotal       metric.Int64Counter
	jobsActive      metric.Int64UpDownCounter
	jobDuration     metric.Float64Histogram
	stepDuration    metric.Float64Histogram
	bytesDownloaded metric.Int64Counter
	bytesUploaded   metric.Int64Counter
	chunkRetries    metric.Int64Counter
	downloadStalls  metric.Int64Counter
	diskFree        metric.Int64Gauge

	// Dependencies
	clientOperationsTotal metric.Int64Counter
	clientErrors          metric.Int64Counter
	dbOperationsTotal     metric.Int64Counter
	dbOperationDuration   metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables push export of metrics and logs over gRPC when set.
	OTLPEndpoint string
	OTLPInsecure bool
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			otlpOpts = append(otlpOpts, otlpmetricgrpc.WithInsecure())
		}

		otlpExporter, err := otlpmetricgrpc.New(ctx, otlpOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	var loggerProvider *sdklog.LoggerProvider

	if cfg.OTLPEndpoint != "" {
		logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			logOpts = append(logOpts, otlploggrpc.WithInsecure())
		}

		logExporter, err := otlploggrpc.New(ctx, logOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
		}

		loggerProvider = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		)

		global.SetLoggerProvider(loggerProvider)
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		loggerProvider: loggerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics: memory, goroutines, GC.
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("video_relay")
	}

	return t.tracer
}

// LoggerProvider returns the provider that exports log records, or nil when
// logs are not exported.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil || t.loggerProvider == nil {
		return nil
	}

	return t.loggerProvider
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordJob records a terminal job outcome.
func (t *Telemetry) RecordJob(strategy, status string, duration time.Duration) {
	if t == nil || t.jobsTotal == nil {
		return
	}

	t.jobsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("status", status),
		),
	)

	t.jobDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

func (t *Telemetry) addActiveJobs(delta int64) {
	if t != nil && t.jobsActive != nil {
		t.jobsActive.Add(context.Background(), delta)
	}
}

// RecordStep records the duration of one pipeline step.
func (t *Telemetry) RecordStep(step, status string, duration time.Duration) {
	if t == nil || t.stepDuration == nil {
		return
	}

	t.stepDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(
			attribute.String("step", step),
			attribute.String("status", status),
		),
	)
}

// RecordBytesDownloaded adds n bytes received from a source host.
func (t *Telemetry) RecordBytesDownloaded(strategy string, n int64) {
	if t != nil && t.bytesDownloaded != nil && n > 0 {
		t.bytesDownloaded.Add(context.Background(), n, metric.WithAttributes(attribute.String("strategy", strategy)))
	}
}

// RecordBytesUploaded adds n bytes accepted by the publishing platform.
func (t *Telemetry) RecordBytesUploaded(strategy string, n int64) {
	if t != nil && t.bytesUploaded != nil && n > 0 {
		t.bytesUploaded.Add(context.Background(), n, metric.WithAttributes(attribute.String("strategy", strategy)))
	}
}

// RecordChunkRetry counts one retried upload chunk.
func (t *Telemetry) RecordChunkRetry() {
	if t != nil && t.chunkRetries != nil {
		t.chunkRetries.Add(context.Background(), 1)
	}
}

// RecordStall counts one stalled download attempt.
func (t *Telemetry) RecordStall(strategy string) {
	if t != nil && t.downloadStalls != nil {
		t.downloadStalls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("strategy", strategy)))
	}
}

// RecordDiskFree records free bytes on the work volume.
func (t *Telemetry) RecordDiskFree(bytes int64) {
	if t != nil && t.diskFree != nil {
		t.diskFree.Record(context.Background(), bytes)
	}
}

// RecordClientOperation records outbound client operation metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if t == nil || t.clientOperationsTotal == nil {
		return
	}

	t.clientOperationsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.clientErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("client", client),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	if t.loggerProvider != nil {
		errs = append(errs, t.loggerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.httpRequestsTotal, "http_requests_total", "Total number of HTTP requests", "1"},
		{&t.jobsTotal, "jobs_total", "Total number of finished transfer jobs", "1"},
		{&t.bytesDownloaded, "bytes_downloaded_total", "Bytes received from source hosts", "By"},
		{&t.bytesUploaded, "bytes_uploaded_total", "Bytes accepted by the publishing platform", "By"},
		{&t.chunkRetries, "upload_chunk_retries_total", "Upload chunks retried at the same offset", "1"},
		{&t.downloadStalls, "download_stalls_total", "Download attempts aborted for lack of progress", "1"},
		{&t.clientOperationsTotal, "client_operations_total", "Total number of outbound client operations", "1"},
		{&t.clientErrors, "client_errors_total", "Total number of outbound client errors", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of database operations", "1"},
		{&t.systemErrors, "system_errors_total", "Total number of system errors", "1"},
	}

	for _, c := range counters {
		*c.dst, err = t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&t.httpRequestDuration, "http_request_duration_seconds", "HTTP request duration in seconds"},
		{&t.jobDuration, "job_duration_seconds", "Transfer job duration in seconds"},
		{&t.stepDuration, "step_duration_seconds", "Pipeline step duration in seconds"},
		{&t.dbOperationDuration, "db_operation_duration_seconds", "Database operation duration in seconds"},
	}

	for _, h := range histograms {
		*h.dst, err = t.meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.jobsActive, err = t.meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of transfer jobs in progress"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create jobs_active counter: %w", err)
	}

	t.diskFree, err = t.meter.Int64Gauge(
		"disk_free_bytes",
		metric.WithDescription("Free bytes on the work volume"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create disk_free_bytes gauge: %w", err)
	}

	return nil
}
