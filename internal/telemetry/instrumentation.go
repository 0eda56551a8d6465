package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low cardinality: step names, strategies,
// client names and statuses only. Job ids, URIs and file names belong in logs,
// which carry the trace id for correlation.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with component and outcome.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	))

	defer span.End()

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		// error text is unbounded, keep it in the status only
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentClientOperation instruments calls to a source host or the publishing platform.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, client, fn)

	t.RecordClientOperation(client, operation, statusOf(err))

	return err
}

// InstrumentStep instruments one pipeline step.
func (t *Telemetry) InstrumentStep(ctx context.Context, step string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "step_"+step, "pipeline", fn)

	t.RecordStep(step, statusOf(err), time.Since(start))

	return err
}

// InstrumentJob wraps a whole transfer job. strategy is read after fn returns
// because it is only known once the dispatcher has run.
func (t *Telemetry) InstrumentJob(ctx context.Context, fn InstrumentedFunc, strategy func() string) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.addActiveJobs(1)
	defer t.addActiveJobs(-1)

	err := t.InstrumentOperation(ctx, "job", "pipeline", fn)

	t.RecordJob(strategy(), statusOf(err), time.Since(start))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
