// Package obs wires up ambient OpenTelemetry tracing and metrics for the
// core — distinct from the Telemetry Bus (C6, internal/telemetry), which
// is a bounded, lossy, domain-specific event stream rather than an
// observability export pipeline.
//
// Grounded on the teacher's telemetry package (telemetry/telemetry_test.go,
// since the retrieval pack carries only its tests): an Options struct
// read from environment-style variables, an InitTelemetry/ShutdownTelemetry
// pair, and a Trace(name, attrs, fn) helper that starts a span around a
// callback. wasmloom keeps that shape and wires it to
// go.opentelemetry.io/otel's real stdout exporters (the teacher's go.mod
// dependency) instead of the teacher's configurable OTLP/console switch,
// since the core has no HTTP collector endpoint of its own to point at.
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Options configures ambient observability. Enabled defaults to false so
// unit tests and CLI one-shot invocations never spin up an exporter.
type Options struct {
	Enabled    bool
	AppName    string
	AppVersion string
}

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer = otel.Tracer("wasmloom")

	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter = otel.Meter("wasmloom")
	cyclesTotal    metric.Int64Counter
	faultsTotal    metric.Int64Counter
)

func init() {
	cyclesTotal, _ = meter.Int64Counter("wasmloom.cycles_completed",
		metric.WithDescription("execution cycles completed, by plan"))
	faultsTotal, _ = meter.Int64Counter("wasmloom.node_faults",
		metric.WithDescription("node invocation faults, by plan and fault kind"))
}

// Init sets up the global tracer and meter providers. Calling it with
// Enabled=false leaves the no-op global tracer/meter in place, so unit
// tests and one-shot CLI invocations never spin up an exporter.
func Init(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("obs: cannot build stdout span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)
	tracerProvider = tp
	tracer = tp.Tracer(opts.AppName)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("obs: cannot build stdout metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)
	meterProvider = mp
	meter = mp.Meter(opts.AppName)
	cyclesTotal, err = meter.Int64Counter("wasmloom.cycles_completed",
		metric.WithDescription("execution cycles completed, by plan"))
	if err != nil {
		return nil, fmt.Errorf("obs: cannot build cycles counter: %w", err)
	}
	faultsTotal, err = meter.Int64Counter("wasmloom.node_faults",
		metric.WithDescription("node invocation faults, by plan and fault kind"))
	if err != nil {
		return nil, fmt.Errorf("obs: cannot build faults counter: %w", err)
	}

	return func(ctx context.Context) error {
		traceErr := tp.Shutdown(ctx)
		metricErr := mp.Shutdown(ctx)
		if traceErr != nil {
			return traceErr
		}
		return metricErr
	}, nil
}

// RecordCycleCompleted increments the per-plan cycle counter; the
// execution engine calls this once per completed cycle, alongside (not
// instead of) the Telemetry Bus's EventCycleCompleted (§4.6) — this is the
// ambient, exported-for-operators counterpart to that in-process stream.
func RecordCycleCompleted(ctx context.Context, planID string) {
	if cyclesTotal == nil {
		return
	}
	cyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("plan_id", planID)))
}

// RecordNodeFault increments the per-plan, per-fault-kind fault counter;
// the execution engine calls this alongside EventNodeFaulted (§4.6).
func RecordNodeFault(ctx context.Context, planID, kind string) {
	if faultsTotal == nil {
		return
	}
	faultsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plan_id", planID),
		attribute.String("kind", kind),
	))
}

// Trace starts a span named name, runs fn under it, and records any error
// returned by fn onto the span before ending it — mirroring the teacher's
// Trace(opts, name, attrs, fn) helper.
func Trace(ctx context.Context, name string, attrs map[string]interface{}, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	for k, v := range attrs {
		span.SetAttributes(toAttribute(k, v))
	}

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// TraceIDFromContext returns the hex-encoded trace id of the span active
// on ctx, if any — used by `snapshot_plan` to attach a trace id to a
// snapshot (§C supplemented feature).
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func toAttribute(k string, v interface{}) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(k, val)
	case int:
		return attribute.Int(k, val)
	case int64:
		return attribute.Int64(k, val)
	case uint64:
		return attribute.Int64(k, int64(val))
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	default:
		return attribute.String(k, fmt.Sprintf("%v", val))
	}
}
