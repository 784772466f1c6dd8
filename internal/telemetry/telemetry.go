// Package telemetry wires the hub's tracer and metric instruments.
//
// Spans cover one downstream dispatch and one upstream connect attempt;
// metrics cover dispatch counts/latency by method and connect
// outcomes by upstream id. Both exporters write to stdout, matching a
// hub meant to run as a single local process with no collector
// deployed alongside it — an operator who wants OTLP export can swap
// the exporter construction in Init without touching call sites.
package telemetry

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/hatago/hatago"
	meterName  = "github.com/hatago/hatago"
)

var (
	tracer trace.Tracer = otel.Tracer(tracerName)
	meter  metric.Meter = otel.Meter(meterName)

	// DispatchDuration records how long Handle spent routing one
	// downstream request, by method.
	DispatchDuration metric.Float64Histogram

	// ConnectDuration records how long a single upstream connect
	// attempt took, by upstream id and outcome ("ok"/"error").
	ConnectDuration metric.Float64Histogram

	// ConnectAttemptsTotal counts connect attempts by upstream id and
	// outcome.
	ConnectAttemptsTotal metric.Int64Counter
)

func init() {
	registerInstruments()
}

// registerInstruments (re)creates the package's instruments against the
// current global meter. Called once at package init, and again by Init
// once the real MeterProvider is installed, since otel's default
// no-op meter is replaced rather than mutated.
func registerInstruments() {
	DispatchDuration, _ = meter.Float64Histogram(
		"hatago.dispatch.duration",
		metric.WithDescription("Duration of one downstream JSON-RPC dispatch, in milliseconds"),
		metric.WithUnit("ms"),
	)
	ConnectDuration, _ = meter.Float64Histogram(
		"hatago.upstream.connect.duration",
		metric.WithDescription("Duration of one upstream connect attempt, in milliseconds"),
		metric.WithUnit("ms"),
	)
	ConnectAttemptsTotal, _ = meter.Int64Counter(
		"hatago.upstream.connect.attempts",
		metric.WithDescription("Count of upstream connect attempts by outcome"),
	)
}

// Tracer returns the hub's shared tracer.
func Tracer() trace.Tracer { return tracer }

// Providers bundles the tracer and meter providers so Shutdown can
// flush both together.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Init wires a stdout trace exporter and a stdout metric reader as the
// process-global providers, and returns a Providers handle whose
// Shutdown flushes pending spans/metrics. w receives both streams;
// pass io.Discard to disable emission while keeping instrumentation
// calls cheap no-ops.
func Init(ctx context.Context, w io.Writer) (*Providers, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(tracerName)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))))
	otel.SetMeterProvider(mp)
	meter = mp.Meter(meterName)
	registerInstruments()

	return &Providers{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and stops both providers. Safe to call on a nil
// receiver (Init was never called).
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.meterProvider.Shutdown(ctx)
}
