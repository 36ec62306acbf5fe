// Package otelx installs the global OpenTelemetry tracer provider and
// propagators.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/linnemanlabs-jokes/internal/version"
	"github.com/keithlinneman/linnemanlabs-jokes/internal/xerrors"
)

// the collector runs on the same host, so the dial should be quick
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string // OTLP gRPC collector, host:port
	Insecure  bool
	Sample    float64 // ratio for root spans, children follow their parent
	Service   string  // default: version.AppName
	Component string  // default: "server"
	Version   string

	// Exporter, when set, is used instead of dialing Endpoint.
	Exporter sdktrace.SpanExporter
}

// ServiceName is "<service>.<component>".
func (o Options) ServiceName() string {
	svc, comp := o.Service, o.Component
	if svc == "" {
		svc = version.AppName
	}
	if comp == "" {
		comp = "server"
	}
	return svc + "." + comp
}

func (o Options) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	if o.Exporter != nil {
		return o.Exporter, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter %s", o.Endpoint)
	}
	return exp, nil
}

// Init installs W3C trace context and baggage propagation either way. When
// tracing is disabled spans still get ids, so logs carry trace_id, but
// nothing is exported. The returned shutdown flushes pending spans.
func Init(ctx context.Context, o Options) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := o.exporter(ctx)
	if err != nil {
		return nil, err
	}
	// a partial resource is still useful, detector errors are dropped
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(o.ServiceName()),
			semconv.ServiceVersion(o.Version),
		),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
