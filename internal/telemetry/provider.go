package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Resource describes the running service for both traces and metrics.
func Resource(serviceName, serviceVersion string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

// InitTracerProvider installs the global tracer provider and W3C propagator.
// With an empty endpoint spans are still recorded and propagated but never
// exported.
func InitTracerProvider(ctx context.Context, endpoint string, res *resource.Resource) (func(context.Context) error, error) {
	opts := []trace.TracerProviderOption{trace.WithResource(res)}

	if endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(exporter))
	}

	tp := trace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// WithHTTPRoute wraps an http.HandlerFunc to add the http.route attribute
// to the current span using the request's Pattern.
// otelhttp runs before the mux has routed the request, so it cannot set it.
func WithHTTPRoute(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Pattern != "" {
			span := oteltrace.SpanFromContext(r.Context())
			span.SetAttributes(semconv.HTTPRoute(r.Pattern))
			span.SetName(r.Pattern)
		}
		h(w, r)
	}
}

// RouteMux is an http.ServeMux that applies WithHTTPRoute to every route.
type RouteMux struct {
	*http.ServeMux
}

func NewRouteMux() *RouteMux {
	return &RouteMux{ServeMux: http.NewServeMux()}
}

func (m *RouteMux) Handle(pattern string, handler http.Handler) {
	m.ServeMux.HandleFunc(pattern, WithHTTPRoute(handler.ServeHTTP))
}

func (m *RouteMux) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.ServeMux.HandleFunc(pattern, WithHTTPRoute(handler))
}

// NewHandler wraps h with server-side otelhttp instrumentation.
func NewHandler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

// NewHTTPClient returns a client whose requests carry trace context.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
