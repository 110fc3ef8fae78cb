// Package tracing wraps the OTel SDK the way the teacher's
// pkg/tracing/tracing.go does: a Manager that owns the TracerProvider
// and exporter lifecycle, a Handler HTTP middleware, and small
// span helpers for wrapping a unit of work. Trimmed to the one exporter
// this service's go.mod actually carries (OTLP/HTTP) and to the two
// operations worth a span here — ingesting one encounter's worth of
// events and materializing it to the columnar store — instead of the
// teacher's generic log-entry/dispatcher tracing surface.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config controls whether and where spans are exported. An empty
// Endpoint disables tracing: Manager falls back to a no-op tracer so
// callers never need a nil check.
type Config struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
}

// Manager owns the TracerProvider and the tracer every span helper in
// this package pulls from.
type Manager struct {
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. With cfg.Endpoint empty it returns a Manager
// backed by the global no-op tracer, matching the teacher's
// Enabled=false short-circuit in NewTracingManager.
func New(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Endpoint == "" {
		return &Manager{logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
	))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
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
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(rate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"component": "tracing",
		"endpoint":  cfg.Endpoint,
	}).Info("distributed tracing initialized")

	return &Manager{logger: logger, provider: provider, tracer: otel.Tracer(cfg.ServiceName)}, nil
}

// Shutdown flushes and stops the exporter; a no-op Manager returns nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// StartEncounterSpan opens a span covering one encounter's processing,
// from CombatStarted to its CombatEnded signal.
func (m *Manager) StartEncounterSpan(ctx context.Context, encounterIndex int, area string) (context.Context, oteltrace.Span) {
	ctx, span := m.tracer.Start(ctx, "encounter.process")
	span.SetAttributes(
		attribute.Int("encounter.index", encounterIndex),
		attribute.String("encounter.area", area),
	)
	return ctx, span
}

// StartMaterializeSpan opens a span covering one MaterializeEncounter
// call, including retries.
func (m *Manager) StartMaterializeSpan(ctx context.Context, character string, encounterIndex int) (context.Context, oteltrace.Span) {
	ctx, span := m.tracer.Start(ctx, "encounter.materialize")
	span.SetAttributes(
		attribute.String("encounter.character", character),
		attribute.Int("encounter.index", encounterIndex),
	)
	return ctx, span
}

// EndWithError records err on span (if non-nil) and sets the span's
// status before ending it, the teacher's TraceableContext.SetError +
// End sequence collapsed into one call for the single-span helpers
// above.
func EndWithError(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "completed")
	}
	span.End()
}

// Handler is HTTP middleware that starts a span per request, extracting
// any upstream trace context and injecting the resulting context back
// into the response headers, mirroring the teacher's TraceHandler.
func (m *Manager) Handler(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := m.tracer.Start(ctx, operation)
			defer span.End()

			span.SetAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPTarget(r.URL.Path),
			)
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
