// Package tracing wraps OpenTelemetry so runtime components can open spans for
// transitions and loads without importing the upstream packages directly.
// With no provider configured the global (no-op by default) provider is used.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/comalice/lazychart"

// Tracer opens spans on a single instrumentation scope.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by tp, or by the global provider if tp is nil.
func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// Span wraps trace.Span. A nil *Span is valid and ignores every call.
type Span struct {
	span trace.Span
}

// Start opens a span. A nil Tracer falls back to the global provider.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	tr := t
	if tr == nil {
		tr = New(nil)
	}
	ctx, span := tr.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span}
}

// SetAttributes attaches attributes to the span.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// End records err (if any) as the span status and ends the span.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// Attribute helpers.

func Machine(id string) attribute.KeyValue  { return attribute.String("lazychart.machine", id) }
func From(id string) attribute.KeyValue     { return attribute.String("lazychart.from", id) }
func To(id string) attribute.KeyValue       { return attribute.String("lazychart.to", id) }
func Item(id string) attribute.KeyValue     { return attribute.String("lazychart.item", id) }
func Kind(k string) attribute.KeyValue      { return attribute.String("lazychart.kind", k) }
func Resource(id string) attribute.KeyValue { return attribute.String("lazychart.resource", id) }
