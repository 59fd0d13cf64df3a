// Package otel maps execution source lifecycles onto OpenTelemetry spans.
//
// A span opens on Started and closes on Finished. Every other event on the
// source is recorded as a span event, so a workflow run shows up as a tree
// of tasks, loop items and judge calls in any OTel backend.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PipeOpsHQ/execflow/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/PipeOpsHQ/execflow"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
	mu     sync.Mutex
	open   map[string]openSpan
}

type openSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
		open:   map[string]openSpan{},
	}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	src := event.Source
	switch k := event.Kind.(type) {
	case observe.Started:
		parent := context.WithoutCancel(ctx)
		if p, ok := s.open[src.ParentID]; ok {
			parent = p.ctx
		}
		spanCtx, span := s.tracer.Start(parent, spanName(src, k.Name),
			trace.WithTimestamp(event.Timestamp),
			trace.WithAttributes(sourceAttributes(src)...),
		)
		span.SetAttributes(mapAttributes(k.Attributes)...)
		s.open[src.ID] = openSpan{ctx: spanCtx, span: span}
	case observe.Finished:
		open, ok := s.open[src.ID]
		if !ok {
			return nil
		}
		delete(s.open, src.ID)
		open.span.SetAttributes(mapAttributes(k.Attributes)...)
		if k.Error != "" {
			open.span.SetStatus(codes.Error, k.Error)
			open.span.RecordError(errors.New(k.Error))
		} else {
			open.span.SetStatus(codes.Ok, "")
		}
		open.span.End(trace.WithTimestamp(event.Timestamp))
	default:
		open, ok := s.open[src.ID]
		if !ok {
			return nil
		}
		attrs := []attribute.KeyValue{}
		switch k := event.Kind.(type) {
		case observe.UsageReported:
			attrs = append(attrs,
				attribute.Int("execflow.usage.input_tokens", k.Usage.InputTokens),
				attribute.Int("execflow.usage.output_tokens", k.Usage.OutputTokens),
			)
		case observe.LowConsistencyDetected:
			attrs = append(attrs, attribute.Float64("execflow.consistency", k.Consistency))
		case observe.Failure:
			open.span.RecordError(errors.New(k.Text))
			return nil
		case observe.Message:
			attrs = append(attrs, attribute.String("execflow.message", truncate(k.Text, 1024)))
		case observe.SetMetadata:
			open.span.SetAttributes(mapAttributes(k.Attributes)...)
			return nil
		}
		open.span.AddEvent(string(event.Type()),
			trace.WithTimestamp(event.Timestamp),
			trace.WithAttributes(attrs...),
		)
	}
	return nil
}

// Open reports how many spans are still waiting for Finished.
func (s *Sink) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func spanName(src observe.Source, name string) string {
	if name != "" {
		return "execflow." + string(src.Kind) + "." + name
	}
	return "execflow." + string(src.Kind)
}

func sourceAttributes(src observe.Source) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("execflow.source.id", src.ID),
		attribute.String("execflow.source.kind", string(src.Kind)),
	}
	if src.ParentID != "" {
		attrs = append(attrs, attribute.String("execflow.source.parent_id", src.ParentID))
	}
	return attrs
}

func mapAttributes(in map[string]any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(in))
	for k, v := range in {
		attrs = append(attrs, attribute.String("execflow.attr."+k, fmt.Sprintf("%v", v)))
	}
	return attrs
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
