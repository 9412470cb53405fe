package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName   = "github.com/zen-systems/coachgate"
	maxOpenLinks = 4096
)

// OTelSink records each generation as a span and each score as a short
// span linked to it.
type OTelSink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.SpanContext
	order []string
}

// NewOTelSink creates a sink using tp. A nil provider uses the global one.
func NewOTelSink(tp trace.TracerProvider) *OTelSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelSink{
		tracer: tp.Tracer(tracerName),
		spans:  make(map[string]trace.SpanContext),
	}
}

type otelTrace struct {
	id   string
	span trace.Span
}

func (s *OTelSink) StartTrace(ctx context.Context, gen Generation) (Trace, error) {
	gen = EnsureID(gen)
	_, span := s.tracer.Start(ctx, "generation "+gen.Name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("coachgate.trace_id", gen.TraceID),
			attribute.String("coachgate.tier", gen.Tier),
			attribute.String("gen_ai.request.model", gen.Model),
			attribute.String("coachgate.user_id", gen.UserID),
		),
	)
	s.remember(gen.TraceID, span.SpanContext())
	return &otelTrace{id: gen.TraceID, span: span}, nil
}

func (t *otelTrace) ID() string { return t.id }

func (t *otelTrace) End(_ context.Context, out Outcome) error {
	t.span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", out.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", out.Usage.OutputTokens),
		attribute.Float64("coachgate.cost_usd", out.Cost),
		attribute.Int64("coachgate.latency_ms", out.Latency.Milliseconds()),
		attribute.Int("coachgate.voice_score", out.VoiceScore),
		attribute.Int("coachgate.violations", len(out.Violations)),
	)
	if out.Err != nil {
		t.span.RecordError(out.Err)
		t.span.SetStatus(codes.Error, out.Err.Error())
	}
	t.span.End()
	return nil
}

func (s *OTelSink) SubmitScore(ctx context.Context, traceID, name string, value float64, comment string) error {
	opts := []trace.SpanStartOption{
		trace.WithAttributes(
			attribute.String("coachgate.trace_id", traceID),
			attribute.String("coachgate.score.name", name),
			attribute.Float64("coachgate.score.value", value),
			attribute.String("coachgate.score.comment", comment),
		),
	}
	if sc, ok := s.lookup(traceID); ok {
		opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
	}
	_, span := s.tracer.Start(ctx, "score "+name, opts...)
	span.End()
	return nil
}

func (s *OTelSink) remember(id string, sc trace.SpanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spans[id]; !ok {
		s.order = append(s.order, id)
	}
	s.spans[id] = sc
	for len(s.order) > maxOpenLinks {
		delete(s.spans, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *OTelSink) lookup(id string) (trace.SpanContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.spans[id]
	return sc, ok
}
