package observe

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSubmitTimeout bounds every best-effort sink call.
const DefaultSubmitTimeout = 2 * time.Second

type multiSink []Sink

// Multi fans out to every non-nil sink under one shared trace ID.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type multiTrace struct {
	id     string
	traces []Trace
}

func (m multiSink) StartTrace(ctx context.Context, gen Generation) (Trace, error) {
	gen = EnsureID(gen)
	t := &multiTrace{id: gen.TraceID}
	var errs []error
	for _, s := range m {
		child, err := s.StartTrace(ctx, gen)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.traces = append(t.traces, child)
	}
	return t, errors.Join(errs...)
}

func (t *multiTrace) ID() string { return t.id }

func (t *multiTrace) End(ctx context.Context, out Outcome) error {
	var errs []error
	for _, child := range t.traces {
		if err := child.End(ctx, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiSink) SubmitScore(ctx context.Context, traceID, name string, value float64, comment string) error {
	var errs []error
	for _, s := range m {
		if err := s.SubmitScore(ctx, traceID, name, value, comment); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffortSink never fails the caller: errors are logged and dropped,
// and every call runs under its own short deadline detached from the
// request's cancellation.
type BestEffortSink struct {
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration
}

// BestEffort wraps sink. A zero timeout uses DefaultSubmitTimeout.
func BestEffort(sink Sink, logger zerolog.Logger, timeout time.Duration) *BestEffortSink {
	if sink == nil {
		sink = Nop{}
	}
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &BestEffortSink{sink: sink, logger: logger, timeout: timeout}
}

func (b *BestEffortSink) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
}

type bestEffortTrace struct {
	owner *BestEffortSink
	inner Trace
	id    string
}

// StartTrace always returns a usable trace and a nil error.
func (b *BestEffortSink) StartTrace(ctx context.Context, gen Generation) (Trace, error) {
	gen = EnsureID(gen)
	sctx, cancel := b.bounded(ctx)
	defer cancel()

	inner, err := b.sink.StartTrace(sctx, gen)
	if err != nil {
		b.logger.Warn().Err(err).Str("trace_id", gen.TraceID).Msg("observability start failed")
	}
	if inner == nil {
		inner = nopTrace{id: gen.TraceID}
	}
	return &bestEffortTrace{owner: b, inner: inner, id: gen.TraceID}, nil
}

func (t *bestEffortTrace) ID() string { return t.id }

func (t *bestEffortTrace) End(ctx context.Context, out Outcome) error {
	sctx, cancel := t.owner.bounded(ctx)
	defer cancel()
	if err := t.inner.End(sctx, out); err != nil {
		t.owner.logger.Warn().Err(err).Str("trace_id", t.id).Msg("observability end failed")
	}
	return nil
}

// SubmitScore always returns nil.
func (b *BestEffortSink) SubmitScore(ctx context.Context, traceID, name string, value float64, comment string) error {
	sctx, cancel := b.bounded(ctx)
	defer cancel()
	if err := b.sink.SubmitScore(sctx, traceID, name, value, comment); err != nil {
		b.logger.Warn().Err(err).Str("trace_id", traceID).Str("score", name).Msg("score submission failed")
	}
	return nil
}
