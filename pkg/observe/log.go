package observe

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes one structured log line per trace start, end and score.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

type logTrace struct {
	logger zerolog.Logger
	gen    Generation
	start  time.Time
}

func (s *LogSink) StartTrace(_ context.Context, gen Generation) (Trace, error) {
	gen = EnsureID(gen)
	s.logger.Debug().
		Str("trace_id", gen.TraceID).
		Str("name", gen.Name).
		Str("tier", gen.Tier).
		Str("model", gen.Model).
		Str("user_id", gen.UserID).
		Msg("generation started")
	return &logTrace{logger: s.logger, gen: gen, start: time.Now()}, nil
}

func (t *logTrace) ID() string { return t.gen.TraceID }

func (t *logTrace) End(_ context.Context, out Outcome) error {
	ev := t.logger.Info()
	if out.Err != nil {
		ev = t.logger.Warn().Err(out.Err)
	}
	ev.Str("trace_id", t.gen.TraceID).
		Str("name", t.gen.Name).
		Str("tier", t.gen.Tier).
		Str("model", t.gen.Model).
		Str("user_id", t.gen.UserID).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Int("total_tokens", out.Usage.Total()).
		Float64("cost_usd", out.Cost).
		Dur("latency", out.Latency).
		Int("voice_score", out.VoiceScore).
		Int("violations", len(out.Violations)).
		Msg("generation finished")
	return nil
}

func (s *LogSink) SubmitScore(_ context.Context, traceID, name string, value float64, comment string) error {
	s.logger.Info().
		Str("trace_id", traceID).
		Str("score", name).
		Float64("value", value).
		Str("comment", comment).
		Msg("score submitted")
	return nil
}
