package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/voice"
)

var sampleOutcome = Outcome{
	Output:     "Run the drills.",
	Usage:      adapter.Usage{InputTokens: 120, OutputTokens: 40},
	Cost:       0.00072,
	Latency:    1500 * time.Millisecond,
	VoiceScore: 85,
	Violations: []voice.Violation{{Category: voice.CategoryWeakLanguage, Term: "might", Severity: voice.SeverityMinor}},
}

func TestOTelSinkRecordsSpanAndLinkedScore(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	sink := NewOTelSink(tp)
	ctx := context.Background()

	tr, err := sink.StartTrace(ctx, Generation{TraceID: "t-1", Name: "execute", Tier: "SMART", Model: "sonnet"})
	require.NoError(t, err)
	require.NoError(t, tr.End(ctx, sampleOutcome))
	require.NoError(t, sink.SubmitScore(ctx, "t-1", ScoreVoice, 0.85, ""))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	gen, score := spans[0], spans[1]
	assert.Equal(t, "generation execute", gen.Name())

	attrs := map[string]any{}
	for _, kv := range gen.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "SMART", attrs["coachgate.tier"])
	assert.Equal(t, int64(120), attrs["gen_ai.usage.input_tokens"])
	assert.Equal(t, int64(85), attrs["coachgate.voice_score"])
	assert.Equal(t, int64(1500), attrs["coachgate.latency_ms"])

	assert.Equal(t, "score voice_score", score.Name())
	require.Len(t, score.Links(), 1)
	assert.Equal(t, gen.SpanContext().SpanID(), score.Links()[0].SpanContext.SpanID())
}

func TestMetricsSinkCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewMetricsSink(reg)
	ctx := context.Background()

	tr, _ := sink.StartTrace(ctx, Generation{Tier: "FAST"})
	require.NoError(t, tr.End(ctx, sampleOutcome))
	tr, _ = sink.StartTrace(ctx, Generation{Tier: "FAST"})
	require.NoError(t, tr.End(ctx, Outcome{Err: errors.New("timeout")}))
	require.NoError(t, sink.SubmitScore(ctx, "x", ScoreCritic, 0.9, ""))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.generations.WithLabelValues("FAST", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.generations.WithLabelValues("FAST", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(sink.tokens.WithLabelValues("FAST", "input")))
	assert.InDelta(t, 0.00072, testutil.ToFloat64(sink.cost.WithLabelValues("FAST")), 1e-12)
	assert.Equal(t, 1, testutil.CollectAndCount(sink.scores, "coachgate_score"))
}

func TestEvidenceSinkWritesBundle(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewEvidenceSink(dir)
	require.NoError(t, err)
	ctx := context.Background()

	tr, err := sink.StartTrace(ctx, Generation{TraceID: "run/1", Name: "execute", Model: "haiku", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, tr.End(ctx, sampleOutcome))
	require.NoError(t, sink.SubmitScore(ctx, "run/1", ScoreVoice, 0.85, "enforced"))

	traceDir := sink.TraceDir("run/1")
	assert.Equal(t, filepath.Join(dir, "run_1"), traceDir)

	var outcome OutcomeRecord
	readJSON(t, filepath.Join(traceDir, "outcome.json"), &outcome)
	assert.Equal(t, 85, outcome.VoiceScore)
	assert.Equal(t, int64(1500), outcome.DurationMillis)

	var score ScoreRecord
	readJSON(t, filepath.Join(traceDir, "scores", "voice_score.json"), &score)
	assert.Equal(t, 0.85, score.Value)
	assert.Equal(t, "enforced", score.Comment)

	_, err = os.Stat(filepath.Join(traceDir, "generation.json"))
	require.NoError(t, err)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

type failingSink struct {
	started, scored int
}

func (f *failingSink) StartTrace(context.Context, Generation) (Trace, error) {
	f.started++
	return nil, errors.New("collector unreachable")
}

func (f *failingSink) SubmitScore(context.Context, string, string, float64, string) error {
	f.scored++
	return errors.New("collector unreachable")
}

type slowSink struct{ Nop }

func (slowSink) SubmitScore(ctx context.Context, _, _ string, _ float64, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBestEffortSwallowsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	inner := &failingSink{}
	sink := BestEffort(inner, logger, 0)
	ctx := context.Background()

	tr, err := sink.StartTrace(ctx, Generation{TraceID: "t-9"})
	require.NoError(t, err)
	assert.Equal(t, "t-9", tr.ID())
	require.NoError(t, tr.End(ctx, sampleOutcome))
	require.NoError(t, sink.SubmitScore(ctx, "t-9", ScoreVoice, 1, ""))

	assert.Equal(t, 1, inner.started)
	assert.Equal(t, 1, inner.scored)
	assert.Contains(t, buf.String(), "collector unreachable")
}

func TestBestEffortBoundsSlowSinkAndIgnoresCallerCancel(t *testing.T) {
	sink := BestEffort(slowSink{}, zerolog.Nop(), 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	require.NoError(t, sink.SubmitScore(ctx, "t", ScoreVoice, 1, ""))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond, "cancelled caller context should not cut the submission short")
	assert.Less(t, elapsed, time.Second)
}

func TestMultiSharesTraceIDAndJoinsErrors(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	ev, err := NewEvidenceSink(dir)
	require.NoError(t, err)

	sink := Multi(NewLogSink(zerolog.New(&buf)), ev, nil, &failingSink{})
	tr, err := sink.StartTrace(context.Background(), Generation{Name: "execute"})
	require.Error(t, err)
	require.NotEmpty(t, tr.ID())
	require.NoError(t, tr.End(context.Background(), sampleOutcome))

	assert.Contains(t, buf.String(), tr.ID())
	_, statErr := os.Stat(filepath.Join(ev.TraceDir(tr.ID()), "outcome.json"))
	assert.NoError(t, statErr)

	err = sink.SubmitScore(context.Background(), tr.ID(), ScoreVoice, 1, "")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "collector unreachable"))
}

func TestMultiSingleSinkUnwraps(t *testing.T) {
	n := Nop{}
	assert.Equal(t, Sink(n), Multi(nil, n))
}
