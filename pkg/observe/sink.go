// Package observe defines the observability sink the pipeline reports
// generations and scores to, plus its log, tracing, metrics and evidence
// implementations.
package observe

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/voice"
)

// Score names submitted by the pipeline.
const (
	ScoreVoice  = "voice_score"
	ScoreCritic = "critic_score"
)

// Generation describes a provider call about to start.
type Generation struct {
	// TraceID is assigned by the caller when empty.
	TraceID  string         `json:"trace_id"`
	Name     string         `json:"name"`
	Tier     string         `json:"tier,omitempty"`
	Model    string         `json:"model"`
	Input    string         `json:"input,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Outcome is reported when the call finishes.
type Outcome struct {
	Output     string            `json:"output,omitempty"`
	Usage      adapter.Usage     `json:"usage"`
	Cost       float64           `json:"cost"`
	Latency    time.Duration     `json:"latency"`
	VoiceScore int               `json:"voice_score"`
	Violations []voice.Violation `json:"violations,omitempty"`
	Err        error             `json:"-"`
}

// Trace is a started generation.
type Trace interface {
	ID() string
	End(ctx context.Context, out Outcome) error
}

// Sink receives traces and scores.
type Sink interface {
	StartTrace(ctx context.Context, gen Generation) (Trace, error)
	SubmitScore(ctx context.Context, traceID, name string, value float64, comment string) error
}

// EnsureID fills gen.TraceID when empty.
func EnsureID(gen Generation) Generation {
	if gen.TraceID == "" {
		gen.TraceID = uuid.NewString()
	}
	return gen
}

type nopTrace struct{ id string }

func (t nopTrace) ID() string                         { return t.id }
func (t nopTrace) End(context.Context, Outcome) error { return nil }

// Nop discards everything.
type Nop struct{}

func (Nop) StartTrace(_ context.Context, gen Generation) (Trace, error) {
	return nopTrace{id: EnsureID(gen).TraceID}, nil
}

func (Nop) SubmitScore(context.Context, string, string, float64, string) error { return nil }
