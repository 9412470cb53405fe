package critic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/voice"
)

// DefaultBatchAttempts is the loop budget ReviewBatch uses when the config
// leaves MaxAttempts unset.
const DefaultBatchAttempts = 2

// ReviseRequest is handed to a ReviseFunc after a failed review.
type ReviseRequest struct {
	Content     string
	Issues      []Issue
	MustFix     []string
	Suggestions []string
	Attempt     int
	// Repeated is set when the content under review is identical to the
	// previous attempt's.
	Repeated bool
}

// ReviseFunc produces a new draft from reviewer feedback.
type ReviseFunc func(ctx context.Context, req ReviseRequest) (string, error)

// Attempt is one review pass.
type Attempt struct {
	Attempt int           `json:"attempt"`
	Content string        `json:"content"`
	Review  Review        `json:"review"`
	Passed  bool          `json:"passed"`
	Latency time.Duration `json:"latency"`
}

// LoopResult is the outcome of a critic loop.
type LoopResult struct {
	Approved        bool          `json:"approved"`
	FinalContent    string        `json:"final_content"`
	FinalScore      int           `json:"final_score"`
	Iterations      int           `json:"iterations"`
	History         []Attempt     `json:"history"`
	TotalLatency    time.Duration `json:"total_latency"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	TraceID         string        `json:"trace_id,omitempty"`
}

// Err returns a *RejectionError for rejected results and nil otherwise.
func (r *LoopResult) Err() error {
	if r == nil || r.Approved {
		return nil
	}
	return &RejectionError{Reason: r.RejectionReason, FinalScore: r.FinalScore, Iterations: r.Iterations}
}

// RejectionError reports content that never met the approval threshold.
type RejectionError struct {
	Reason     string
	FinalScore int
	Iterations int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("critic rejected content (score %d): %s", e.FinalScore, e.Reason)
}

// Loop runs review and revise cycles.
type Loop struct {
	reviewer Reviewer
	enforcer *voice.Enforcer
	sink     observe.Sink
	logger   zerolog.Logger
	now      func() time.Time
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithEnforcer sets the enforcer used when no ReviseFunc is given.
func WithEnforcer(e *voice.Enforcer) LoopOption {
	return func(l *Loop) {
		l.enforcer = e
	}
}

// WithSink sets the sink receiving critic scores.
func WithSink(s observe.Sink) LoopOption {
	return func(l *Loop) {
		l.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a loop around reviewer.
func NewLoop(reviewer Reviewer, opts ...LoopOption) *Loop {
	l := &Loop{
		reviewer: reviewer,
		sink:     observe.Nop{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.enforcer == nil {
		l.enforcer = voice.Default()
	}
	if _, ok := l.sink.(*observe.BestEffortSink); !ok {
		l.sink = observe.BestEffort(l.sink, l.logger, observe.DefaultSubmitTimeout)
	}
	return l
}

// Run reviews content up to cfg.MaxAttempts times, revising between
// attempts. A reviewer failure stops the loop and returns the partial
// result alongside the error.
func (l *Loop) Run(ctx context.Context, content string, cfg Config, revise ReviseFunc) (*LoopResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	guidelines := cfg.BuildGuidelines()
	start := l.now()
	res := &LoopResult{FinalContent: content}
	current := content
	var previous string

	l.logger.Info().
		Str("content_type", string(cfg.ContentType)).
		Int("threshold", cfg.ApprovalThreshold).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("starting critic loop")

	criticalStop := false
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, res, cfg, start, criticalStop), err
		}

		iterStart := l.now()
		review, err := l.reviewer.Review(ctx, current, guidelines)
		if err != nil {
			res.FinalContent = current
			return l.finish(ctx, res, cfg, start, criticalStop), fmt.Errorf("critic attempt %d: %w", attempt, err)
		}
		passed := review.Approved && review.Score >= cfg.ApprovalThreshold
		res.History = append(res.History, Attempt{
			Attempt: attempt,
			Content: current,
			Review:  review,
			Passed:  passed,
			Latency: l.now().Sub(iterStart),
		})
		res.FinalContent = current
		res.FinalScore = review.Score

		l.logger.Info().
			Int("attempt", attempt).
			Int("score", review.Score).
			Bool("passed", passed).
			Int("issues", len(review.Issues)).
			Msg("critic iteration complete")

		if passed {
			res.Approved = true
			break
		}
		if cfg.FailOnCritical && review.HasCritical() && attempt == cfg.MaxAttempts {
			criticalStop = true
			break
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		next := l.revise(ctx, revise, ReviseRequest{
			Content:     current,
			Issues:      review.Issues,
			MustFix:     review.MustFix,
			Suggestions: review.Suggestions,
			Attempt:     attempt,
			Repeated:    attempt > 1 && current == previous,
		})
		previous = current
		current = next
		res.FinalContent = current
	}

	return l.finish(ctx, res, cfg, start, criticalStop), nil
}

func (l *Loop) revise(ctx context.Context, revise ReviseFunc, req ReviseRequest) string {
	if revise == nil {
		return l.enforcer.Enforce(req.Content)
	}
	out, err := revise(ctx, req)
	if err != nil {
		l.logger.Warn().Err(err).Int("attempt", req.Attempt).Msg("revision failed, applying voice enforcement")
		return l.enforcer.Enforce(req.Content)
	}
	return out
}

func (l *Loop) finish(ctx context.Context, res *LoopResult, cfg Config, start time.Time, criticalStop bool) *LoopResult {
	res.Iterations = len(res.History)
	res.TotalLatency = l.now().Sub(start)
	if !res.Approved {
		if criticalStop {
			res.RejectionReason = fmt.Sprintf("critical issues remain after %d attempts", res.Iterations)
		} else {
			res.RejectionReason = fmt.Sprintf("failed to meet approval threshold (%d) after %d attempts", cfg.ApprovalThreshold, res.Iterations)
		}
	}

	l.logger.Info().
		Bool("approved", res.Approved).
		Int("final_score", res.FinalScore).
		Int("iterations", res.Iterations).
		Dur("latency", res.TotalLatency).
		Msg("critic loop complete")

	if res.Iterations == 0 {
		return res
	}
	traceID := cfg.TraceID
	if traceID == "" {
		trace, _ := l.sink.StartTrace(ctx, observe.Generation{
			Name:     "critic",
			Input:    res.History[0].Content,
			Metadata: map[string]any{"content_type": string(cfg.ContentType), "iterations": res.Iterations},
		})
		_ = trace.End(ctx, observe.Outcome{Output: res.FinalContent, Latency: res.TotalLatency})
		traceID = trace.ID()
	}
	res.TraceID = traceID
	comment := "approved"
	if !res.Approved {
		comment = res.RejectionReason
	}
	_ = l.sink.SubmitScore(ctx, traceID, observe.ScoreCritic, float64(res.FinalScore)/100, comment)
	return res
}

// QuickReview runs a single review with the content type's default
// guidelines and never revises.
func (l *Loop) QuickReview(ctx context.Context, content string, ct ContentType) (Review, error) {
	return l.reviewer.Review(ctx, content, DefaultConfig(ct).BuildGuidelines())
}

// BatchResult summarizes ReviewBatch.
type BatchResult struct {
	Results      []*LoopResult `json:"results"`
	Total        int           `json:"total"`
	Approved     int           `json:"approved"`
	AverageScore float64       `json:"average_score"`
}

// ReviewBatch runs one loop per item with at most concurrency loops in
// flight. Results keep input order. The first loop error cancels the rest.
func (l *Loop) ReviewBatch(ctx context.Context, items []string, cfg Config, revise ReviseFunc, concurrency int) (*BatchResult, error) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultBatchAttempts
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.TraceID = ""

	results := make([]*LoopResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, item := range items {
		g.Go(func() error {
			res, err := l.Run(gctx, item, cfg, revise)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BatchResult{Results: results, Total: len(items)}
	if len(items) == 0 {
		return out, nil
	}
	sum := 0
	for _, r := range results {
		if r.Approved {
			out.Approved++
		}
		sum += r.FinalScore
	}
	out.AverageScore = math.Round(float64(sum)/float64(len(items))*10) / 10
	return out, nil
}

// IsRejection reports whether err is a *RejectionError.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
