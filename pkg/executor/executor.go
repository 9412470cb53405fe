// Package executor runs a routed query against its tier's provider,
// enforces the brand voice on the output and escalates on failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/config"
	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/tier"
	"github.com/zen-systems/coachgate/pkg/voice"
)

// DefaultMaxRetries allows three attempts in total.
const DefaultMaxRetries = 2

// Providers resolves a provider name from the tier catalog to a Completer.
// *adapter.Registry satisfies it.
type Providers interface {
	Completer(name string) (adapter.Completer, error)
}

// ProviderMap is a fixed set of providers.
type ProviderMap map[string]adapter.Completer

// Completer implements Providers.
func (m ProviderMap) Completer(name string) (adapter.Completer, error) {
	c, ok := m[name]
	if !ok || c == nil {
		return nil, fmt.Errorf("provider %s not configured", name)
	}
	return c, nil
}

// Escalation records one step up after a failed attempt.
type Escalation struct {
	From    tier.Tier `json:"from"`
	To      tier.Tier `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
}

// Result is the outcome of a completed attempt.
type Result struct {
	Text          string            `json:"text"`
	Tier          tier.Tier         `json:"tier"`
	Model         string            `json:"model"`
	Latency       time.Duration     `json:"latency"`
	Usage         adapter.Usage     `json:"usage"`
	Cost          float64           `json:"cost_usd"`
	VoiceScore    int               `json:"voice_score"`
	Violations    []voice.Violation `json:"violations,omitempty"`
	Escalations   []Escalation      `json:"escalations,omitempty"`
	Attempts      int               `json:"attempts"`
	Decision      router.Decision   `json:"decision"`
	TraceID       string            `json:"trace_id,omitempty"`
	CreativeJobID string            `json:"creative_job_id,omitempty"`
}

// Executor runs decisions.
type Executor struct {
	providers Providers
	catalog   *tier.Catalog
	enforcer  *voice.Enforcer
	sink      observe.Sink
	creative  CreativeQueue
	logger    zerolog.Logger

	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithCatalog sets the tier catalog.
func WithCatalog(c *tier.Catalog) Option {
	return func(e *Executor) {
		e.catalog = c
	}
}

// WithEnforcer sets the voice enforcer.
func WithEnforcer(v *voice.Enforcer) Option {
	return func(e *Executor) {
		e.enforcer = v
	}
}

// WithSink sets the observability sink. It is always wrapped best-effort.
func WithSink(s observe.Sink) Option {
	return func(e *Executor) {
		e.sink = s
	}
}

// WithCreativeQueue sets where CREATIVE jobs are submitted.
func WithCreativeQueue(q CreativeQueue) Option {
	return func(e *Executor) {
		e.creative = q
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithBackoff sets the pause before retrying after a transient error.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(e *Executor) {
		e.baseBackoff = base
		e.maxBackoff = ceiling
	}
}

// New creates an executor.
func New(providers Providers, opts ...Option) *Executor {
	e := &Executor{
		providers:   providers,
		catalog:     tier.Default(),
		sink:        observe.Nop{},
		logger:      zerolog.Nop(),
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  2 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.enforcer == nil {
		e.enforcer = voice.Default()
	}
	if _, ok := e.sink.(*observe.BestEffortSink); !ok {
		e.sink = observe.BestEffort(e.sink, e.logger, observe.DefaultSubmitTimeout)
	}
	return e
}

// Execute makes a single attempt at the decision's tier.
func (e *Executor) Execute(ctx context.Context, q router.Query, d router.Decision) (*Result, error) {
	res, err := e.attempt(ctx, q, d)
	if err != nil {
		return nil, &ExecutionError{LastTier: d.Tier, Attempts: 1, Err: err}
	}
	res.Attempts = 1
	return res, nil
}

// ExecuteWithRetry escalates one tier per failure, strictly in sequence,
// making at most maxRetries+1 attempts. CREATIVE decisions are submitted
// once and never escalate. A negative maxRetries uses DefaultMaxRetries.
func (e *Executor) ExecuteWithRetry(ctx context.Context, q router.Query, d router.Decision, maxRetries int) (*Result, error) {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if d.Tier == tier.Creative {
		return e.Execute(ctx, q, d)
	}

	current := d
	var escalations []Escalation
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ExecutionError{LastTier: current.Tier, Attempts: attempt - 1, Escalations: escalations, Err: err}
		}

		res, err := e.attempt(ctx, q, current)
		if err == nil {
			res.Attempts = attempt
			res.Escalations = escalations
			return res, nil
		}

		fail := &ExecutionError{LastTier: current.Tier, Attempts: attempt, Escalations: escalations, Err: err}
		if ctx.Err() != nil {
			return nil, fail
		}
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, fail
		}
		next, ok := current.Tier.Next()
		if !ok || attempt > maxRetries {
			return nil, fail
		}

		reason := fmt.Sprintf("%s failed on attempt %d: %v -> %s", current.Tier, attempt, err, next)
		escalations = append(escalations, Escalation{From: current.Tier, To: next, Attempt: attempt, Reason: reason})
		e.logger.Warn().
			Err(err).
			Str("user_id", q.UserID).
			Stringer("tier", current.Tier).
			Stringer("next_tier", next).
			Int("attempt", attempt).
			Msg("escalating after failed attempt")

		current = current.Escalate(next, reason)
		current.EstimatedLatency = e.catalog.Spec(next).TargetP95

		if adapter.IsTransient(err) {
			if err := sleepWithContext(ctx, computeBackoff(e.baseBackoff, e.maxBackoff, attempt-1)); err != nil {
				return nil, &ExecutionError{LastTier: current.Tier, Attempts: attempt, Escalations: escalations, Err: err}
			}
		}
	}
}

// Stream makes a single attempt at the decision's tier, passing
// voice-enforced text to onDelta line by line as it arrives. Providers
// without streaming support deliver the whole answer at once. There is no
// escalation: text already shown cannot be taken back. CREATIVE decisions
// are rejected.
func (e *Executor) Stream(ctx context.Context, q router.Query, d router.Decision, onDelta func(string) error) (*Result, error) {
	if d.Tier == tier.Creative {
		return nil, &ExecutionError{LastTier: d.Tier, Err: fmt.Errorf("tier %s cannot stream", d.Tier)}
	}
	res, err := e.run(ctx, q, d, onDelta)
	if err != nil {
		return nil, &ExecutionError{LastTier: d.Tier, Attempts: 1, Err: err}
	}
	res.Attempts = 1
	return res, nil
}

func (e *Executor) attempt(ctx context.Context, q router.Query, d router.Decision) (*Result, error) {
	if d.Tier == tier.Creative {
		return e.submitCreative(ctx, q, d)
	}
	return e.run(ctx, q, d, nil)
}

// run calls the tier's provider. A nil onDelta waits for the full answer.
func (e *Executor) run(ctx context.Context, q router.Query, d router.Decision, onDelta func(string) error) (*Result, error) {
	if !d.Tier.Ordered() {
		return nil, fmt.Errorf("tier %s cannot serve text", d.Tier)
	}

	spec := e.catalog.Spec(d.Tier)
	provider, err := e.providers.Completer(spec.Provider)
	if err != nil {
		return nil, err
	}

	trace, _ := e.sink.StartTrace(ctx, observe.Generation{
		Name:   "execute",
		Tier:   d.Tier.String(),
		Model:  spec.Model,
		Input:  q.Text,
		UserID: q.UserID,
		Metadata: map[string]any{
			"intent":     string(d.Intent),
			"sentiment":  string(d.Sentiment),
			"complexity": d.Complexity,
		},
	})

	callCtx := ctx
	if spec.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, spec.CallTimeout)
		defer cancel()
	}

	req := adapter.CompletionRequest{
		Model:     spec.Model,
		System:    voice.SystemPrompt(d.Tier, q.DomainContext),
		Messages:  q.Messages(),
		MaxTokens: spec.MaxTokens,
	}
	start := e.now()
	var comp *adapter.Completion
	if onDelta == nil {
		comp, err = provider.Complete(callCtx, req)
	} else {
		comp, err = e.stream(callCtx, provider, req, onDelta)
	}
	latency := e.now().Sub(start)
	if err == nil && strings.TrimSpace(comp.Text) == "" {
		err = fmt.Errorf("%s returned an empty completion", provider.Name())
	}
	if err != nil {
		_ = trace.End(ctx, observe.Outcome{Latency: latency, Err: err})
		return nil, err
	}

	text := e.enforcer.Enforce(comp.Text)
	violations := e.enforcer.Audit(text)
	score := voice.Score(violations)
	cost := spec.Cost(comp.Usage.InputTokens, comp.Usage.OutputTokens)

	_ = trace.End(ctx, observe.Outcome{
		Output:     text,
		Usage:      comp.Usage,
		Cost:       cost,
		Latency:    latency,
		VoiceScore: score,
		Violations: violations,
	})
	_ = e.sink.SubmitScore(ctx, trace.ID(), observe.ScoreVoice, float64(score)/100, fmt.Sprintf("%d violation(s)", len(violations)))

	model := comp.Model
	if model == "" {
		model = spec.Model
	}
	return &Result{
		Text:       text,
		Tier:       d.Tier,
		Model:      model,
		Latency:    latency,
		Usage:      comp.Usage,
		Cost:       cost,
		VoiceScore: score,
		Violations: violations,
		Decision:   d,
		TraceID:    trace.ID(),
	}, nil
}

func (e *Executor) stream(ctx context.Context, provider adapter.Completer, req adapter.CompletionRequest, onDelta func(string) error) (*adapter.Completion, error) {
	w := e.enforcer.NewStream(onDelta)
	var comp *adapter.Completion
	var err error
	if s, ok := provider.(adapter.Streamer); ok {
		comp, err = s.Stream(ctx, req, w.Write)
	} else if comp, err = provider.Complete(ctx, req); err == nil {
		err = w.Write(comp.Text)
	}
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return comp, nil
}

func computeBackoff(base, ceiling time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= ceiling {
			return ceiling
		}
	}
	if backoff > ceiling {
		return ceiling
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
