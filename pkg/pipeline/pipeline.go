// Package pipeline handles one coaching request end to end: route, execute
// with escalation, record the outcome, then optionally review the reply
// with the critic loop and hand the exchange to memory ingest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/critic"
	"github.com/zen-systems/coachgate/pkg/executor"
	"github.com/zen-systems/coachgate/pkg/jobs"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/state"
	"github.com/zen-systems/coachgate/pkg/tier"
)

// Stage names reported in Response.Stages.
const (
	StageRoute   = "route"
	StageExecute = "execute"
	StageCritic  = "critic"
	StageMemory  = "memory"
)

// Request is one user turn.
type Request struct {
	Query router.Query
	// ConversationID enables memory ingest when an event sender is set.
	ConversationID string
	// Review runs the critic loop on the reply when non-nil.
	Review *critic.Config
	// OnDelta streams the reply as it is generated. Streamed requests make
	// a single attempt and cannot be reviewed. CREATIVE decisions ignore it.
	OnDelta func(string) error
}

// StageRecord is the timing and outcome of one stage.
type StageRecord struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Response is the outcome of Handle.
type Response struct {
	// Text is the reply to send: the critic's final content when a review
	// ran, the executor's voice-enforced text otherwise.
	Text     string             `json:"text"`
	Decision router.Decision    `json:"decision"`
	Result   *executor.Result   `json:"result"`
	Review   *critic.LoopResult `json:"review,omitempty"`
	// MemoryEventID is the id of the published memory/ingest event.
	MemoryEventID string        `json:"memory_event_id,omitempty"`
	Stages        []StageRecord `json:"stages"`
}

// Pipeline wires the router, executor and critic around a state store.
type Pipeline struct {
	states     state.Store
	router     *router.Router
	exec       *executor.Executor
	critic     *critic.Loop
	revise     critic.ReviseFunc
	events     jobs.Sender
	maxRetries int
	logger     zerolog.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCritic enables per-request review with loop and revise.
func WithCritic(loop *critic.Loop, revise critic.ReviseFunc) Option {
	return func(p *Pipeline) {
		p.critic = loop
		p.revise = revise
	}
}

// WithEvents sets where memory/ingest events are sent.
func WithEvents(s jobs.Sender) Option {
	return func(p *Pipeline) {
		p.events = s
	}
}

// WithMaxRetries sets the executor escalation budget.
func WithMaxRetries(n int) Option {
	return func(p *Pipeline) {
		p.maxRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a pipeline.
func New(states state.Store, r *router.Router, exec *executor.Executor, opts ...Option) *Pipeline {
	p := &Pipeline{
		states:     states,
		router:     r,
		exec:       exec,
		maxRetries: executor.DefaultMaxRetries,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs one request. Routing, execution and outcome recording happen
// inside the user's critical section so concurrent requests for the same
// user see each other's failure counts. The critic and memory stages run
// after the lock is released; their failures are logged and do not fail
// the request.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	if req.Query.UserID == "" {
		return nil, state.ErrInvalidUserID
	}
	if req.Review != nil && p.critic == nil {
		return nil, fmt.Errorf("review requested but no critic configured")
	}
	if req.Review != nil && req.OnDelta != nil {
		return nil, fmt.Errorf("a streamed reply cannot be reviewed")
	}

	resp := &Response{}
	logger := p.logger.With().Str("user_id", req.Query.UserID).Logger()

	err := p.states.Update(ctx, req.Query.UserID, func(st *state.UserState) error {
		start := p.now()
		d, err := p.router.Route(ctx, req.Query, st)
		var ce *router.ClassificationError
		if errors.As(err, &ce) {
			logger.Warn().Err(err).Msg("classification failed, using fallback decision")
			d = router.FallbackDecision(p.router.Catalog(), err)
			err = nil
		}
		resp.record(StageRoute, p.now().Sub(start), err)
		if err != nil {
			return err
		}
		resp.Decision = d

		start = p.now()
		var res *executor.Result
		var execErr error
		if req.OnDelta != nil && d.Tier != tier.Creative {
			res, execErr = p.exec.Stream(ctx, req.Query, d, req.OnDelta)
		} else {
			res, execErr = p.exec.ExecuteWithRetry(ctx, req.Query, d, p.maxRetries)
		}
		resp.record(StageExecute, p.now().Sub(start), execErr)

		p.router.RecordOutcome(st, outcomeDecision(d, res, execErr), execErr)
		if execErr != nil {
			return execErr
		}
		resp.Result = res
		resp.Text = res.Text
		return nil
	})
	if err != nil {
		return resp, err
	}

	if req.Review != nil && resp.Result.Tier != tier.Creative {
		p.review(ctx, logger, req, resp)
	}
	if p.events != nil && req.ConversationID != "" && resp.Result.Tier != tier.Creative {
		p.ingest(ctx, logger, req, resp)
	}
	return resp, nil
}

// outcomeDecision is the decision the state should remember: the tier that
// finally served the request, or the last one attempted.
func outcomeDecision(d router.Decision, res *executor.Result, err error) router.Decision {
	if res != nil {
		out := d
		out.Tier = res.Tier
		return out
	}
	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) && execErr.LastTier != tier.Unknown {
		out := d
		out.Tier = execErr.LastTier
		return out
	}
	return d
}

func (p *Pipeline) review(ctx context.Context, logger zerolog.Logger, req Request, resp *Response) {
	start := p.now()
	cfg := *req.Review
	if cfg.TraceID == "" {
		cfg.TraceID = resp.Result.TraceID
	}
	lr, err := p.critic.Run(ctx, resp.Text, cfg, p.revise)
	resp.record(StageCritic, p.now().Sub(start), err)
	if err != nil {
		logger.Warn().Err(err).Msg("critic review failed, keeping unreviewed reply")
		return
	}
	resp.Review = lr
	resp.Text = lr.FinalContent
	if !lr.Approved {
		logger.Info().Int("final_score", lr.FinalScore).Str("reason", lr.RejectionReason).Msg("reply rejected by critic")
	}
}

func (p *Pipeline) ingest(ctx context.Context, logger zerolog.Logger, req Request, resp *Response) {
	start := p.now()
	payload := jobs.MemoryIngest{
		UserID:            req.Query.UserID,
		ConversationID:    req.ConversationID,
		UserMessage:       req.Query.Text,
		AssistantResponse: resp.Text,
		Intent:            string(resp.Decision.Intent),
		Sentiment:         string(resp.Decision.Sentiment),
		VoiceScore:        resp.Result.VoiceScore,
	}
	ev, err := jobs.NewEvent(jobs.EventMemoryIngest, req.Query.UserID, payload)
	if err == nil {
		_, err = p.events.Send(ctx, ev)
	}
	resp.record(StageMemory, p.now().Sub(start), err)
	if err != nil {
		logger.Warn().Err(err).Msg("memory ingest not queued")
		return
	}
	resp.MemoryEventID = ev.ID
}

func (r *Response) record(name string, d time.Duration, err error) {
	rec := StageRecord{Name: name, Duration: d}
	if err != nil {
		rec.Error = err.Error()
	}
	r.Stages = append(r.Stages, rec)
}
