package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/critic"
	"github.com/zen-systems/coachgate/pkg/executor"
	"github.com/zen-systems/coachgate/pkg/jobs"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/state"
	"github.com/zen-systems/coachgate/pkg/tier"
)

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, router.Query) (router.Classification, error) {
	return router.Classification{}, errors.New("provider returned intent BANANA")
}

type recordingSender struct {
	mu     sync.Mutex
	events []jobs.Event
	err    error
}

func (s *recordingSender) Send(_ context.Context, ev jobs.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, ev)
	return ev.ID, nil
}

type fixedReviewer struct {
	review critic.Review
	seen   []string
}

func (f *fixedReviewer) Review(_ context.Context, content, _ string) (critic.Review, error) {
	f.seen = append(f.seen, content)
	return f.review, nil
}

type acceptQueue struct{ jobs []executor.CreativeJob }

func (q *acceptQueue) Submit(_ context.Context, job executor.CreativeJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type fixture struct {
	mock   *adapter.MockAdapter
	states *state.MemoryStore
	exec   *executor.Executor
}

func newFixture(opts ...executor.Option) *fixture {
	mock := adapter.NewMockAdapter()
	opts = append([]executor.Option{executor.WithBackoff(0, 0)}, opts...)
	return &fixture{
		mock:   mock,
		states: state.NewMemoryStore(),
		exec:   executor.New(executor.ProviderMap{"anthropic": mock}, opts...),
	}
}

func (f *fixture) pipeline(c router.Classifier, opts ...Option) *Pipeline {
	return New(f.states, router.New(c), f.exec, opts...)
}

func query(text string) router.Query {
	return router.Query{UserID: "u1", Text: text}
}

func stageNames(resp *Response) []string {
	var out []string
	for _, s := range resp.Stages {
		out = append(out, s.Name)
	}
	return out
}

func TestHandleRoutesExecutesAndRecords(t *testing.T) {
	f := newFixture()
	p := f.pipeline(router.NewHeuristicClassifier())

	resp, err := p.Handle(context.Background(), Request{Query: query("show my stats")})
	require.NoError(t, err)
	assert.Equal(t, router.Execution, resp.Decision.Intent)
	assert.Equal(t, tier.Fast, resp.Result.Tier)
	assert.Equal(t, resp.Result.Text, resp.Text)
	assert.Equal(t, []string{StageRoute, StageExecute}, stageNames(resp))

	st, err := f.states.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRequests)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, tier.Fast, st.LastTier)
	assert.Equal(t, []string{string(router.Neutral)}, st.RecentSentiments)
}

func TestHandleFallsBackWhenClassificationFails(t *testing.T) {
	f := newFixture()
	p := f.pipeline(failingClassifier{})

	resp, err := p.Handle(context.Background(), Request{Query: query("anything")})
	require.NoError(t, err)
	assert.True(t, resp.Decision.Fallback)
	assert.Equal(t, tier.Fast, resp.Decision.Tier)
	require.NotEmpty(t, resp.Decision.Reasoning)
	assert.Contains(t, resp.Decision.Reasoning[0], "router fallback")
	assert.Empty(t, resp.Stages[0].Error)

	st, err := f.states.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRequests)
	assert.Empty(t, st.RecentSentiments)
}

func TestHandleRecordsExecutionFailure(t *testing.T) {
	f := newFixture()
	for _, tr := range []tier.Tier{tier.Fast, tier.Smart, tier.Deep} {
		f.mock.FailModel(tier.Default().Spec(tr).Model, errors.New("overloaded"))
	}
	p := f.pipeline(router.NewHeuristicClassifier())

	_, err := p.Handle(context.Background(), Request{Query: query("show my stats")})
	var execErr *executor.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, tier.Deep, execErr.LastTier)

	st, err := f.states.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, tier.Deep, st.LastTier)
	assert.Equal(t, 1, st.TotalRequests)
}

func TestHandleBumpsTierAfterRepeatedFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.states.Update(ctx, "u1", func(st *state.UserState) error {
		st.ConsecutiveFailures = 2
		return nil
	}))
	p := f.pipeline(router.NewHeuristicClassifier())

	resp, err := p.Handle(ctx, Request{Query: query("show my stats")})
	require.NoError(t, err)
	assert.Equal(t, tier.Smart, resp.Decision.Tier)

	st, err := f.states.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.ConsecutiveFailures)
}

func TestHandleRunsCriticWithExecutorTrace(t *testing.T) {
	f := newFixture()
	reviewer := &fixedReviewer{review: critic.Review{Approved: true, Score: 91}}
	p := f.pipeline(router.NewHeuristicClassifier(), WithCritic(critic.NewLoop(reviewer), nil))

	cfg := critic.DefaultConfig(critic.Response)
	resp, err := p.Handle(context.Background(), Request{Query: query("show my stats"), Review: &cfg})
	require.NoError(t, err)
	require.NotNil(t, resp.Review)
	assert.True(t, resp.Review.Approved)
	assert.Equal(t, resp.Result.TraceID, resp.Review.TraceID)
	assert.Equal(t, []string{resp.Result.Text}, reviewer.seen)
	assert.Equal(t, resp.Review.FinalContent, resp.Text)
	assert.Equal(t, []string{StageRoute, StageExecute, StageCritic}, stageNames(resp))
}

func TestHandleKeepsRejectedReply(t *testing.T) {
	f := newFixture()
	reviewer := &fixedReviewer{review: critic.Review{Approved: false, Score: 30}}
	p := f.pipeline(router.NewHeuristicClassifier(), WithCritic(critic.NewLoop(reviewer), nil))

	cfg := critic.DefaultConfig(critic.Response)
	cfg.MaxAttempts = 1
	resp, err := p.Handle(context.Background(), Request{Query: query("show my stats"), Review: &cfg})
	require.NoError(t, err)
	require.NotNil(t, resp.Review)
	assert.False(t, resp.Review.Approved)
	assert.True(t, critic.IsRejection(resp.Review.Err()))
	assert.NotEmpty(t, resp.Text)
}

func TestHandleRejectsReviewWithoutCritic(t *testing.T) {
	f := newFixture()
	cfg := critic.DefaultConfig("")
	_, err := f.pipeline(router.NewHeuristicClassifier()).Handle(context.Background(), Request{Query: query("hi"), Review: &cfg})
	require.Error(t, err)
	assert.Empty(t, f.mock.Calls())
}

func TestHandleRequiresUser(t *testing.T) {
	f := newFixture()
	_, err := f.pipeline(router.NewHeuristicClassifier()).Handle(context.Background(), Request{Query: router.Query{Text: "hi"}})
	require.ErrorIs(t, err, state.ErrInvalidUserID)
}

func TestHandlePublishesMemoryIngest(t *testing.T) {
	f := newFixture()
	sender := &recordingSender{}
	p := f.pipeline(router.NewHeuristicClassifier(), WithEvents(sender))

	resp, err := p.Handle(context.Background(), Request{Query: query("my knee hurts, help"), ConversationID: "c1"})
	require.NoError(t, err)
	require.Len(t, sender.events, 1)
	ev := sender.events[0]
	assert.Equal(t, jobs.EventMemoryIngest, ev.Name)
	assert.Equal(t, "u1", ev.ConcurrencyKey)
	assert.Equal(t, ev.ID, resp.MemoryEventID)

	var payload jobs.MemoryIngest
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "c1", payload.ConversationID)
	assert.Equal(t, "my knee hurts, help", payload.UserMessage)
	assert.Equal(t, resp.Text, payload.AssistantResponse)
	assert.Equal(t, string(router.Coaching), payload.Intent)

	// No conversation id, no ingest.
	_, err = p.Handle(context.Background(), Request{Query: query("show my stats")})
	require.NoError(t, err)
	assert.Len(t, sender.events, 1)
}

func TestHandleIgnoresIngestFailure(t *testing.T) {
	f := newFixture()
	p := f.pipeline(router.NewHeuristicClassifier(), WithEvents(&recordingSender{err: errors.New("redis down")}))

	resp, err := p.Handle(context.Background(), Request{Query: query("show my stats"), ConversationID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, resp.MemoryEventID)
	last := resp.Stages[len(resp.Stages)-1]
	assert.Equal(t, StageMemory, last.Name)
	assert.Contains(t, last.Error, "redis down")
}

func TestHandleCreativeSkipsReviewAndMemory(t *testing.T) {
	queue := &acceptQueue{}
	f := newFixture(executor.WithCreativeQueue(queue))
	reviewer := &fixedReviewer{review: critic.Review{Approved: true, Score: 95}}
	sender := &recordingSender{}
	p := f.pipeline(router.NewHeuristicClassifier(), WithCritic(critic.NewLoop(reviewer), nil), WithEvents(sender))

	cfg := critic.DefaultConfig("")
	resp, err := p.Handle(context.Background(), Request{Query: query("make me a poster for game day"), ConversationID: "c1", Review: &cfg})
	require.NoError(t, err)
	assert.Equal(t, tier.Creative, resp.Result.Tier)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, queue.jobs[0].ID, resp.Result.CreativeJobID)
	assert.Empty(t, reviewer.seen)
	assert.Empty(t, sender.events)
}

func TestHandleStreamsReply(t *testing.T) {
	f := newFixture()
	p := f.pipeline(router.NewHeuristicClassifier())

	var chunks []string
	resp, err := p.Handle(context.Background(), Request{
		Query: query("show my stats"),
		OnDelta: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, tier.Fast, resp.Result.Tier)
	assert.Equal(t, resp.Text, strings.Join(chunks, ""))

	st, err := f.states.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalRequests)
	assert.Equal(t, tier.Fast, st.LastTier)
}

func TestHandleStreamedFailureDoesNotEscalate(t *testing.T) {
	f := newFixture()
	f.mock.FailModel(tier.Default().Spec(tier.Fast).Model, errors.New("overloaded"))
	p := f.pipeline(router.NewHeuristicClassifier())

	_, err := p.Handle(context.Background(), Request{Query: query("show my stats"), OnDelta: func(string) error { return nil }})
	var execErr *executor.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, tier.Fast, execErr.LastTier)
	assert.Len(t, f.mock.Calls(), 1)

	st, err := f.states.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.ConsecutiveFailures)
}

func TestHandleRejectsReviewOfStreamedReply(t *testing.T) {
	f := newFixture()
	cfg := critic.DefaultConfig("")
	p := f.pipeline(router.NewHeuristicClassifier(), WithCritic(critic.NewLoop(&fixedReviewer{}), nil))

	_, err := p.Handle(context.Background(), Request{Query: query("hi"), Review: &cfg, OnDelta: func(string) error { return nil }})
	require.Error(t, err)
	assert.Empty(t, f.mock.Calls())
}
