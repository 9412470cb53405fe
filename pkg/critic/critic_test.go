package critic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/tier"
	"github.com/zen-systems/coachgate/pkg/voice"
)

type scriptedReviewer struct {
	mu       sync.Mutex
	reviews  []Review
	errAt    int
	contents []string
}

func (s *scriptedReviewer) Review(_ context.Context, content, _ string) (Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents = append(s.contents, content)
	n := len(s.contents)
	if s.errAt == n {
		return Review{}, errors.New("critic unavailable")
	}
	if n > len(s.reviews) {
		return s.reviews[len(s.reviews)-1], nil
	}
	return s.reviews[n-1], nil
}

type scoreSink struct {
	observe.Nop
	mu     sync.Mutex
	scores map[string]float64
}

func (s *scoreSink) SubmitScore(_ context.Context, traceID, name string, value float64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scores == nil {
		s.scores = map[string]float64{}
	}
	s.scores[traceID+"/"+name] = value
	return nil
}

func minorIssue(desc string) Issue {
	return Issue{Type: "voice", Description: desc, Severity: Minor}
}

func TestLoopApprovesOnSecondAttempt(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{
		{Approved: false, Score: 60, Issues: []Issue{minorIssue("hedging")}},
		{Approved: true, Score: 85},
	}}
	var revisions []ReviseRequest
	revise := func(_ context.Context, req ReviseRequest) (string, error) {
		revisions = append(revisions, req)
		return "Run the stack.", nil
	}

	res, err := NewLoop(reviewer).Run(context.Background(), "Maybe run the stack?", DefaultConfig(Response), revise)
	require.NoError(t, err)

	assert.True(t, res.Approved)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 85, res.FinalScore)
	assert.Equal(t, "Run the stack.", res.FinalContent)
	assert.Empty(t, res.RejectionReason)
	assert.NoError(t, res.Err())

	require.Len(t, res.History, 2)
	assert.False(t, res.History[0].Passed)
	assert.True(t, res.History[1].Passed)
	assert.Equal(t, "Maybe run the stack?", res.History[0].Content)

	require.Len(t, revisions, 1)
	assert.Equal(t, 1, revisions[0].Attempt)
	assert.Equal(t, []Issue{minorIssue("hedging")}, revisions[0].Issues)
}

func TestLoopRejectsAfterMaxAttempts(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Approved: false, Score: 50}, {Approved: false, Score: 55}, {Approved: false, Score: 70}}}
	res, err := NewLoop(reviewer).Run(context.Background(), "draft", DefaultConfig(Plan), nil)
	require.NoError(t, err)

	assert.False(t, res.Approved)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 70, res.FinalScore)
	assert.Equal(t, "failed to meet approval threshold (80) after 3 attempts", res.RejectionReason)

	var rej *RejectionError
	require.True(t, errors.As(res.Err(), &rej))
	assert.Equal(t, 70, rej.FinalScore)
	assert.True(t, IsRejection(res.Err()))
}

func TestLoopRequiresApprovalFlagAndScore(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Approved: false, Score: 95}, {Approved: true, Score: 79}}}
	cfg := DefaultConfig(Response)
	cfg.MaxAttempts = 2

	res, err := NewLoop(reviewer).Run(context.Background(), "draft", cfg, nil)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, 79, res.FinalScore)
}

func TestLoopReportsCriticalIssues(t *testing.T) {
	critical := Review{Approved: false, Score: 40, Issues: []Issue{{Type: "safety", Description: "max out daily", Severity: Critical}}}
	reviewer := &scriptedReviewer{reviews: []Review{critical}}

	res, err := NewLoop(reviewer).Run(context.Background(), "Max out every day.", DefaultConfig(Plan), nil)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, "critical issues remain after 3 attempts", res.RejectionReason)

	cfg := DefaultConfig(Plan)
	cfg.FailOnCritical = false
	reviewer = &scriptedReviewer{reviews: []Review{critical}}
	res, err = NewLoop(reviewer).Run(context.Background(), "Max out every day.", cfg, nil)
	require.NoError(t, err)
	assert.Contains(t, res.RejectionReason, "failed to meet approval threshold")
}

func TestLoopFallsBackToVoiceEnforcement(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Score: 40}, {Approved: true, Score: 90}}}
	res, err := NewLoop(reviewer).Run(context.Background(), "Maybe rest today!!", DefaultConfig(Response), nil)
	require.NoError(t, err)

	require.Len(t, reviewer.contents, 2)
	assert.Equal(t, voice.Default().Enforce("Maybe rest today!!"), reviewer.contents[1])
	assert.Equal(t, reviewer.contents[1], res.FinalContent)
}

func TestLoopEnforcesWhenReviseFails(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Score: 40}, {Approved: true, Score: 90}}}
	revise := func(context.Context, ReviseRequest) (string, error) { return "", errors.New("model down") }

	res, err := NewLoop(reviewer).Run(context.Background(), "Maybe rest today!!", DefaultConfig(Response), revise)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, voice.Default().Enforce("Maybe rest today!!"), res.FinalContent)
}

func TestLoopAbortsOnReviewerError(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Score: 40}}, errAt: 2}
	res, err := NewLoop(reviewer).Run(context.Background(), "draft", DefaultConfig(Response), func(context.Context, ReviseRequest) (string, error) {
		return "draft two", nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critic unavailable")
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 40, res.FinalScore)
	assert.Equal(t, "draft two", res.FinalContent)
}

func TestLoopMarksRepeatedDrafts(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Score: 40}}}
	var reqs []ReviseRequest
	revise := func(_ context.Context, req ReviseRequest) (string, error) {
		reqs = append(reqs, req)
		return "same draft", nil
	}

	_, err := NewLoop(reviewer).Run(context.Background(), "first draft", DefaultConfig(Response), revise)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.False(t, reqs[0].Repeated)
	assert.False(t, reqs[1].Repeated)

	reqs = nil
	reviewer = &scriptedReviewer{reviews: []Review{{Score: 40}}}
	cfg := DefaultConfig(Response)
	cfg.MaxAttempts = 4
	_, err = NewLoop(reviewer).Run(context.Background(), "first draft", cfg, revise)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.True(t, reqs[2].Repeated)
}

func TestLoopStopsWhenCancelled(t *testing.T) {
	reviewer := &scriptedReviewer{reviews: []Review{{Score: 40}}}
	ctx, cancel := context.WithCancel(context.Background())
	revise := func(context.Context, ReviseRequest) (string, error) {
		cancel()
		return "next", nil
	}
	res, err := NewLoop(reviewer).Run(ctx, "draft", DefaultConfig(Response), revise)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Iterations)
}

func TestLoopSubmitsCriticScore(t *testing.T) {
	sink := &scoreSink{}
	reviewer := &scriptedReviewer{reviews: []Review{{Approved: true, Score: 88}}}
	loop := NewLoop(reviewer, WithSink(sink))

	cfg := DefaultConfig(Response)
	cfg.TraceID = "trace-1"
	res, err := loop.Run(context.Background(), "Run it.", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "trace-1", res.TraceID)

	res2, err := loop.Run(context.Background(), "Run it.", DefaultConfig(Response), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res2.TraceID)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.InDelta(t, 0.88, sink.scores["trace-1/"+observe.ScoreCritic], 1e-9)
	assert.InDelta(t, 0.88, sink.scores[res2.TraceID+"/"+observe.ScoreCritic], 1e-9)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("")
	assert.Equal(t, Response, cfg.ContentType)
	require.NoError(t, cfg.Validate())

	for _, bad := range []Config{
		{MaxAttempts: 0, ApprovalThreshold: 80},
		{MaxAttempts: 11, ApprovalThreshold: 80},
		{MaxAttempts: 3, ApprovalThreshold: -1},
		{MaxAttempts: 3, ApprovalThreshold: 101},
	} {
		assert.Error(t, bad.Validate())
		_, err := NewLoop(&scriptedReviewer{}).Run(context.Background(), "x", bad, nil)
		assert.Error(t, err)
	}
}

func TestBuildGuidelines(t *testing.T) {
	cfg := DefaultConfig(Email)
	cfg.Guidelines = "Mention the Saturday combine."
	cfg.FocusAreas = []string{"tone", "clarity"}
	g := cfg.BuildGuidelines()

	assert.True(t, strings.HasPrefix(g, basePrompts[Email]))
	assert.Contains(t, g, "Additional Guidelines:\nMention the Saturday combine.")
	assert.Contains(t, g, "Focus especially on: tone, clarity")
	assert.True(t, strings.HasSuffix(g, "Approval threshold: 80/100"))
}

func TestLLMReviewerParsesAndClamps(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.QueueStructured(`{"approved":true,"score":120.4,"issues":[
		{"type":"Voice","description":"uses maybe","severity":"blocker","suggestion":"cut it"},
		{"type":"tone","description":"  ","severity":"minor"}],
		"mustFix":["remove hedging"],"suggestions":["shorter"]}`)
	r := NewLLMReviewer(mock, "deep-model")

	review, err := r.Review(context.Background(), "Maybe run.", "Approval threshold: 80/100")
	require.NoError(t, err)
	assert.True(t, review.Approved)
	assert.Equal(t, 100, review.Score)
	assert.Equal(t, []Issue{{Type: "voice", Description: "uses maybe", Severity: Major, Fix: "cut it"}}, review.Issues)
	assert.Equal(t, []string{"remove hedging"}, review.MustFix)
	assert.Equal(t, []string{"shorter"}, review.Suggestions)

	calls := mock.StructuredCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "deep-model", calls[0].Model)
	assert.Equal(t, "critic_review", calls[0].Schema.Name)
	assert.Equal(t, "Maybe run.", calls[0].Prompt)
	assert.Contains(t, calls[0].System, "Approval threshold: 80/100")
}

func TestParseReviewRejectsMalformedOutput(t *testing.T) {
	for _, raw := range []string{
		"not json",
		`{"score":50}`,
		`{"approved":true}`,
		`{"approved":"yes","score":50}`,
	} {
		_, err := parseReview(raw)
		assert.Error(t, err, raw)
	}
	r, err := parseReview("```json\n{\"approved\":false,\"score\":-3}\n```")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Score)
}

func TestLLMReviewerPropagatesProviderError(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.FailModel("deep-model", errors.New("overloaded"))
	_, err := NewLLMReviewer(mock, "deep-model").Review(context.Background(), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestLLMReviserRedraftsAndEnforces(t *testing.T) {
	req := ReviseRequest{
		Content: "Maybe rest.",
		Issues:  []Issue{minorIssue("hedging")},
		MustFix: []string{"drop maybe"},
		Attempt: 1,
	}
	mock := adapter.NewMockAdapterWithResponses(map[string]string{RevisionPrompt(req): "Maybe rest the legs!!"}, "")
	spec := tier.Default().Spec(tier.Smart)

	out, err := NewLLMReviser(mock, spec, nil)(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, voice.Default().Enforce("Maybe rest the legs!!"), out)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, spec.Model, calls[0].Model)
	assert.Contains(t, calls[0].Messages[0].Content, "[minor] voice: hedging")
	assert.Contains(t, calls[0].Messages[0].Content, "Must fix:\n- drop maybe")

	req.Repeated = true
	_, err = NewLLMReviser(mock, spec, nil)(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, mock.Calls()[1].Messages[0].Content, "repeated the rejected draft")
}

func TestReviewBatchKeepsOrderAndSummarizes(t *testing.T) {
	reviewer := reviewFunc(func(content string) Review {
		if strings.HasPrefix(content, "good") {
			return Review{Approved: true, Score: 90}
		}
		return Review{Score: 41}
	})
	loop := NewLoop(reviewer)

	res, err := loop.ReviewBatch(context.Background(), []string{"good one", "bad one", "good two"}, Config{ApprovalThreshold: 80}, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Approved)
	assert.InDelta(t, 73.7, res.AverageScore, 1e-9)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "good one", res.Results[0].FinalContent)
	assert.Equal(t, DefaultBatchAttempts, res.Results[1].Iterations)
}

func TestQuickReviewUsesDefaultGuidelines(t *testing.T) {
	var got string
	reviewer := reviewFunc(func(string) Review { return Review{Approved: true, Score: 90} })
	loop := NewLoop(guidelineSpy{inner: reviewer, got: &got})

	review, err := loop.QuickReview(context.Background(), "Run it.", Article)
	require.NoError(t, err)
	assert.Equal(t, 90, review.Score)
	assert.Equal(t, DefaultConfig(Article).BuildGuidelines(), got)
}

type reviewFunc func(content string) Review

func (f reviewFunc) Review(_ context.Context, content, _ string) (Review, error) {
	return f(content), nil
}

type guidelineSpy struct {
	inner Reviewer
	got   *string
}

func (g guidelineSpy) Review(ctx context.Context, content, guidelines string) (Review, error) {
	*g.got = guidelines
	return g.inner.Review(ctx, content, guidelines)
}

func TestLoopIterationsAreBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxAttempts := rapid.IntRange(1, 10).Draw(t, "max_attempts")
		threshold := rapid.IntRange(0, 100).Draw(t, "threshold")
		n := rapid.IntRange(1, 12).Draw(t, "reviews")
		reviews := make([]Review, n)
		for i := range reviews {
			reviews[i] = Review{
				Approved: rapid.Bool().Draw(t, "approved"),
				Score:    rapid.IntRange(0, 100).Draw(t, "score"),
			}
			if rapid.Bool().Draw(t, "critical") {
				reviews[i].Issues = []Issue{{Type: "safety", Description: "x", Severity: Critical}}
			}
		}
		cfg := Config{ApprovalThreshold: threshold, MaxAttempts: maxAttempts, FailOnCritical: rapid.Bool().Draw(t, "fail_on_critical")}

		res, err := NewLoop(&scriptedReviewer{reviews: reviews}).Run(context.Background(), "draft", cfg, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Iterations > maxAttempts || res.Iterations != len(res.History) {
			t.Fatalf("iterations %d, history %d, max %d", res.Iterations, len(res.History), maxAttempts)
		}
		last := res.History[len(res.History)-1]
		if res.Approved && !last.Passed {
			t.Fatalf("approved but last attempt did not pass")
		}
		if res.FinalScore != last.Review.Score {
			t.Fatalf("final score %d, last review %d", res.FinalScore, last.Review.Score)
		}
		if !res.Approved && res.Iterations != maxAttempts {
			t.Fatalf("rejected after %d of %d attempts", res.Iterations, maxAttempts)
		}
	})
}
