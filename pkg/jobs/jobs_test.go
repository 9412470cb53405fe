package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/critic"
	"github.com/zen-systems/coachgate/pkg/memory"
	"github.com/zen-systems/coachgate/pkg/stream"
	"github.com/zen-systems/coachgate/pkg/voice"
)

func newStreamClient(t *testing.T) (*stream.Client, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return stream.New(rdb, stream.WithBlock(20*time.Millisecond)), mr, rdb
}

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSender) Send(_ context.Context, ev Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *recordingSender) sent() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func mustEvent(t *testing.T, name, key string, data any) Event {
	t.Helper()
	ev, err := NewEvent(name, key, data)
	require.NoError(t, err)
	return ev
}

func TestMemoReplaysCompletedSteps(t *testing.T) {
	ctx := context.Background()
	memo := NewMemo()
	calls := map[string]int{}
	failSecond := true

	run := func() (int, error) {
		a, err := Step(ctx, memo, "first", func(context.Context) (int, error) {
			calls["first"]++
			return 20, nil
		})
		if err != nil {
			return 0, err
		}
		return Step(ctx, memo, "second", func(context.Context) (int, error) {
			calls["second"]++
			if failSecond {
				return 0, errors.New("flaky")
			}
			return a + 1, nil
		})
	}

	_, err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step second")
	assert.True(t, memo.Completed("first"))
	assert.False(t, memo.Completed("second"))

	failSecond = false
	got, err := run()
	require.NoError(t, err)
	assert.Equal(t, 21, got)
	assert.Equal(t, 1, calls["first"])
	assert.Equal(t, 2, calls["second"])
	assert.Equal(t, []string{"first", "second", "second"}, memo.Executed())
}

func TestInlineAlwaysRuns(t *testing.T) {
	n := 0
	for i := 0; i < 2; i++ {
		_, err := Step(context.Background(), Inline{}, "same", func(context.Context) (bool, error) {
			n++
			return true, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, n)
}

func TestEventRoundTripsThroughStream(t *testing.T) {
	client, _, _ := newStreamClient(t)
	ctx := context.Background()
	pub := NewPublisher(client, "")

	id, err := pub.Publish(ctx, EventMemoryConsolidate, "u1", MemoryConsolidate{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := client.Raw().XRange(ctx, DefaultEventStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	ev, err := DecodeEvent(stream.Message{ID: entries[0].ID, Stream: DefaultEventStream, Values: entries[0].Values})
	require.NoError(t, err)
	assert.Equal(t, EventMemoryConsolidate, ev.Name)
	assert.Equal(t, "u1", ev.ConcurrencyKey)
	assert.False(t, ev.SentAt.IsZero())

	var payload MemoryConsolidate
	require.NoError(t, ev.Decode(&payload))
	assert.Equal(t, "u1", payload.UserID)
}

func TestDecodeEventRequiresName(t *testing.T) {
	_, err := DecodeEvent(stream.Message{ID: "1-0", Values: map[string]any{"payload": "{}"}})
	require.Error(t, err)
}

func TestRegisterRejectsDuplicateEvents(t *testing.T) {
	e := NewEngine(nil)
	def := Definition{Name: "a", Event: "x/y", Run: func(context.Context, StepRunner, Event) (any, error) { return nil, nil }}
	require.NoError(t, e.Register(def))
	def.Name = "b"
	require.Error(t, e.Register(def))
	require.Error(t, e.Register(Definition{Name: "c", Event: "x/z"}))
	assert.Len(t, e.Jobs(), 1)
}

func TestDispatchRetriesWithMemo(t *testing.T) {
	e := NewEngine(nil, WithRetryBackoff(0))
	var prepared, attempts int
	require.NoError(t, e.Register(Definition{
		Name:    "flaky",
		Event:   "test/flaky",
		Retries: 2,
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			if _, err := Step(ctx, steps, "prepare", func(context.Context) (bool, error) {
				prepared++
				return true, nil
			}); err != nil {
				return nil, err
			}
			return Step(ctx, steps, "call", func(context.Context) (string, error) {
				attempts++
				if attempts < 3 {
					return "", errors.New("try again")
				}
				return "done", nil
			})
		},
	}))

	out, err := e.Dispatch(context.Background(), mustEvent(t, "test/flaky", "", map[string]string{}))
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 1, prepared)
	assert.Equal(t, 3, attempts)
}

func TestDispatchGivesUpAfterRetries(t *testing.T) {
	e := NewEngine(nil, WithRetryBackoff(0))
	var runs int
	require.NoError(t, e.Register(Definition{
		Name:    "broken",
		Event:   "test/broken",
		Retries: 1,
		Run: func(context.Context, StepRunner, Event) (any, error) {
			runs++
			return nil, errors.New("nope")
		},
	}))

	_, err := e.Dispatch(context.Background(), mustEvent(t, "test/broken", "", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	assert.Equal(t, 2, runs)

	_, err = e.Dispatch(context.Background(), mustEvent(t, "test/unknown", "", 1))
	require.Error(t, err)
}

func TestDispatchLimitsConcurrencyPerKey(t *testing.T) {
	e := NewEngine(nil)
	var inFlight, peak atomic.Int32
	require.NoError(t, e.Register(Definition{
		Name:        "limited",
		Event:       "test/limited",
		Concurrency: Concurrency{Key: "user_id", Limit: 1},
		Run: func(context.Context, StepRunner, Event) (any, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Dispatch(context.Background(), mustEvent(t, "test/limited", "u1", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.slots)
}

func TestDispatchReleasesSlotsPerUser(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Register(Definition{
		Name:        "limited",
		Event:       "test/limited",
		Concurrency: Concurrency{Key: "user_id", Limit: 1},
		Run:         func(context.Context, StepRunner, Event) (any, error) { return nil, nil },
	}))
	for i := 0; i < 50; i++ {
		_, err := e.Dispatch(context.Background(), mustEvent(t, "test/limited", fmt.Sprintf("u%d", i), 1))
		require.NoError(t, err)
	}

	// A cancelled waiter also gives its slot reference back.
	release, err := e.acquireSlot(context.Background(), e.defs["test/limited"], "busy")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Dispatch(ctx, mustEvent(t, "test/limited", "busy", 1))
	require.ErrorIs(t, err, context.Canceled)
	release()

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.slots)
}

func TestHandleDeadLettersFailedJobs(t *testing.T) {
	client, mr, _ := newStreamClient(t)
	e := NewEngine(client, WithRetryBackoff(0))
	require.NoError(t, e.Register(Definition{
		Name:  "broken",
		Event: "test/broken",
		Run: func(context.Context, StepRunner, Event) (any, error) {
			return nil, errors.New("render exploded")
		},
	}))

	ev := mustEvent(t, "test/broken", "u1", map[string]int{"n": 1})
	require.NoError(t, e.Handle(context.Background(), stream.Message{ID: "1-0", Values: encodeEvent(ev)}))

	dead, err := mr.Stream(DeadLetterStream)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	fields := map[string]string{}
	for i := 0; i+1 < len(dead[0].Values); i += 2 {
		fields[dead[0].Values[i]] = dead[0].Values[i+1]
	}
	assert.Equal(t, ev.ID, fields["event_id"])
	assert.Contains(t, fields["error"], "render exploded")

	// Malformed and unroutable entries are acknowledged without dead letters.
	require.NoError(t, e.Handle(context.Background(), stream.Message{ID: "2-0", Values: map[string]any{}}))
	require.NoError(t, e.Handle(context.Background(), stream.Message{ID: "3-0", Values: encodeEvent(mustEvent(t, "test/none", "", 1))}))
	dead, _ = mr.Stream(DeadLetterStream)
	assert.Len(t, dead, 1)
}

func TestEngineRunConsumesEvents(t *testing.T) {
	client, _, _ := newStreamClient(t)
	e := NewEngine(client, WithRetryBackoff(0))
	done := make(chan string, 1)
	require.NoError(t, e.Register(Definition{
		Name:  "echo",
		Event: "test/echo",
		Run: func(_ context.Context, _ StepRunner, ev Event) (any, error) {
			var v string
			if err := ev.Decode(&v); err != nil {
				return nil, err
			}
			done <- v
			return v, nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx, "test", 2) }()

	_, err := NewPublisher(client, "").Publish(context.Background(), "test/echo", "", "hello")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("event was not consumed")
	}
	cancel()
	<-errc
}

func TestMemoryIngestStoresAndQueuesEmbeddings(t *testing.T) {
	_, _, rdb := newStreamClient(t)
	store := memory.NewStore(rdb, "")
	sender := &recordingSender{}
	job := MemoryIngestJob(store, sender, zerolog.Nop())
	ctx := context.Background()

	ev := mustEvent(t, EventMemoryIngest, "u1", MemoryIngest{
		UserID:            "u1",
		ConversationID:    "c1",
		UserMessage:       "My knee hurts after practice and I want to dunk by summer",
		AssistantResponse: "Copy. Ice the knee.",
		Sentiment:         "frustrated",
	})

	out, err := job.Run(ctx, NewMemo(), ev)
	require.NoError(t, err)
	summary := out.(MemoryIngestSummary)
	assert.Equal(t, 3, summary.MemoriesExtracted)
	assert.Equal(t, 3, summary.MemoriesStored)
	assert.Equal(t, 1, summary.NodesUpdated)
	assert.Equal(t, 2, summary.EmbeddingsQueued)

	mems, err := store.Memories(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mems, 3)

	nodes, err := store.Nodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "knee", nodes[0].Key)
	assert.Equal(t, -2, nodes[0].Score)

	sent := sender.sent()
	require.Len(t, sent, 2)
	var embed ContentEmbed
	require.NoError(t, sent[0].Decode(&embed))
	assert.Equal(t, EventContentEmbed, sent[0].Name)
	assert.Equal(t, "memory", embed.ContentType)
	assert.Equal(t, "Athlete reported: my knee hurts", embed.Text)

	// Replaying the same event does not double count the node.
	_, err = job.Run(ctx, NewMemo(), ev)
	require.NoError(t, err)
	nodes, err = store.Nodes(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, -2, nodes[0].Score)
	mems, err = store.Memories(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mems, 3)
}

func TestMemoryIngestRetryDoesNotResendStoredSteps(t *testing.T) {
	_, _, rdb := newStreamClient(t)
	store := memory.NewStore(rdb, "")
	sender := &recordingSender{err: errors.New("stream down")}
	job := MemoryIngestJob(store, sender, zerolog.Nop())
	memo := NewMemo()
	ev := mustEvent(t, EventMemoryIngest, "u1", MemoryIngest{UserID: "u1", ConversationID: "c1", UserMessage: "My knee hurts"})

	_, err := job.Run(context.Background(), memo, ev)
	require.Error(t, err)
	assert.True(t, memo.Completed("store-messages"))

	sender.err = nil
	_, err = job.Run(context.Background(), memo, ev)
	require.NoError(t, err)
	assert.Len(t, sender.sent(), 1)
	assert.Equal(t, 1, countOf(memo.Executed(), "store-memories"))
}

func countOf(names []string, name string) int {
	n := 0
	for _, s := range names {
		if s == name {
			n++
		}
	}
	return n
}

func TestMemoryConsolidateClearsPending(t *testing.T) {
	_, _, rdb := newStreamClient(t)
	store := memory.NewStore(rdb, "")
	ctx := context.Background()
	ingest := MemoryIngestJob(store, &recordingSender{}, zerolog.Nop())
	_, err := ingest.Run(ctx, Inline{}, mustEvent(t, EventMemoryIngest, "u1", MemoryIngest{
		UserID: "u1", ConversationID: "c1", UserMessage: "My knee hurts and I want to dunk",
	}))
	require.NoError(t, err)

	out, err := MemoryConsolidateJob(store, zerolog.Nop()).Run(ctx, NewMemo(), mustEvent(t, EventMemoryConsolidate, "u1", MemoryConsolidate{UserID: "u1"}))
	require.NoError(t, err)
	summary := out.(ConsolidationSummary)
	assert.Equal(t, 2, summary.MemoriesProcessed)
	assert.Equal(t, 1, summary.ByType[memory.Injury])
	assert.Equal(t, 1, summary.ByType[memory.Goal])
	assert.Equal(t, []string{"knee"}, summary.SoreNodes)

	pending, err := store.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestContentEmbedStoresVector(t *testing.T) {
	_, _, rdb := newStreamClient(t)
	store := memory.NewStore(rdb, "")
	ctx := context.Background()
	job := ContentEmbedJob(adapter.NewMockAdapter(), "text-embedding-3-small", store, zerolog.Nop())

	out, err := job.Run(ctx, NewMemo(), mustEvent(t, EventContentEmbed, "", ContentEmbed{ContentType: "memory", ContentID: "mem_1", Text: "knee pain"}))
	require.NoError(t, err)
	assert.Equal(t, 8, out.(EmbedSummary).Dimensions)

	got, err := store.LoadEmbedding(ctx, "memory", "mem_1")
	require.NoError(t, err)
	assert.Len(t, got.Vector, 8)
	assert.Equal(t, "text-embedding-3-small", got.Model)

	_, err = job.Run(ctx, NewMemo(), mustEvent(t, EventContentEmbed, "", ContentEmbed{ContentType: "memory", ContentID: "mem_2", Text: "  "}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validate-content")
}

func TestTruncateForEmbedding(t *testing.T) {
	short := "drill"
	assert.Equal(t, short, TruncateForEmbedding(short))

	long := make([]rune, MaxEmbedChars+10)
	for i := range long {
		long[i] = 'é'
	}
	got := []rune(TruncateForEmbedding(string(long)))
	assert.Len(t, got, MaxEmbedChars+3)
	assert.Equal(t, "...", string(got[MaxEmbedChars:]))
}

type countingEmbedder struct {
	*adapter.MockAdapter
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	return c.MockAdapter.Embed(ctx, texts)
}

func TestBatchEmbedSplitsIntoBatches(t *testing.T) {
	_, _, rdb := newStreamClient(t)
	store := memory.NewStore(rdb, "")
	embedder := &countingEmbedder{MockAdapter: adapter.NewMockAdapter()}
	job := BatchEmbedJob(embedder, "m", store, 2, zerolog.Nop())

	items := make([]EmbedItem, EmbedBatchSize+5)
	for i := range items {
		items[i] = EmbedItem{ID: fmt.Sprintf("doc-%03d", i), Text: fmt.Sprintf("text %d", i)}
	}
	memo := NewMemo()
	out, err := job.Run(context.Background(), memo, mustEvent(t, EventBatchEmbed, "", BatchEmbed{ContentType: "doc", Items: items}))
	require.NoError(t, err)

	summary := out.(EmbedSummary)
	assert.Equal(t, len(items), summary.Processed)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, int32(2), embedder.calls.Load())
	assert.True(t, memo.Completed("embed-batch-0"))
	assert.True(t, memo.Completed("embed-batch-1"))

	matches, err := store.Search(context.Background(), "doc", make([]float32, 8), len(items))
	require.NoError(t, err)
	assert.Len(t, matches, len(items))
}

type fixedReviewer struct{ review critic.Review }

func (f fixedReviewer) Review(context.Context, string, string) (critic.Review, error) {
	return f.review, nil
}

func TestCriticReviewPublishesRejection(t *testing.T) {
	loop := critic.NewLoop(fixedReviewer{critic.Review{Approved: false, Score: 40}})
	sender := &recordingSender{}
	job := CriticReviewJob(loop, nil, sender, zerolog.Nop())
	one := 1

	out, err := job.Run(context.Background(), NewMemo(), mustEvent(t, EventCriticReview, "u1", CriticReview{
		Content:     "Copy. Run the stack.",
		UserID:      "u1",
		Config:      &CriticOverrides{MaxAttempts: &one},
		OnRejection: true,
	}))
	require.NoError(t, err)
	res := out.(*critic.LoopResult)
	assert.False(t, res.Approved)
	assert.Equal(t, 1, res.Iterations)

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, EventCriticRejected, sent[0].Name)
	var rejected CriticRejected
	require.NoError(t, sent[0].Decode(&rejected))
	assert.Equal(t, 40, rejected.FinalScore)
	assert.Contains(t, rejected.Reason, "after 1 attempts")
}

func TestCriticReviewApprovedSendsNothing(t *testing.T) {
	loop := critic.NewLoop(fixedReviewer{critic.Review{Approved: true, Score: 92}})
	sender := &recordingSender{}
	out, err := CriticReviewJob(loop, nil, sender, zerolog.Nop()).Run(context.Background(), NewMemo(),
		mustEvent(t, EventCriticReview, "u1", CriticReview{Content: "Copy.", OnRejection: true}))
	require.NoError(t, err)
	assert.True(t, out.(*critic.LoopResult).Approved)
	assert.Empty(t, sender.sent())
}

func TestCriticOverridesApply(t *testing.T) {
	threshold, attempts, fail := 60, 2, false
	cfg := CriticReview{
		ContentType: critic.Email,
		TraceID:     "trace-1",
		Config: &CriticOverrides{
			ApprovalThreshold: &threshold,
			MaxAttempts:       &attempts,
			FailOnCritical:    &fail,
			FocusAreas:        []string{"tone"},
		},
	}.LoopConfig()
	assert.Equal(t, critic.Email, cfg.ContentType)
	assert.Equal(t, 60, cfg.ApprovalThreshold)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.False(t, cfg.FailOnCritical)
	assert.Equal(t, "trace-1", cfg.TraceID)
	assert.Equal(t, critic.DefaultConfig(critic.Response).MaxAttempts, CriticReview{}.LoopConfig().MaxAttempts)
}

func TestVoiceAuditAggregates(t *testing.T) {
	job := VoiceAuditJob(voice.Default(), zerolog.Nop())
	out, err := job.Run(context.Background(), NewMemo(), mustEvent(t, EventVoiceAudit, "", VoiceAudit{Responses: []AuditItem{
		{ID: "r1", Content: "Copy. Run the stack."},
		{ID: "r2", Content: "I'm sorry, maybe this workout helps!!!"},
	}}))
	require.NoError(t, err)

	summary := out.(VoiceAuditSummary)
	require.Len(t, summary.Results, 2)
	assert.True(t, summary.Results[0].Passed)
	assert.False(t, summary.Results[1].Passed)
	assert.Equal(t, 40, summary.Results[1].Score)

	stats := summary.Stats
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.PassCount)
	assert.Equal(t, 1, stats.FailCount)
	assert.InDelta(t, 70.0, stats.AverageScore, 0.001)
	assert.InDelta(t, 0.5, stats.PassRate, 0.001)
	assert.Equal(t, 1, stats.ViolationCounts[string(voice.CategoryApology)])

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pass_rate":0.5`)
}

func TestVoiceAuditEmpty(t *testing.T) {
	out, err := VoiceAuditJob(nil, zerolog.Nop()).Run(context.Background(), Inline{}, mustEvent(t, EventVoiceAudit, "", VoiceAudit{}))
	require.NoError(t, err)
	assert.Equal(t, 0, out.(VoiceAuditSummary).Stats.Total)
}
