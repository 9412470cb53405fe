package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/stream"
	"github.com/zen-systems/coachgate/pkg/tier"
)

func newStreamClient(t *testing.T) (*stream.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return stream.New(rdb, stream.WithBlock(20*time.Millisecond)), mr
}

type failingQueue struct{ err error }

func (q failingQueue) Submit(context.Context, CreativeJob) error { return q.err }

func entryFields(values []string) map[string]any {
	out := map[string]any{}
	for i := 0; i+1 < len(values); i += 2 {
		out[values[i]] = values[i+1]
	}
	return out
}

func TestCreativeDecisionIsQueued(t *testing.T) {
	client, mr := newStreamClient(t)
	mock := adapter.NewMockAdapter()
	exec := newTestExecutor(mock, WithCreativeQueue(NewStreamQueue(client, "")))

	res, err := exec.ExecuteWithRetry(context.Background(), router.Query{UserID: "u1", Text: "poster for game day"}, decisionAt(tier.Creative), DefaultMaxRetries)
	require.NoError(t, err)

	assert.Equal(t, tier.Creative, res.Tier)
	assert.NotEmpty(t, res.CreativeJobID)
	assert.Contains(t, res.Text, res.CreativeJobID)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Escalations)
	assert.Empty(t, mock.Calls())

	entries, err := mr.Stream(DefaultCreativeStream)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	job, err := DecodeCreativeJob(stream.Message{ID: entries[0].ID, Values: entryFields(entries[0].Values)})
	require.NoError(t, err)
	assert.Equal(t, res.CreativeJobID, job.ID)
	assert.Equal(t, "u1", job.UserID)
	assert.Equal(t, tier.Default().Spec(tier.Creative).Model, job.Model)
	assert.Contains(t, job.Prompt, "poster for game day")
	assert.Contains(t, job.Prompt, "youth athletes")
}

func TestCreativeNeverEscalates(t *testing.T) {
	mock := adapter.NewMockAdapter()
	exec := newTestExecutor(mock, WithCreativeQueue(failingQueue{err: errors.New("queue down")}))

	_, err := exec.ExecuteWithRetry(context.Background(), router.Query{UserID: "u1", Text: "poster"}, decisionAt(tier.Creative), DefaultMaxRetries)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, tier.Creative, execErr.LastTier)
	assert.Equal(t, 1, execErr.Attempts)
	assert.Contains(t, err.Error(), "queue down")
	assert.Empty(t, mock.Calls())
}

func TestCreativeWithoutQueueFails(t *testing.T) {
	exec := newTestExecutor(adapter.NewMockAdapter())
	_, err := exec.Execute(context.Background(), router.Query{UserID: "u1", Text: "poster"}, decisionAt(tier.Creative))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no creative queue")
}

func TestCreativeWorkerRendersAndStores(t *testing.T) {
	client, mr := newStreamClient(t)
	ctx := context.Background()
	images := adapter.NewMockAdapter()
	worker := NewCreativeWorker(client, images)

	job := CreativeJob{ID: "job-1", UserID: "u1", Model: "imagen", Prompt: "gold jersey"}
	require.NoError(t, NewStreamQueue(client, "").Submit(ctx, job))
	entries, err := mr.Stream(DefaultCreativeStream)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	msg := stream.Message{ID: entries[0].ID, Stream: DefaultCreativeStream, Values: entryFields(entries[0].Values)}
	require.NoError(t, worker.Handle(ctx, msg))

	img, err := worker.FetchRender(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, []byte("mock-image:gold jersey"), img.Data)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, "imagen", img.Model)
	assert.True(t, mr.TTL(ResultKey("job-1")) > 0)

	done, err := mr.Stream(DefaultCreativeDoneStream)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "job-1", entryFields(done[0].Values)["job_id"])

	missing, err := worker.FetchRender(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreativeWorkerLeavesFailedRendersPending(t *testing.T) {
	client, _ := newStreamClient(t)
	images := adapter.NewMockAdapter()
	images.FailModel("imagen", errors.New("quota"))
	worker := NewCreativeWorker(client, images)

	msg := stream.Message{ID: "1-0", Values: map[string]any{"payload": `{"id":"job-2","user_id":"u1","model":"imagen","prompt":"x"}`}}
	err := worker.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestCreativeWorkerDropsUndecodableJobs(t *testing.T) {
	client, _ := newStreamClient(t)
	worker := NewCreativeWorker(client, adapter.NewMockAdapter())
	require.NoError(t, worker.Handle(context.Background(), stream.Message{ID: "1-0", Values: map[string]any{"payload": "{"}}))
	require.NoError(t, worker.Handle(context.Background(), stream.Message{ID: "2-0", Values: map[string]any{"payload": `{"id":"x"}`}}))
}
