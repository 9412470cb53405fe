package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/stream"
	"github.com/zen-systems/coachgate/pkg/tier"
	"github.com/zen-systems/coachgate/pkg/voice"
)

const (
	// DefaultCreativeStream carries CREATIVE jobs to the render worker.
	DefaultCreativeStream = "coachgate:creative"
	// DefaultCreativeDoneStream announces finished renders.
	DefaultCreativeDoneStream = "coachgate:creative:done"

	defaultRenderTimeout = 60 * time.Second
	defaultResultTTL     = 24 * time.Hour
)

// CreativeJob is an asynchronous render request.
type CreativeJob struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	RequestedAt time.Time `json:"requested_at"`
}

// CreativeQueue accepts CREATIVE jobs. Submission is the whole contract:
// rendering happens elsewhere.
type CreativeQueue interface {
	Submit(ctx context.Context, job CreativeJob) error
}

// StreamQueue submits jobs to a Redis stream.
type StreamQueue struct {
	client *stream.Client
	stream string
}

// NewStreamQueue creates a queue on streamName (DefaultCreativeStream when
// empty).
func NewStreamQueue(client *stream.Client, streamName string) *StreamQueue {
	if streamName == "" {
		streamName = DefaultCreativeStream
	}
	return &StreamQueue{client: client, stream: streamName}
}

// Submit publishes the job.
func (q *StreamQueue) Submit(ctx context.Context, job CreativeJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.Publish(ctx, q.stream, map[string]any{
		"job_id":  job.ID,
		"user_id": job.UserID,
		"payload": string(payload),
	})
	return err
}

// DecodeCreativeJob reads a job from a stream entry.
func DecodeCreativeJob(m stream.Message) (CreativeJob, error) {
	var job CreativeJob
	if err := json.Unmarshal([]byte(m.String("payload")), &job); err != nil {
		return CreativeJob{}, fmt.Errorf("decode creative job %s: %w", m.ID, err)
	}
	if job.ID == "" || job.Prompt == "" {
		return CreativeJob{}, fmt.Errorf("creative job %s missing id or prompt", m.ID)
	}
	return job, nil
}

func (e *Executor) submitCreative(ctx context.Context, q router.Query, d router.Decision) (*Result, error) {
	if e.creative == nil {
		return nil, fmt.Errorf("no creative queue configured")
	}
	spec := e.catalog.Spec(tier.Creative)
	job := CreativeJob{
		ID:          uuid.NewString(),
		UserID:      q.UserID,
		Model:       spec.Model,
		Prompt:      voice.Prefix(tier.Creative) + "\n\nRequest: " + q.Text,
		RequestedAt: e.now().UTC(),
	}

	trace, _ := e.sink.StartTrace(ctx, observe.Generation{
		Name:     "creative",
		Tier:     tier.Creative.String(),
		Model:    spec.Model,
		Input:    q.Text,
		UserID:   q.UserID,
		Metadata: map[string]any{"job_id": job.ID},
	})

	submitCtx := ctx
	if spec.CallTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, spec.CallTimeout)
		defer cancel()
	}
	start := e.now()
	err := e.creative.Submit(submitCtx, job)
	latency := e.now().Sub(start)
	if err != nil {
		_ = trace.End(ctx, observe.Outcome{Latency: latency, Err: err})
		return nil, fmt.Errorf("submit creative job: %w", err)
	}

	text := e.enforcer.Enforce("Visual queued. Job " + job.ID + ".")
	violations := e.enforcer.Audit(text)
	score := voice.Score(violations)
	_ = trace.End(ctx, observe.Outcome{Output: text, Latency: latency, VoiceScore: score, Violations: violations})

	return &Result{
		Text:          text,
		Tier:          tier.Creative,
		Model:         spec.Model,
		Latency:       latency,
		VoiceScore:    score,
		Violations:    violations,
		Decision:      d,
		TraceID:       trace.ID(),
		CreativeJobID: job.ID,
	}, nil
}

// ResultKey is the Redis hash holding a finished render.
func ResultKey(jobID string) string {
	return "coachgate:creative:result:" + jobID
}

// CreativeWorker consumes CREATIVE jobs and renders them.
type CreativeWorker struct {
	client  *stream.Client
	images  adapter.ImageGenerator
	stream  string
	done    string
	timeout time.Duration
	ttl     time.Duration
	logger  zerolog.Logger
}

// WorkerOption configures a CreativeWorker.
type WorkerOption func(*CreativeWorker)

// WithRenderTimeout bounds one render call.
func WithRenderTimeout(d time.Duration) WorkerOption {
	return func(w *CreativeWorker) {
		w.timeout = d
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger zerolog.Logger) WorkerOption {
	return func(w *CreativeWorker) {
		w.logger = logger
	}
}

// NewCreativeWorker creates a worker reading DefaultCreativeStream.
func NewCreativeWorker(client *stream.Client, images adapter.ImageGenerator, opts ...WorkerOption) *CreativeWorker {
	w := &CreativeWorker{
		client:  client,
		images:  images,
		stream:  DefaultCreativeStream,
		done:    DefaultCreativeDoneStream,
		timeout: defaultRenderTimeout,
		ttl:     defaultResultTTL,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes jobs until ctx is done.
func (w *CreativeWorker) Run(ctx context.Context, group, consumer string) error {
	return w.client.Consume(ctx, w.stream, group, consumer, w.Handle)
}

// Handle renders one job and stores the image. Undecodable entries are
// dropped; render failures stay pending for redelivery.
func (w *CreativeWorker) Handle(ctx context.Context, m stream.Message) error {
	job, err := DecodeCreativeJob(m)
	if err != nil {
		w.logger.Error().Err(err).Str("id", m.ID).Msg("dropping creative job")
		return nil
	}

	renderCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	img, err := w.images.GenerateImage(renderCtx, job.Model, job.Prompt)
	if err != nil {
		return fmt.Errorf("render %s: %w", job.ID, err)
	}

	rdb := w.client.Raw()
	key := ResultKey(job.ID)
	if err := rdb.HSet(ctx, key,
		"data", img.Data,
		"mime_type", img.MIMEType,
		"model", img.Model,
		"user_id", job.UserID,
	).Err(); err != nil {
		return fmt.Errorf("store render %s: %w", job.ID, err)
	}
	if w.ttl > 0 {
		if err := rdb.Expire(ctx, key, w.ttl).Err(); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("render ttl not set")
		}
	}

	if _, err := w.client.Publish(ctx, w.done, map[string]any{
		"job_id":  job.ID,
		"user_id": job.UserID,
		"key":     key,
	}); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Msg("render announcement failed")
	}
	w.logger.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Int("bytes", len(img.Data)).Msg("creative job rendered")
	return nil
}

// FetchRender loads a finished render, or nil when it is not ready.
func (w *CreativeWorker) FetchRender(ctx context.Context, jobID string) (*adapter.Image, error) {
	fields, err := w.client.Raw().HGetAll(ctx, ResultKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &adapter.Image{Data: []byte(fields["data"]), MIMEType: fields["mime_type"], Model: fields["model"]}, nil
}
