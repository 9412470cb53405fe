package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/coachgate/pkg/stream"
)

// Concurrency caps how many runs of a job share a concurrency key at once.
// Key names the payload field the key is taken from; the publisher puts its
// value in Event.ConcurrencyKey.
type Concurrency struct {
	Key   string
	Limit int
}

// Definition is one named job.
type Definition struct {
	Name        string
	Event       string
	Retries     int
	Concurrency Concurrency
	Run         func(ctx context.Context, steps StepRunner, ev Event) (any, error)
}

// Engine runs registered jobs for events read from a stream. Each event
// gets its own Memo, so retries replay completed steps instead of
// repeating them. Events that exhaust their retries go to the dead-letter
// stream and are acknowledged.
type Engine struct {
	client  *stream.Client
	stream  string
	group   string
	logger  zerolog.Logger
	backoff time.Duration

	mu    sync.Mutex
	defs  map[string]Definition
	slots map[string]*slot
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStream sets the event stream and consumer group.
func WithStream(name, group string) EngineOption {
	return func(e *Engine) {
		e.stream = name
		e.group = group
	}
}

// WithEngineLogger sets the logger.
func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRetryBackoff sets the pause between attempts of a failed job.
func WithRetryBackoff(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.backoff = d
	}
}

// NewEngine creates an engine. client may be nil when only Dispatch is used.
func NewEngine(client *stream.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client:  client,
		stream:  DefaultEventStream,
		group:   "coachgate-jobs",
		logger:  zerolog.Nop(),
		backoff: time.Second,
		defs:    make(map[string]Definition),
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds job definitions. Two jobs cannot share an event.
func (e *Engine) Register(defs ...Definition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range defs {
		if d.Event == "" || d.Run == nil {
			return fmt.Errorf("job %q needs an event and a run function", d.Name)
		}
		if existing, ok := e.defs[d.Event]; ok {
			return fmt.Errorf("event %s already handled by %s", d.Event, existing.Name)
		}
		e.defs[d.Event] = d
	}
	return nil
}

// Jobs lists registered definitions by event name.
func (e *Engine) Jobs() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

func (e *Engine) lookup(name string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.defs[name]
	return d, ok
}

// slot bounds concurrent runs for one (job, key) pair. It is dropped from
// the engine once nobody holds or waits on it.
type slot struct {
	ch    chan struct{}
	users int
}

func (e *Engine) acquireSlot(ctx context.Context, d Definition, key string) (func(), error) {
	if d.Concurrency.Limit <= 0 {
		return func() {}, nil
	}
	id := d.Name + "\x00" + key

	e.mu.Lock()
	sl, ok := e.slots[id]
	if !ok {
		sl = &slot{ch: make(chan struct{}, d.Concurrency.Limit)}
		e.slots[id] = sl
	}
	sl.users++
	e.mu.Unlock()

	leave := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		sl.users--
		if sl.users == 0 {
			delete(e.slots, id)
		}
	}

	select {
	case sl.ch <- struct{}{}:
		return func() {
			<-sl.ch
			leave()
		}, nil
	case <-ctx.Done():
		leave()
		return nil, ctx.Err()
	}
}

// Dispatch runs the job registered for ev, retrying up to its Retries with
// a shared Memo.
func (e *Engine) Dispatch(ctx context.Context, ev Event) (any, error) {
	d, ok := e.lookup(ev.Name)
	if !ok {
		return nil, fmt.Errorf("no job registered for %s", ev.Name)
	}

	release, err := e.acquireSlot(ctx, d, ev.ConcurrencyKey)
	if err != nil {
		return nil, err
	}
	defer release()

	memo := NewMemo()
	logger := e.logger.With().Str("job", d.Name).Str("event_id", ev.ID).Logger()
	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, e.backoff); err != nil {
				return nil, err
			}
		}
		out, err := d.Run(ctx, memo, ev)
		if err == nil {
			logger.Info().Int("attempt", attempt+1).Msg("job complete")
			return out, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("job attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempt(s): %w", d.Name, d.Retries+1, lastErr)
}

// Run consumes events with workers concurrent consumers until ctx is done.
func (e *Engine) Run(ctx context.Context, consumer string, workers int) error {
	if e.client == nil {
		return fmt.Errorf("engine has no stream client")
	}
	if workers < 1 {
		workers = 1
	}
	if err := e.client.EnsureGroup(ctx, e.stream, e.group); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("%s-%d", consumer, i)
		g.Go(func() error {
			return e.client.Consume(gctx, e.stream, e.group, name, e.Handle)
		})
	}
	return g.Wait()
}

// Handle processes one stream entry. It always acknowledges: malformed and
// unroutable entries are logged, failed jobs are dead-lettered.
func (e *Engine) Handle(ctx context.Context, m stream.Message) error {
	ev, err := DecodeEvent(m)
	if err != nil {
		e.logger.Error().Err(err).Str("id", m.ID).Msg("dropping malformed event")
		return nil
	}
	if _, ok := e.lookup(ev.Name); !ok {
		e.logger.Warn().Str("event", ev.Name).Str("id", m.ID).Msg("no job for event")
		return nil
	}
	if _, err := e.Dispatch(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return err
		}
		values := encodeEvent(ev)
		values["error"] = err.Error()
		if _, derr := e.client.Publish(context.WithoutCancel(ctx), DeadLetterStream, values); derr != nil {
			e.logger.Error().Err(derr).Str("event_id", ev.ID).Msg("dead letter publish failed")
			return err
		}
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
