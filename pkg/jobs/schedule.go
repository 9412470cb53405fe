package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/memory"
)

// Default cron specs for the periodic jobs.
const (
	DefaultConsolidateSpec = "0 3 * * *"
	DefaultAuditSpec       = "0 * * * *"
	// DefaultAuditSample is how many stored replies one audit covers.
	DefaultAuditSample = 100

	scheduledRunTimeout = time.Minute
)

// ScheduleSource lists the work the periodic jobs cover. *memory.Store
// implements it.
type ScheduleSource interface {
	PendingUsers(ctx context.Context) ([]string, error)
	Exchanges(ctx context.Context, limit int) ([]memory.Exchange, error)
}

// Scheduler publishes memory/consolidate and voice/audit events on cron
// schedules.
type Scheduler struct {
	cron   *cron.Cron
	source ScheduleSource
	events Sender
	logger zerolog.Logger
	sample int
}

// NewScheduler creates a scheduler. Nothing runs until Start.
func NewScheduler(source ScheduleSource, events Sender, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		source: source,
		events: events,
		logger: logger,
		sample: DefaultAuditSample,
	}
}

// Schedule registers the consolidation and audit runs. An empty spec
// disables that run.
func (s *Scheduler) Schedule(consolidateSpec, auditSpec string) error {
	if consolidateSpec != "" {
		if _, err := s.cron.AddFunc(consolidateSpec, s.run("consolidate", s.EnqueueConsolidation)); err != nil {
			return fmt.Errorf("consolidate schedule %q: %w", consolidateSpec, err)
		}
	}
	if auditSpec != "" {
		if _, err := s.cron.AddFunc(auditSpec, s.run("voice-audit", s.EnqueueVoiceAudit)); err != nil {
			return fmt.Errorf("audit schedule %q: %w", auditSpec, err)
		}
	}
	return nil
}

func (s *Scheduler) run(name string, fn func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
		defer cancel()
		n, err := fn(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("scheduled run failed")
			return
		}
		s.logger.Info().Str("job", name).Int("events", n).Msg("scheduled run published")
	}
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// EnqueueConsolidation publishes one memory/consolidate event per user
// with pending memories.
func (s *Scheduler) EnqueueConsolidation(ctx context.Context) (int, error) {
	users, err := s.source.PendingUsers(ctx)
	if err != nil {
		return 0, err
	}
	for i, u := range users {
		ev, err := NewEvent(EventMemoryConsolidate, u, MemoryConsolidate{UserID: u})
		if err != nil {
			return i, err
		}
		if _, err := s.events.Send(ctx, ev); err != nil {
			return i, err
		}
	}
	return len(users), nil
}

// EnqueueVoiceAudit publishes a voice/audit event over the stored replies.
// It publishes nothing when there are none.
func (s *Scheduler) EnqueueVoiceAudit(ctx context.Context) (int, error) {
	exchanges, err := s.source.Exchanges(ctx, s.sample)
	if err != nil {
		return 0, err
	}
	if len(exchanges) == 0 {
		return 0, nil
	}
	items := make([]AuditItem, len(exchanges))
	for i, x := range exchanges {
		items[i] = AuditItem{ID: x.UserID + "/" + x.ConversationID, Content: x.AssistantResponse}
	}
	ev, err := NewEvent(EventVoiceAudit, "", VoiceAudit{Responses: items})
	if err != nil {
		return 0, err
	}
	if _, err := s.events.Send(ctx, ev); err != nil {
		return 0, err
	}
	return 1, nil
}
