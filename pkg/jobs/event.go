// Package jobs defines the asynchronous orchestration jobs (memory ingest,
// embedding, critic review, voice audit) as sequences of named, replayable
// steps, and a small Redis Streams engine that runs them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/coachgate/pkg/stream"
)

// Streams used by the engine.
const (
	DefaultEventStream = "coachgate:events"
	DeadLetterStream   = "coachgate:events:dead"
)

// Event names.
const (
	EventMemoryIngest      = "memory/ingest"
	EventMemoryConsolidate = "memory/consolidate"
	EventContentEmbed      = "content/embed"
	EventBatchEmbed        = "content/batch-embed"
	EventCriticReview      = "critic/review"
	EventCriticRejected    = "critic/rejected"
	EventVoiceAudit        = "voice/audit"
)

// Event is a named job trigger with a JSON payload.
type Event struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	Data           json.RawMessage `json:"data"`
	SentAt         time.Time       `json:"sent_at"`
}

// NewEvent encodes data into an event. key is the value jobs limit
// concurrency on, normally the user id.
func NewEvent(name, key string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{
		ID:             uuid.NewString(),
		Name:           name,
		ConcurrencyKey: key,
		Data:           raw,
		SentAt:         time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Sender delivers events to the engine.
type Sender interface {
	Send(ctx context.Context, ev Event) (string, error)
}

// Publisher sends events over a Redis stream.
type Publisher struct {
	client *stream.Client
	stream string
}

// NewPublisher creates a publisher on streamName (DefaultEventStream when
// empty).
func NewPublisher(client *stream.Client, streamName string) *Publisher {
	if streamName == "" {
		streamName = DefaultEventStream
	}
	return &Publisher{client: client, stream: streamName}
}

// Send implements Sender.
func (p *Publisher) Send(ctx context.Context, ev Event) (string, error) {
	return p.client.Publish(ctx, p.stream, encodeEvent(ev))
}

// Publish builds and sends an event in one call.
func (p *Publisher) Publish(ctx context.Context, name, key string, data any) (string, error) {
	ev, err := NewEvent(name, key, data)
	if err != nil {
		return "", err
	}
	return p.Send(ctx, ev)
}

func encodeEvent(ev Event) map[string]any {
	return map[string]any{
		"event_id":        ev.ID,
		"name":            ev.Name,
		"concurrency_key": ev.ConcurrencyKey,
		"payload":         string(ev.Data),
		"sent_at":         ev.SentAt.Format(time.RFC3339Nano),
	}
}

// DecodeEvent reads an event from a stream entry.
func DecodeEvent(m stream.Message) (Event, error) {
	ev := Event{
		ID:             m.String("event_id"),
		Name:           m.String("name"),
		ConcurrencyKey: m.String("concurrency_key"),
		Data:           json.RawMessage(m.String("payload")),
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("entry %s has no event name", m.ID)
	}
	if ev.ID == "" {
		ev.ID = m.ID
	}
	if ts := m.String("sent_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("entry %s: bad sent_at: %w", m.ID, err)
		}
		ev.SentAt = t
	}
	return ev, nil
}
