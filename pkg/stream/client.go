// Package stream is a thin Redis Streams client used for the creative job
// queue and for publishing orchestration events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/config"
)

const (
	defaultBlock     = time.Second
	defaultBatchSize = 10
	defaultBuffer    = 100
	defaultClaimIdle = 10 * time.Minute
	pingTimeout      = 5 * time.Second
)

// Message is one entry read from a stream.
type Message struct {
	ID     string
	Stream string
	Values map[string]any
}

// String returns the value for key as a string, or "".
func (m Message) String(key string) string {
	v, ok := m.Values[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Client wraps go-redis with stream operations.
type Client struct {
	rdb       redis.UniversalClient
	block     time.Duration
	batchSize int64
	claimIdle time.Duration
	logger    zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBlock sets how long a read blocks waiting for entries.
func WithBlock(d time.Duration) Option {
	return func(c *Client) {
		c.block = d
	}
}

// WithBatchSize sets how many entries one read returns at most.
func WithBatchSize(n int64) Option {
	return func(c *Client) {
		c.batchSize = n
	}
}

// WithClaimIdle sets how long an entry must sit unacknowledged in the
// group before a consumer claims and retries it. Zero disables reclaiming.
func WithClaimIdle(d time.Duration) Option {
	return func(c *Client) {
		c.claimIdle = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to Redis and verifies the connection.
func Dial(cfg config.RedisConfig, opts ...Option) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:       rdb,
		block:     defaultBlock,
		batchSize: defaultBatchSize,
		claimIdle: defaultClaimIdle,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish appends an entry with XADD and returns its ID.
func (c *Client) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s failed: %w", stream, err)
	}
	return id, nil
}

// Len returns the number of entries in a stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !redis.HasErrorPrefix(err, "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Subscribe delivers entries on a channel and acknowledges them as they
// are handed over. The channel closes when ctx is done.
func (c *Client) Subscribe(ctx context.Context, stream, group, consumer string) (<-chan Message, error) {
	if err := c.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	msgs := make(chan Message, defaultBuffer)
	go func() {
		defer close(msgs)
		_ = c.readLoop(ctx, stream, group, consumer, func(ctx context.Context, m Message) error {
			select {
			case msgs <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return msgs, nil
}

// Consume runs handler for every entry until ctx is done. Entries whose
// handler fails stay pending in the group and are claimed again once they
// have been idle for the claim interval.
func (c *Client) Consume(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if err := c.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}
	return c.readLoop(ctx, stream, group, consumer, handler)
}

func (c *Client) readLoop(ctx context.Context, stream, group, consumer string, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if claimed := c.reclaim(ctx, stream, group, consumer); len(claimed) > 0 {
			c.handle(ctx, stream, group, claimed, handler)
			continue
		}

		results, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    c.batchSize,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Str("stream", stream).Msg("stream read failed")
			if !sleepWithContext(ctx, c.block) {
				return nil
			}
			continue
		}

		for _, result := range results {
			c.handle(ctx, result.Stream, group, result.Messages, handler)
		}
	}
}

// reclaim takes over entries another delivery left pending for longer than
// the claim interval.
func (c *Client) reclaim(ctx context.Context, stream, group, consumer string) []redis.XMessage {
	if c.claimIdle <= 0 {
		return nil
	}
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("stream", stream).Msg("stream reclaim failed")
		}
		return nil
	}
	if len(msgs) > 0 {
		c.logger.Debug().Str("stream", stream).Int("count", len(msgs)).Msg("reclaimed pending entries")
	}
	return msgs
}

func (c *Client) handle(ctx context.Context, stream, group string, entries []redis.XMessage, handler Handler) {
	for _, entry := range entries {
		msg := Message{ID: entry.ID, Stream: stream, Values: entry.Values}
		if err := handler(ctx, msg); err != nil {
			c.logger.Warn().Err(err).Str("stream", stream).Str("id", entry.ID).Msg("stream handler failed")
			continue
		}
		// A handled entry is acked even if ctx was cancelled meanwhile.
		if err := c.rdb.XAck(context.WithoutCancel(ctx), stream, group, entry.ID).Err(); err != nil {
			c.logger.Warn().Err(err).Str("stream", stream).Str("id", entry.ID).Msg("stream ack failed")
		}
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw returns the underlying go-redis client.
func (c *Client) Raw() redis.UniversalClient {
	return c.rdb
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
