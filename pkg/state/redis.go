package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultKeyPrefix     = "coachgate:"
	defaultLockTTL       = 3 * time.Minute
	defaultRetryInterval = 50 * time.Millisecond
)

// unlockScript deletes the lock only if we still own it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// saveScript writes the state only while the caller still holds the lock,
// then releases it. Returns 0 when the lock belongs to someone else.
var saveScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call("SET", KEYS[2], ARGV[2], "PX", ttl)
else
	redis.call("SET", KEYS[2], ARGV[2])
end
redis.call("DEL", KEYS[1])
return 1
`)

// renewScript extends the lock only if we still own it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrLockLost is returned when the lock expired before the update finished.
var ErrLockLost = errors.New("state: lock expired before release")

// RedisStore keeps state as JSON in Redis and guards each user with a
// SET NX lock so concurrent workers do not lose updates.
type RedisStore struct {
	rdb           redis.UniversalClient
	prefix        string
	lockTTL       time.Duration
	retryInterval time.Duration
	ttl           time.Duration
	logger        zerolog.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace (default "coachgate:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithLockTTL bounds how long a crashed holder can block a user.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.lockTTL = ttl
	}
}

// WithRetryInterval sets how often a waiting update polls the lock.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.retryInterval = d
	}
}

// WithStateTTL expires idle user state. Zero keeps it forever.
func WithStateTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:           rdb,
		prefix:        defaultKeyPrefix,
		lockTTL:       defaultLockTTL,
		retryInterval: defaultRetryInterval,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) stateKey(userID string) string {
	return s.prefix + "state:" + userID
}

func (s *RedisStore) lockKey(userID string) string {
	return s.prefix + "lock:" + userID
}

// Get loads the user's state without taking the lock.
func (s *RedisStore) Get(ctx context.Context, userID string) (*UserState, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	raw, err := s.rdb.Get(ctx, s.stateKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state for %s: %w", userID, err)
	}
	var st UserState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", userID, err)
	}
	if st.UserID == "" {
		st.UserID = userID
	}
	return &st, nil
}

// Update takes the user's lock, runs fn and saves the result. The lock is
// renewed while fn runs. If it is lost anyway, the state is not written and
// ErrLockLost is returned alongside any error from fn.
func (s *RedisStore) Update(ctx context.Context, userID string, fn func(*UserState) error) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	token, err := s.acquire(ctx, userID)
	if err != nil {
		return err
	}
	saved := false
	defer func() {
		if !saved {
			_ = s.release(context.WithoutCancel(ctx), userID, token)
		}
	}()

	st, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	stopRenew := s.keepAlive(ctx, userID, token)
	fnErr := fn(st)
	stopRenew()

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", userID, err)
	}
	// Saving uses a context detached from cancellation so an abandoned
	// request still records its outcome.
	saveCtx := context.WithoutCancel(ctx)
	keys := []string{s.lockKey(userID), s.stateKey(userID)}
	n, err := saveScript.Run(saveCtx, s.rdb, keys, token, raw, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("save state for %s: %w", userID, err)
	}
	saved = true
	if n == 0 {
		s.logger.Warn().Str("user_id", userID).Msg("state lock lost, update discarded")
		if fnErr != nil {
			return errors.Join(fnErr, ErrLockLost)
		}
		return ErrLockLost
	}
	return fnErr
}

// keepAlive renews the lock at a third of its TTL until the returned
// function is called or the lock is no longer ours.
func (s *RedisStore) keepAlive(ctx context.Context, userID, token string) func() {
	interval := s.lockTTL / 3
	if interval <= 0 {
		return func() {}
	}
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}
			n, err := renewScript.Run(renewCtx, s.rdb, []string{s.lockKey(userID)}, token, s.lockTTL.Milliseconds()).Int()
			if err != nil {
				if renewCtx.Err() == nil {
					s.logger.Warn().Err(err).Str("user_id", userID).Msg("state lock renewal failed")
				}
				continue
			}
			if n == 0 {
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *RedisStore) acquire(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	key := s.lockKey(userID)
	for {
		ok, err := s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lock for %s: %w", userID, err)
		}
		if ok {
			return token, nil
		}

		timer := time.NewTimer(s.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *RedisStore) release(ctx context.Context, userID, token string) error {
	n, err := unlockScript.Run(ctx, s.rdb, []string{s.lockKey(userID)}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock for %s: %w", userID, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
