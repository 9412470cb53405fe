// Package state holds the per-user runtime counters the router reads and
// the pipeline writes back after every request.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/zen-systems/coachgate/pkg/tier"
)

// SentimentWindow is how many recent sentiments are kept per user.
const SentimentWindow = 5

// ErrInvalidUserID is returned for an empty user id.
var ErrInvalidUserID = errors.New("state: empty user id")

// UserState is the mutable per-user record. Only the router's
// RecordOutcome changes it.
type UserState struct {
	UserID              string    `json:"user_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecentSentiments    []string  `json:"recent_sentiments,omitempty"`
	TotalRequests       int       `json:"total_requests"`
	LastTier            tier.Tier `json:"last_tier,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// New returns the initial state for a user seen for the first time.
func New(userID string) *UserState {
	return &UserState{UserID: userID}
}

// Clone returns a deep copy.
func (s *UserState) Clone() *UserState {
	if s == nil {
		return nil
	}
	out := *s
	out.RecentSentiments = append([]string(nil), s.RecentSentiments...)
	return &out
}

// PushSentiment appends a sentiment and drops the oldest entries beyond
// SentimentWindow.
func (s *UserState) PushSentiment(sentiment string) {
	s.RecentSentiments = append(s.RecentSentiments, sentiment)
	if n := len(s.RecentSentiments); n > SentimentWindow {
		s.RecentSentiments = append([]string(nil), s.RecentSentiments[n-SentimentWindow:]...)
	}
}

// Trailing returns the last n sentiments, or nil when fewer are recorded.
func (s *UserState) Trailing(n int) []string {
	if s == nil || n <= 0 || len(s.RecentSentiments) < n {
		return nil
	}
	return s.RecentSentiments[len(s.RecentSentiments)-n:]
}

// Store is a keyed store of UserState with a critical section per user.
type Store interface {
	// Get returns a snapshot of the user's state. Unknown users get a
	// fresh state.
	Get(ctx context.Context, userID string) (*UserState, error)

	// Update runs fn while holding the user's lock and writes the state
	// back afterwards. The state is persisted even when fn returns an
	// error so failure counters are not lost; fn's error is returned.
	Update(ctx context.Context, userID string, fn func(*UserState) error) error
}
