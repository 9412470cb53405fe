// Package router classifies user queries and applies the deterministic
// tier policy.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/state"
	"github.com/zen-systems/coachgate/pkg/tier"
)

const (
	// DefaultFailureThreshold: more than this many consecutive failures
	// bumps the tier one step.
	DefaultFailureThreshold = 1
	// DefaultLoopWindow is how many trailing sentiments make a frustrated loop.
	DefaultLoopWindow = 3
)

// Router picks a tier for each query.
type Router struct {
	classifier       Classifier
	catalog          *tier.Catalog
	failureThreshold int
	loopWindow       int
	logger           zerolog.Logger
	now              func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithCatalog sets the tier catalog.
func WithCatalog(c *tier.Catalog) Option {
	return func(r *Router) {
		r.catalog = c
	}
}

// WithFailureThreshold sets the consecutive failure threshold.
func WithFailureThreshold(n int) Option {
	return func(r *Router) {
		r.failureThreshold = n
	}
}

// WithLoopWindow sets the frustrated loop window.
func WithLoopWindow(n int) Option {
	return func(r *Router) {
		r.loopWindow = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// New creates a router around a classifier.
func New(classifier Classifier, opts ...Option) *Router {
	r := &Router{
		classifier:       classifier,
		catalog:          tier.Default(),
		failureThreshold: DefaultFailureThreshold,
		loopWindow:       DefaultLoopWindow,
		logger:           zerolog.Nop(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.loopWindow < 1 {
		r.loopWindow = DefaultLoopWindow
	}
	return r
}

// Catalog returns the router's tier catalog.
func (r *Router) Catalog() *tier.Catalog {
	return r.catalog
}

// Route classifies q and applies policy. st is only read. Classification
// failures are returned as *ClassificationError; the caller decides whether
// to use FallbackDecision.
func (r *Router) Route(ctx context.Context, q Query, st *state.UserState) (Decision, error) {
	if r.classifier == nil {
		return Decision{}, &ClassificationError{Err: fmt.Errorf("no classifier configured")}
	}
	c, err := r.classifier.Classify(ctx, q)
	if err != nil {
		var ce *ClassificationError
		if !errors.As(err, &ce) {
			err = &ClassificationError{Err: err}
		}
		return Decision{}, err
	}

	d := r.Decide(c, st)
	r.logger.Debug().
		Str("user_id", q.UserID).
		Str("intent", string(d.Intent)).
		Str("sentiment", string(d.Sentiment)).
		Int("complexity", d.Complexity).
		Stringer("tier", d.Tier).
		Strs("reasoning", d.Reasoning).
		Msg("route decision")
	return d, nil
}

// Decide applies the tier policy to a validated classification.
func (r *Router) Decide(c Classification, st *state.UserState) Decision {
	d := Decision{
		Intent:     c.Intent,
		Sentiment:  c.Sentiment,
		Complexity: c.Complexity,
	}
	if c.Reasoning != "" {
		d.Reasoning = append(d.Reasoning, "classifier: "+c.Reasoning)
	}

	base, ok := r.catalog.BaseTier(string(c.Intent))
	if !ok {
		base = tier.Smart
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("intent %s has no base tier; using %s", c.Intent, base))
	} else {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("intent %s -> %s", c.Intent, base))
	}
	d.Tier = base

	// Complexity banding applies to ordered tiers only.
	for d.Tier.Ordered() {
		limit := r.catalog.Spec(d.Tier).MaxComplexity
		if c.Complexity <= limit {
			break
		}
		next, ok := d.Tier.Next()
		if !ok {
			break
		}
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("complexity %d exceeds %s max %d -> %s", c.Complexity, d.Tier, limit, next))
		d.Tier = next
	}

	// Maximum complexity overrides the CREATIVE lane: such requests need
	// the deepest text tier, not an asset.
	if !d.Tier.Ordered() && c.Complexity > r.catalog.Spec(tier.Smart).MaxComplexity {
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("complexity %d overrides %s -> %s", c.Complexity, d.Tier, tier.Deep))
		d.Tier = tier.Deep
	}

	if c.Sentiment.Escalates() {
		raised := tier.AtLeast(d.Tier, tier.Smart)
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("sentiment %s requires at least SMART -> %s", c.Sentiment, raised))
		d.Tier = raised
	}

	if s, ok := r.frustratedLoop(st); ok {
		raised := tier.AtLeast(d.Tier, tier.Smart)
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("frustrated loop: last %d sentiments %s -> %s", r.loopWindow, s, raised))
		d.Tier = raised
	}

	if st != nil && st.ConsecutiveFailures > r.failureThreshold && d.Tier.Ordered() {
		if next, ok := d.Tier.Next(); ok {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("%d consecutive failures -> %s", st.ConsecutiveFailures, next))
			d.Tier = next
		} else {
			d.Reasoning = append(d.Reasoning, fmt.Sprintf("%d consecutive failures; already at %s", st.ConsecutiveFailures, d.Tier))
		}
	}

	d.EstimatedLatency = r.catalog.Spec(d.Tier).TargetP95
	return d
}

// frustratedLoop reports whether the trailing window holds the same
// escalating sentiment throughout.
func (r *Router) frustratedLoop(st *state.UserState) (Sentiment, bool) {
	window := st.Trailing(r.loopWindow)
	if window == nil {
		return "", false
	}
	first := Sentiment(window[0])
	if !first.Escalates() {
		return "", false
	}
	for _, s := range window[1:] {
		if Sentiment(s) != first {
			return "", false
		}
	}
	return first, true
}

// RecordOutcome is the only mutator of user state. A nil err resets the
// failure counter; a non-nil err increments it.
func (r *Router) RecordOutcome(st *state.UserState, d Decision, err error) {
	if st == nil {
		return
	}
	st.TotalRequests++
	// A fallback decision's sentiment was never observed; recording it
	// would break up a real frustrated streak.
	if d.Sentiment != "" && !d.Fallback {
		st.PushSentiment(string(d.Sentiment))
	}
	st.LastTier = d.Tier
	if err != nil {
		st.ConsecutiveFailures++
	} else {
		st.ConsecutiveFailures = 0
	}
	st.UpdatedAt = r.now()
}
