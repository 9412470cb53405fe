package jobs

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/critic"
)

// CriticOverrides adjusts the default loop settings for one review.
type CriticOverrides struct {
	ApprovalThreshold *int     `json:"approval_threshold,omitempty"`
	MaxAttempts       *int     `json:"max_attempts,omitempty"`
	Guidelines        string   `json:"guidelines,omitempty"`
	FailOnCritical    *bool    `json:"fail_on_critical,omitempty"`
	FocusAreas        []string `json:"focus_areas,omitempty"`
}

// CriticReview is the critic/review payload.
type CriticReview struct {
	Content     string             `json:"content"`
	ContentType critic.ContentType `json:"content_type,omitempty"`
	UserID      string             `json:"user_id,omitempty"`
	Config      *CriticOverrides   `json:"config,omitempty"`
	TraceID     string             `json:"trace_id,omitempty"`
	OnRejection bool               `json:"on_rejection,omitempty"`
}

// LoopConfig resolves the loop configuration for r.
func (r CriticReview) LoopConfig() critic.Config {
	cfg := critic.DefaultConfig(r.ContentType)
	cfg.TraceID = r.TraceID
	if o := r.Config; o != nil {
		if o.ApprovalThreshold != nil {
			cfg.ApprovalThreshold = *o.ApprovalThreshold
		}
		if o.MaxAttempts != nil {
			cfg.MaxAttempts = *o.MaxAttempts
		}
		if o.FailOnCritical != nil {
			cfg.FailOnCritical = *o.FailOnCritical
		}
		cfg.Guidelines = o.Guidelines
		cfg.FocusAreas = o.FocusAreas
	}
	return cfg
}

// CriticRejected is the critic/rejected payload.
type CriticRejected struct {
	UserID     string `json:"user_id,omitempty"`
	Content    string `json:"content"`
	Reason     string `json:"reason"`
	FinalScore int    `json:"final_score"`
}

// CriticReviewJob runs the critic loop and announces rejections when the
// payload asks for it.
func CriticReviewJob(loop *critic.Loop, revise critic.ReviseFunc, events Sender, logger zerolog.Logger) Definition {
	return Definition{
		Name:        "critic-review",
		Event:       EventCriticReview,
		Retries:     2,
		Concurrency: Concurrency{Key: "user_id", Limit: 3},
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in CriticReview
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}

			res, err := Step(ctx, steps, "run-critic-loop", func(ctx context.Context) (*critic.LoopResult, error) {
				return loop.Run(ctx, in.Content, in.LoopConfig(), revise)
			})
			if err != nil {
				return nil, err
			}

			if _, err := Step(ctx, steps, "log-metrics", func(context.Context) (bool, error) {
				logger.Info().
					Str("user_id", in.UserID).
					Bool("approved", res.Approved).
					Int("final_score", res.FinalScore).
					Int("iterations", res.Iterations).
					Dur("latency", res.TotalLatency).
					Msg("critic review complete")
				return true, nil
			}); err != nil {
				return nil, err
			}

			if !res.Approved && in.OnRejection {
				if _, err := Step(ctx, steps, "handle-rejection", func(ctx context.Context) (string, error) {
					logger.Warn().Str("user_id", in.UserID).Str("reason", res.RejectionReason).Msg("content rejected by critic")
					rejected, err := NewEvent(EventCriticRejected, in.UserID, CriticRejected{
						UserID:     in.UserID,
						Content:    res.FinalContent,
						Reason:     res.RejectionReason,
						FinalScore: res.FinalScore,
					})
					if err != nil {
						return "", err
					}
					return events.Send(ctx, rejected)
				}); err != nil {
					return nil, err
				}
			}
			return res, nil
		},
	}
}
