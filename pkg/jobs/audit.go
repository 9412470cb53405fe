package jobs

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/voice"
)

// AuditItem is one stored response to audit.
type AuditItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// VoiceAudit is the voice/audit payload.
type VoiceAudit struct {
	Responses []AuditItem `json:"responses"`
}

// AuditResult is the evaluation of one response.
type AuditResult struct {
	ID         string            `json:"id"`
	Model      string            `json:"model,omitempty"`
	Score      int               `json:"score"`
	Passed     bool              `json:"passed"`
	Violations []voice.Violation `json:"violations,omitempty"`
}

// AuditStats aggregates a voice audit.
type AuditStats struct {
	Total           int            `json:"total"`
	AverageScore    float64        `json:"average_score"`
	PassCount       int            `json:"pass_count"`
	FailCount       int            `json:"fail_count"`
	PassRate        float64        `json:"pass_rate"`
	ViolationCounts map[string]int `json:"violation_counts"`
}

// VoiceAuditSummary is the voice-audit job result.
type VoiceAuditSummary struct {
	Stats   AuditStats    `json:"stats"`
	Results []AuditResult `json:"results"`
}

// VoiceAuditJob scores stored responses against the voice rules.
func VoiceAuditJob(enforcer *voice.Enforcer, logger zerolog.Logger) Definition {
	if enforcer == nil {
		enforcer = voice.Default()
	}
	return Definition{
		Name:    "voice-audit",
		Event:   EventVoiceAudit,
		Retries: 2,
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in VoiceAudit
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}

			results, err := Step(ctx, steps, "audit-responses", func(context.Context) ([]AuditResult, error) {
				out := make([]AuditResult, len(in.Responses))
				for i, r := range in.Responses {
					e := enforcer.Evaluate(r.Content, voice.DefaultPassThreshold)
					out[i] = AuditResult{ID: r.ID, Model: r.Model, Score: e.Score, Passed: e.Passed, Violations: e.Violations}
				}
				return out, nil
			})
			if err != nil {
				return nil, err
			}

			stats, err := Step(ctx, steps, "aggregate-stats", func(context.Context) (AuditStats, error) {
				return aggregate(results), nil
			})
			if err != nil {
				return nil, err
			}

			logger.Info().
				Int("total", stats.Total).
				Float64("average_score", stats.AverageScore).
				Float64("pass_rate", stats.PassRate).
				Msg("voice audit complete")
			return VoiceAuditSummary{Stats: stats, Results: results}, nil
		},
	}
}

func aggregate(results []AuditResult) AuditStats {
	stats := AuditStats{Total: len(results), ViolationCounts: map[string]int{}}
	if len(results) == 0 {
		return stats
	}
	sum := 0
	for _, r := range results {
		sum += r.Score
		if r.Passed {
			stats.PassCount++
		}
		for _, v := range r.Violations {
			stats.ViolationCounts[string(v.Category)]++
		}
	}
	stats.FailCount = stats.Total - stats.PassCount
	stats.AverageScore = float64(sum) / float64(stats.Total)
	stats.PassRate = float64(stats.PassCount) / float64(stats.Total)
	return stats
}
