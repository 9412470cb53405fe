package router

import (
	"time"

	"github.com/zen-systems/coachgate/pkg/tier"
)

// Decision captures the routing outcome for one query. Values are never
// changed in place: Escalate returns a new Decision.
type Decision struct {
	Intent           Intent        `json:"intent"`
	Sentiment        Sentiment     `json:"sentiment"`
	Complexity       int           `json:"complexity_score"`
	Tier             tier.Tier     `json:"selected_tier"`
	Reasoning        []string      `json:"reasoning"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	// Fallback is set when classification failed and the decision was
	// built by FallbackDecision.
	Fallback bool `json:"fallback,omitempty"`
}

// Escalate returns a copy of d moved to tier to, with reason appended to
// the reasoning trail.
func (d Decision) Escalate(to tier.Tier, reason string) Decision {
	out := d
	out.Tier = to
	out.Reasoning = append(append(make([]string, 0, len(d.Reasoning)+1), d.Reasoning...), reason)
	return out
}

// FallbackDecision is the conservative decision used when classification
// fails: lowest text tier, neutral sentiment.
func FallbackDecision(catalog *tier.Catalog, cause error) Decision {
	if catalog == nil {
		catalog = tier.Default()
	}
	reason := "router fallback: classification unavailable"
	if cause != nil {
		reason = "router fallback: " + cause.Error()
	}
	return Decision{
		Intent:           Execution,
		Sentiment:        Neutral,
		Complexity:       1,
		Tier:             tier.Fast,
		Reasoning:        []string{reason},
		EstimatedLatency: catalog.Spec(tier.Fast).TargetP95,
		Fallback:         true,
	}
}
