// Package critic reviews generated content against quality guidelines and
// revises it until a reviewer approves it or the attempt budget runs out.
package critic

import (
	"fmt"
	"strings"
)

// ContentType selects the base review guidelines.
type ContentType string

const (
	Response ContentType = "response"
	Article  ContentType = "article"
	Plan     ContentType = "plan"
	Email    ContentType = "email"
	Social   ContentType = "social"
)

const (
	DefaultApprovalThreshold = 80
	DefaultMaxAttempts       = 3
	maxAttemptsLimit         = 10
)

var basePrompts = map[ContentType]string{
	Response: `Review this coaching response to an athlete.
Check: direct command voice, no hedging or apologies, actionable next step, safe training advice.`,
	Article: `Review this long-form article for athletes.
Check: accurate training science, clear structure, confident voice, no generic fitness cliches.`,
	Plan: `Review this training plan.
Check: progressive load, recovery built in, realistic volume for a youth athlete, every session has a purpose.`,
	Email: `Review this email to athletes or parents.
Check: one clear ask, short paragraphs, confident tone, no corporate filler.`,
	Social: `Review this social post.
Check: hook in the first line, brand voice, no weak language, no unsafe challenges.`,
}

// Config controls one critic loop.
type Config struct {
	ContentType       ContentType `json:"content_type" yaml:"content_type"`
	ApprovalThreshold int         `json:"approval_threshold" yaml:"approval_threshold"`
	MaxAttempts       int         `json:"max_attempts" yaml:"max_attempts"`
	Guidelines        string      `json:"guidelines,omitempty" yaml:"guidelines"`
	FailOnCritical    bool        `json:"fail_on_critical" yaml:"fail_on_critical"`
	FocusAreas        []string    `json:"focus_areas,omitempty" yaml:"focus_areas"`

	// TraceID attaches the critic score to an existing trace. When empty
	// the loop opens its own.
	TraceID string `json:"-" yaml:"-"`
}

// DefaultConfig returns the standard loop settings for a content type.
func DefaultConfig(ct ContentType) Config {
	if ct == "" {
		ct = Response
	}
	return Config{
		ContentType:       ct,
		ApprovalThreshold: DefaultApprovalThreshold,
		MaxAttempts:       DefaultMaxAttempts,
		FailOnCritical:    true,
	}
}

// Validate checks the loop bounds.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 || c.MaxAttempts > maxAttemptsLimit {
		return fmt.Errorf("max attempts %d out of range 1-%d", c.MaxAttempts, maxAttemptsLimit)
	}
	if c.ApprovalThreshold < 0 || c.ApprovalThreshold > 100 {
		return fmt.Errorf("approval threshold %d out of range 0-100", c.ApprovalThreshold)
	}
	return nil
}

// BuildGuidelines renders the reviewer instructions for c.
func (c Config) BuildGuidelines() string {
	var parts []string
	if base, ok := basePrompts[c.ContentType]; ok {
		parts = append(parts, base)
	}
	if g := strings.TrimSpace(c.Guidelines); g != "" {
		parts = append(parts, "\nAdditional Guidelines:\n"+g)
	}
	if len(c.FocusAreas) > 0 {
		parts = append(parts, "\nFocus especially on: "+strings.Join(c.FocusAreas, ", "))
	}
	parts = append(parts, fmt.Sprintf("\nApproval threshold: %d/100", c.ApprovalThreshold))
	return strings.Join(parts, "\n")
}
