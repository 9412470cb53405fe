package critic

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

const (
	defaultReviewTimeout   = 90 * time.Second
	defaultReviewMaxTokens = 2048
)

// Severity grades an issue.
type Severity string

const (
	Minor    Severity = "minor"
	Major    Severity = "major"
	Critical Severity = "critical"
)

// Issue is one problem the reviewer found.
type Issue struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Fix         string   `json:"suggestion,omitempty"`
}

// Review is a single reviewer verdict.
type Review struct {
	Approved    bool     `json:"approved"`
	Score       int      `json:"score"`
	Issues      []Issue  `json:"issues"`
	MustFix     []string `json:"must_fix"`
	Suggestions []string `json:"suggestions"`
}

// HasCritical reports whether any issue is critical.
func (r Review) HasCritical() bool {
	for _, i := range r.Issues {
		if i.Severity == Critical {
			return true
		}
	}
	return false
}

// Reviewer scores content against guidelines.
type Reviewer interface {
	Review(ctx context.Context, content, guidelines string) (Review, error)
}

var issueTypes = []string{"voice", "accuracy", "safety", "clarity", "tone"}

var reviewSchema = adapter.Schema{
	Name:        "critic_review",
	Description: "Quality review of coaching content",
	Properties: map[string]any{
		"approved": map[string]any{"type": "boolean"},
		"score":    map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
		"issues": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":        map[string]any{"type": "string", "enum": issueTypes},
					"description": map[string]any{"type": "string"},
					"severity":    map[string]any{"type": "string", "enum": []string{string(Minor), string(Major), string(Critical)}},
					"suggestion":  map[string]any{"type": "string"},
				},
				"required":             []string{"type", "description", "severity", "suggestion"},
				"additionalProperties": false,
			},
		},
		"must_fix":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"suggestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	Required: []string{"approved", "score", "issues", "must_fix", "suggestions"},
}

const reviewerSystem = `You are a quality critic for youth athlete coaching content.
Review the content for:
1. Voice compliance (no weak language, apologies, corporate speak)
2. Accuracy (factually correct, safe advice)
3. Safety (no dangerous recommendations)
4. Clarity (easy to understand, actionable)
5. Tone (confident, supportive, high energy)

Be strict. Only approve if quality is 80+.`

// LLMReviewer reviews with a structured-output call, normally on the DEEP
// tier.
type LLMReviewer struct {
	provider  adapter.StructuredCompleter
	model     string
	maxTokens int
	timeout   time.Duration
	logger    zerolog.Logger
}

// ReviewerOption configures an LLMReviewer.
type ReviewerOption func(*LLMReviewer)

// WithReviewTimeout sets the per-review deadline (default 90s).
func WithReviewTimeout(d time.Duration) ReviewerOption {
	return func(r *LLMReviewer) {
		r.timeout = d
	}
}

// WithReviewerLogger sets the logger.
func WithReviewerLogger(logger zerolog.Logger) ReviewerOption {
	return func(r *LLMReviewer) {
		r.logger = logger
	}
}

// NewLLMReviewer creates a reviewer calling model on provider.
func NewLLMReviewer(provider adapter.StructuredCompleter, model string, opts ...ReviewerOption) *LLMReviewer {
	r := &LLMReviewer{
		provider:  provider,
		model:     model,
		maxTokens: defaultReviewMaxTokens,
		timeout:   defaultReviewTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Review implements Reviewer.
func (r *LLMReviewer) Review(ctx context.Context, content, guidelines string) (Review, error) {
	if r.provider == nil {
		return Review{}, fmt.Errorf("no critic provider configured")
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	system := reviewerSystem
	if g := strings.TrimSpace(guidelines); g != "" {
		system += "\n\n" + g
	}
	raw, err := r.provider.CompleteStructured(ctx, adapter.StructuredRequest{
		Model:     r.model,
		System:    system,
		Prompt:    content,
		Schema:    reviewSchema,
		MaxTokens: r.maxTokens,
	})
	if err != nil {
		return Review{}, fmt.Errorf("critic review: %w", err)
	}

	review, err := parseReview(string(raw))
	if err != nil {
		r.logger.Warn().Err(err).Msg("critic output rejected")
		return Review{}, err
	}
	return review, nil
}

func parseReview(content string) (Review, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if !gjson.Valid(content) {
		return Review{}, fmt.Errorf("critic returned invalid JSON")
	}
	doc := gjson.Parse(content)

	approved := doc.Get("approved")
	if !approved.IsBool() {
		return Review{}, fmt.Errorf("critic review missing approved")
	}
	score := doc.Get("score")
	if score.Type != gjson.Number {
		return Review{}, fmt.Errorf("critic review missing score")
	}

	out := Review{
		Approved:    approved.Bool(),
		Score:       clampScore(score.Float()),
		MustFix:     stringList(doc, "must_fix", "mustFix"),
		Suggestions: stringList(doc, "suggestions"),
	}
	doc.Get("issues").ForEach(func(_, v gjson.Result) bool {
		desc := strings.TrimSpace(v.Get("description").String())
		if desc == "" {
			return true
		}
		out.Issues = append(out.Issues, Issue{
			Type:        strings.ToLower(strings.TrimSpace(v.Get("type").String())),
			Description: desc,
			Severity:    parseSeverity(v.Get("severity").String()),
			Fix:         strings.TrimSpace(v.Get("suggestion").String()),
		})
		return true
	})
	return out, nil
}

func clampScore(f float64) int {
	n := int(math.Round(f))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// parseSeverity maps unknown severities to Major.
func parseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case Minor:
		return Minor
	case Critical:
		return Critical
	default:
		return Major
	}
}

func stringList(doc gjson.Result, keys ...string) []string {
	var out []string
	for _, k := range keys {
		v := doc.Get(k)
		if !v.Exists() {
			continue
		}
		for _, item := range v.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				out = append(out, s)
			}
		}
		break
	}
	return out
}
