package router

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
	defaultClassifyTimeout   = 10 * time.Second
	defaultClassifyMaxTokens = 300
)

// Classification is the validated classifier output.
type Classification struct {
	Intent     Intent    `json:"intent"`
	Sentiment  Sentiment `json:"sentiment"`
	Complexity int       `json:"complexity_score"`
	Reasoning  string    `json:"reasoning,omitempty"`
}

// Classifier turns a query into a Classification.
type Classifier interface {
	Classify(ctx context.Context, q Query) (Classification, error)
}

// ClassificationError reports that the classifier failed or returned
// something outside the closed set of intents and sentiments.
type ClassificationError struct {
	Err error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed: %v", e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

var classificationSchema = adapter.Schema{
	Name:        "classify_request",
	Description: "Classify the athlete's request for routing",
	Properties: map[string]any{
		"intent": map[string]any{
			"type": "string",
			"enum": []string{string(Execution), string(Coaching), string(Creation), string(Planning)},
		},
		"sentiment": map[string]any{
			"type": "string",
			"enum": []string{string(Neutral), string(Frustrated), string(Hype), string(Sad), string(Anxious)},
		},
		"complexity_score": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
		"reasoning":        map[string]any{"type": "string"},
	},
	Required: []string{"intent", "sentiment", "complexity_score", "reasoning"},
}

const classifierSystem = `You are the routing gatekeeper for an athlete coaching assistant.

INTENTS:
- EXECUTION: data lookups, simple workouts, product questions, scheduling. Complexity 1-6.
- COACHING: emotional content, analysis of stalled progress, injury concerns. Complexity 7-9.
- CREATION: visual requests such as posters, graphs, images.
- PLANNING: season plans, periodization, multi-month programs. Complexity 10.

SENTIMENT:
- NEUTRAL: standard request.
- HYPE: excitement or celebration.
- FRUSTRATED: disappointment, feeling stuck.
- SAD: dejection, giving up.
- ANXIOUS: worry or fear.

Consider both the explicit ask and the emotional state.`

// LLMClassifier classifies with a structured-output provider call.
type LLMClassifier struct {
	provider  adapter.StructuredCompleter
	model     string
	maxTokens int
	timeout   time.Duration
	logger    zerolog.Logger
}

// ClassifierOption configures an LLMClassifier.
type ClassifierOption func(*LLMClassifier)

// WithClassifyTimeout sets the per-call deadline (default 10s).
func WithClassifyTimeout(d time.Duration) ClassifierOption {
	return func(c *LLMClassifier) {
		c.timeout = d
	}
}

// WithClassifierLogger sets the logger.
func WithClassifierLogger(logger zerolog.Logger) ClassifierOption {
	return func(c *LLMClassifier) {
		c.logger = logger
	}
}

// NewLLMClassifier creates a classifier that calls model on provider.
func NewLLMClassifier(provider adapter.StructuredCompleter, model string, opts ...ClassifierOption) *LLMClassifier {
	c := &LLMClassifier{
		provider:  provider,
		model:     model,
		maxTokens: defaultClassifyMaxTokens,
		timeout:   defaultClassifyTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify calls the provider and validates its answer.
func (c *LLMClassifier) Classify(ctx context.Context, q Query) (Classification, error) {
	if c.provider == nil {
		return Classification{}, &ClassificationError{Err: fmt.Errorf("no classifier provider configured")}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.provider.CompleteStructured(ctx, adapter.StructuredRequest{
		Model:     c.model,
		System:    classifierSystem,
		Prompt:    buildClassifierPrompt(q),
		Schema:    classificationSchema,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return Classification{}, &ClassificationError{Err: err}
	}

	out, err := parseClassification(string(raw))
	if err != nil {
		c.logger.Warn().Err(err).Str("user_id", q.UserID).Msg("classifier output rejected")
		return Classification{}, &ClassificationError{Err: err}
	}
	return out, nil
}

func parseClassification(content string) (Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if !gjson.Valid(content) {
		return Classification{}, fmt.Errorf("classifier returned invalid JSON")
	}
	doc := gjson.Parse(content)

	intent, err := ParseIntent(doc.Get("intent").String())
	if err != nil {
		return Classification{}, err
	}
	sentiment, err := ParseSentiment(doc.Get("sentiment").String())
	if err != nil {
		return Classification{}, err
	}

	score := doc.Get("complexity_score")
	if !score.Exists() {
		score = doc.Get("complexityScore")
	}
	if score.Type != gjson.Number {
		return Classification{}, fmt.Errorf("missing complexity_score")
	}
	complexity := int(math.Round(score.Float()))
	if complexity < 1 || complexity > 10 {
		return Classification{}, fmt.Errorf("complexity_score %v out of range 1-10", score.Float())
	}

	return Classification{
		Intent:     intent,
		Sentiment:  sentiment,
		Complexity: complexity,
		Reasoning:  strings.TrimSpace(doc.Get("reasoning").String()),
	}, nil
}

func buildClassifierPrompt(q Query) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Athlete Query: %q\n", q.Text))

	if n := len(q.History); n > 0 {
		start := n - 4
		if start < 0 {
			start = 0
		}
		sb.WriteString("\nRecent conversation:\n")
		for _, m := range q.History[start:] {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", m.Role, m.Content))
		}
	}
	if len(q.RedFlags) > 0 {
		sb.WriteString("\nRed flags:\n")
		for _, f := range q.RedFlags {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", f.Severity, f.Category, f.Value))
		}
	}
	if q.DomainContext != "" {
		sb.WriteString("\nContext: ")
		sb.WriteString(q.DomainContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\nClassify this request.")
	return sb.String()
}
