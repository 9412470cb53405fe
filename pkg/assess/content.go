package assess

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

// Category is the coaching area a piece of content belongs to.
type Category string

const (
	Training  Category = "training"
	Nutrition Category = "nutrition"
	Recovery  Category = "recovery"
	Mindset   Category = "mindset"
	Injury    Category = "injury"
	General   Category = "general"
)

// Urgency says how soon content needs attention.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// maxTopics bounds the topic list kept from a classification.
const maxTopics = 8

// ContentClassification is a validated content label.
type ContentClassification struct {
	Category   Category `json:"category"`
	Topics     []string `json:"topics"`
	Actionable bool     `json:"actionable"`
	Urgency    Urgency  `json:"urgency"`
}

var contentSchema = adapter.Schema{
	Name:        "classify_content",
	Description: "Label coaching content by category and urgency",
	Properties: map[string]any{
		"category": map[string]any{
			"type": "string",
			"enum": []string{string(Training), string(Nutrition), string(Recovery), string(Mindset), string(Injury), string(General)},
		},
		"topics":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"actionable": map[string]any{"type": "boolean"},
		"urgency": map[string]any{
			"type": "string",
			"enum": []string{string(UrgencyLow), string(UrgencyMedium), string(UrgencyHigh)},
		},
	},
	Required: []string{"category", "topics", "actionable", "urgency"},
}

const contentSystem = `You are a content classifier for sports coaching.
Classify the content into the appropriate category and extract topics.
Determine if it's actionable and its urgency level.`

// ContentClassifier labels free text. It runs on the FAST tier.
type ContentClassifier struct {
	caller
}

// NewContentClassifier creates a classifier calling model on provider.
func NewContentClassifier(provider adapter.StructuredCompleter, model string, opts ...Option) *ContentClassifier {
	return &ContentClassifier{caller: newCaller(provider, model, opts)}
}

// Classify labels content.
func (c *ContentClassifier) Classify(ctx context.Context, content string) (ContentClassification, error) {
	if strings.TrimSpace(content) == "" {
		return ContentClassification{}, &Error{Op: "classify content", Err: fmt.Errorf("empty content")}
	}
	doc, err := c.call(ctx, "classify content", contentSystem, "Content: "+content, contentSchema)
	if err != nil {
		return ContentClassification{}, err
	}
	out, err := parseContent(doc)
	if err != nil {
		c.logger.Warn().Err(err).Msg("content classification rejected")
		return ContentClassification{}, &Error{Op: "classify content", Err: err}
	}
	return out, nil
}

func parseContent(doc gjson.Result) (ContentClassification, error) {
	var out ContentClassification
	var err error
	if out.Category, err = oneOf(doc, "category", Training, Nutrition, Recovery, Mindset, Injury, General); err != nil {
		return ContentClassification{}, err
	}
	if out.Urgency, err = oneOf(doc, "urgency", UrgencyLow, UrgencyMedium, UrgencyHigh); err != nil {
		return ContentClassification{}, err
	}

	actionable := doc.Get("actionable")
	if !actionable.IsBool() {
		return ContentClassification{}, fmt.Errorf("missing actionable")
	}
	out.Actionable = actionable.Bool()

	out.Topics = []string{}
	seen := make(map[string]bool)
	for _, t := range doc.Get("topics").Array() {
		topic := strings.ToLower(strings.TrimSpace(t.String()))
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		out.Topics = append(out.Topics, topic)
		if len(out.Topics) == maxTopics {
			break
		}
	}
	return out, nil
}
