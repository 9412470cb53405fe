package assess

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

// Recommendation is the training load advised for the day.
type Recommendation string

const (
	FullSend Recommendation = "full_send"
	Moderate Recommendation = "moderate"
	Light    Recommendation = "light"
	Rest     Recommendation = "rest"
)

// Factors are the 1-10 sub-scores behind a readiness call.
type Factors struct {
	Sleep      int `json:"sleep"`
	Soreness   int `json:"soreness"`
	Energy     int `json:"energy"`
	Motivation int `json:"motivation"`
	Stress     int `json:"stress"`
}

// Readiness is a validated readiness assessment.
type Readiness struct {
	OverallScore   int            `json:"overall_score"`
	Factors        Factors        `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
	Reasoning      string         `json:"reasoning"`
}

func factorSchema() map[string]any {
	return map[string]any{"type": "integer", "minimum": 1, "maximum": 10}
}

var readinessSchema = adapter.Schema{
	Name:        "readiness_assessment",
	Description: "Score the athlete's readiness to train today",
	Properties: map[string]any{
		"overall_score": factorSchema(),
		"factors": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sleep":      factorSchema(),
				"soreness":   factorSchema(),
				"energy":     factorSchema(),
				"motivation": factorSchema(),
				"stress":     factorSchema(),
			},
			"required":             []string{"sleep", "soreness", "energy", "motivation", "stress"},
			"additionalProperties": false,
		},
		"recommendation": map[string]any{
			"type": "string",
			"enum": []string{string(FullSend), string(Moderate), string(Light), string(Rest)},
		},
		"reasoning": map[string]any{"type": "string"},
	},
	Required: []string{"overall_score", "factors", "recommendation", "reasoning"},
}

const readinessSystem = `You are a readiness assessment system for athletes.
Analyze the athlete's check-in and recent history to score how ready they are to train today.
Consider sleep, soreness, energy, motivation, and stress. Score each from 1 to 10.
Provide a clear recommendation: full_send, moderate, light, or rest.`

// ReadinessAssessor scores daily check-ins. It runs on the SMART tier.
type ReadinessAssessor struct {
	caller
}

// NewReadinessAssessor creates an assessor calling model on provider.
func NewReadinessAssessor(provider adapter.StructuredCompleter, model string, opts ...Option) *ReadinessAssessor {
	return &ReadinessAssessor{caller: newCaller(provider, model, opts)}
}

// Assess scores today's check-in against recent history.
func (a *ReadinessAssessor) Assess(ctx context.Context, checkIn, history string) (Readiness, error) {
	if strings.TrimSpace(checkIn) == "" {
		return Readiness{}, &Error{Op: "readiness", Err: fmt.Errorf("empty check-in")}
	}
	if strings.TrimSpace(history) == "" {
		history = "none"
	}
	prompt := fmt.Sprintf("Recent History: %s\n\nToday's Check-in: %s", history, checkIn)

	doc, err := a.call(ctx, "readiness", readinessSystem, prompt, readinessSchema)
	if err != nil {
		return Readiness{}, err
	}
	out, err := parseReadiness(doc)
	if err != nil {
		a.logger.Warn().Err(err).Msg("readiness output rejected")
		return Readiness{}, &Error{Op: "readiness", Err: err}
	}
	return out, nil
}

func parseReadiness(doc gjson.Result) (Readiness, error) {
	var out Readiness
	var err error
	if out.OverallScore, err = score(doc, "overall_score"); err != nil {
		return Readiness{}, err
	}
	fields := []struct {
		path string
		dst  *int
	}{
		{"factors.sleep", &out.Factors.Sleep},
		{"factors.soreness", &out.Factors.Soreness},
		{"factors.energy", &out.Factors.Energy},
		{"factors.motivation", &out.Factors.Motivation},
		{"factors.stress", &out.Factors.Stress},
	}
	for _, f := range fields {
		if *f.dst, err = score(doc, f.path); err != nil {
			return Readiness{}, err
		}
	}
	if out.Recommendation, err = oneOf(doc, "recommendation", FullSend, Moderate, Light, Rest); err != nil {
		return Readiness{}, err
	}
	out.Reasoning = strings.TrimSpace(doc.Get("reasoning").String())
	return out, nil
}
