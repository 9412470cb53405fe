package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

func TestLLMClassifierParsesToolOutput(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.QueueStructured(`{"intent":"COACHING","sentiment":"FRUSTRATED","complexity_score":3,"reasoning":"wants to quit"}`)

	c := NewLLMClassifier(mock, "claude-haiku-4-5-20251001")
	got, err := c.Classify(context.Background(), Query{UserID: "u1", Text: "I feel like quitting"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	want := Classification{Intent: Coaching, Sentiment: Frustrated, Complexity: 3, Reasoning: "wants to quit"}
	if got != want {
		t.Fatalf("classification = %+v, want %+v", got, want)
	}

	calls := mock.StructuredCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 structured call, got %d", len(calls))
	}
	if calls[0].Schema.Name != "classify_request" {
		t.Fatalf("unexpected schema %q", calls[0].Schema.Name)
	}
	if !strings.Contains(calls[0].Prompt, "I feel like quitting") {
		t.Fatalf("prompt missing query: %s", calls[0].Prompt)
	}
}

func TestParseClassificationRejectsInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"not json":          `sure, COACHING`,
		"unknown intent":    `{"intent":"SMALLTALK","sentiment":"NEUTRAL","complexity_score":2}`,
		"unknown sentiment": `{"intent":"EXECUTION","sentiment":"ANGRY","complexity_score":2}`,
		"missing score":     `{"intent":"EXECUTION","sentiment":"NEUTRAL"}`,
		"score as string":   `{"intent":"EXECUTION","sentiment":"NEUTRAL","complexity_score":"2"}`,
		"score too high":    `{"intent":"EXECUTION","sentiment":"NEUTRAL","complexity_score":11}`,
		"score too low":     `{"intent":"EXECUTION","sentiment":"NEUTRAL","complexity_score":0}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseClassification(raw); err == nil {
				t.Fatalf("expected error for %s", raw)
			}
		})
	}
}

func TestParseClassificationTolerantForms(t *testing.T) {
	raw := "```json\n{\"intent\":\"planning\",\"sentiment\":\"hype\",\"complexityScore\":9.6}\n```"
	got, err := parseClassification(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Intent != Planning || got.Sentiment != Hype || got.Complexity != 10 {
		t.Fatalf("unexpected classification %+v", got)
	}
}

func TestLLMClassifierWrapsProviderFailure(t *testing.T) {
	mock := adapter.NewMockAdapter()
	mock.FailModel("fast", errors.New("overloaded"))

	_, err := NewLLMClassifier(mock, "fast").Classify(context.Background(), Query{Text: "hi"})
	var ce *ClassificationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClassificationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestBuildClassifierPromptIncludesContext(t *testing.T) {
	prompt := buildClassifierPrompt(Query{
		Text: "knee feels off",
		History: []adapter.Message{
			{Role: adapter.RoleUser, Content: "did squats"},
			{Role: adapter.RoleAssistant, Content: "Copy."},
		},
		DomainContext: "Durability 62/100",
		RedFlags:      []RedFlag{{Category: "injury", Value: "knee", Severity: "high"}},
	})
	for _, want := range []string{"knee feels off", "user: did squats", "[high] injury: knee", "Context: Durability 62/100"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
