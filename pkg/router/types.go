package router

import (
	"fmt"
	"strings"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

// Intent is the coarse classification of what the user wants.
type Intent string

const (
	Execution Intent = "EXECUTION"
	Coaching  Intent = "COACHING"
	Creation  Intent = "CREATION"
	Planning  Intent = "PLANNING"
)

var intents = []Intent{Execution, Coaching, Creation, Planning}

// ParseIntent validates a raw intent string.
func ParseIntent(s string) (Intent, error) {
	key := Intent(strings.ToUpper(strings.TrimSpace(s)))
	for _, i := range intents {
		if i == key {
			return i, nil
		}
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

// Sentiment is the detected emotional state of the user.
type Sentiment string

const (
	Neutral    Sentiment = "NEUTRAL"
	Frustrated Sentiment = "FRUSTRATED"
	Hype       Sentiment = "HYPE"
	Sad        Sentiment = "SAD"
	Anxious    Sentiment = "ANXIOUS"
)

var sentiments = []Sentiment{Neutral, Frustrated, Hype, Sad, Anxious}

// ParseSentiment validates a raw sentiment string.
func ParseSentiment(s string) (Sentiment, error) {
	key := Sentiment(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range sentiments {
		if v == key {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown sentiment %q", s)
}

// Escalates reports whether the sentiment forces at least SMART.
func (s Sentiment) Escalates() bool {
	return s == Frustrated || s == Sad || s == Anxious
}

// RedFlag is a safety or context marker attached to a query by the host.
type RedFlag struct {
	Category string `json:"category"`
	Value    string `json:"value"`
	Severity string `json:"severity"`
}

// Query is one user utterance plus its context. It is not modified after
// construction.
type Query struct {
	UserID        string            `json:"user_id"`
	Text          string            `json:"text"`
	History       []adapter.Message `json:"history,omitempty"`
	DomainContext string            `json:"domain_context,omitempty"`
	RedFlags      []RedFlag         `json:"red_flags,omitempty"`
}

// Messages returns the history followed by the query text as a user turn.
func (q Query) Messages() []adapter.Message {
	out := make([]adapter.Message, 0, len(q.History)+1)
	out = append(out, q.History...)
	return append(out, adapter.Message{Role: adapter.RoleUser, Content: q.Text})
}
