package router

import (
	"context"
	"fmt"
	"strings"
)

// TriggerSet maps a label to the phrases that vote for it.
type TriggerSet map[string][]string

// DefaultIntentTriggers are the keyword votes used by HeuristicClassifier.
var DefaultIntentTriggers = TriggerSet{
	string(Planning): {"plan", "season", "offseason", "periodization", "program", "next month",
		"next 3 months", "next few months", "build me a", "design my", "schedule my"},
	string(Creation): {"poster", "image", "picture", "graphic", "wallpaper", "draw", "visual",
		"graph", "make me a", "create a"},
	string(Coaching): {"why", "feel", "feeling", "help", "hurts", "hurting", "injury", "injured",
		"improve", "improving", "stuck", "advice", "declining", "plateau", "quit", "quitting"},
	string(Execution): {"show", "what's my", "whats my", "how much", "reminder", "set", "log",
		"give me", "stats", "workout", "price", "when is"},
}

// DefaultSentimentTriggers are the keyword votes for sentiments.
var DefaultSentimentTriggers = TriggerSet{
	string(Sad):        {"i'm done", "im done", "giving up", "give up", "sad", "depressed", "defeated", "hopeless", "pointless"},
	string(Anxious):    {"scared", "nervous", "anxious", "worried", "afraid", "pressure", "freaking out"},
	string(Frustrated): {"quit", "quitting", "frustrated", "not working", "waste of time", "stuck", "plateau", "annoyed", "sick of"},
	string(Hype):       {"pr", "dunked", "let's go", "lets go", "crushed", "hyped", "new best", "personal record"},
}

// Precedence when vote counts tie.
var (
	intentOrder    = []Intent{Planning, Creation, Coaching, Execution}
	sentimentOrder = []Sentiment{Sad, Anxious, Frustrated, Hype}
)

// baseComplexity is the starting complexity estimate per intent.
var baseComplexity = map[Intent]int{
	Execution: 2,
	Coaching:  5,
	Creation:  3,
	Planning:  8,
}

// HeuristicClassifier classifies by keyword votes without a provider call.
// It backs offline runs and the CLI's route command.
type HeuristicClassifier struct {
	Intents    TriggerSet
	Sentiments TriggerSet
}

// NewHeuristicClassifier returns a classifier using the default triggers.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{Intents: DefaultIntentTriggers, Sentiments: DefaultSentimentTriggers}
}

// Classify never fails unless ctx is done.
func (h *HeuristicClassifier) Classify(ctx context.Context, q Query) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, &ClassificationError{Err: err}
	}
	text := strings.ToLower(q.Text)

	intent, intentHits := Coaching, 0
	for _, candidate := range intentOrder {
		if n := len(matchTriggers(text, h.Intents[string(candidate)])); n > intentHits {
			intent, intentHits = candidate, n
		}
	}

	sentiment, sentimentHits := Neutral, 0
	for _, candidate := range sentimentOrder {
		if n := len(matchTriggers(text, h.Sentiments[string(candidate)])); n > sentimentHits {
			sentiment, sentimentHits = candidate, n
		}
	}

	complexity := baseComplexity[intent] + len(strings.Fields(text))/25 + strings.Count(text, "?")/2
	if len(q.RedFlags) > 0 {
		complexity++
	}
	complexity = clamp(complexity, 1, 10)

	return Classification{
		Intent:     intent,
		Sentiment:  sentiment,
		Complexity: complexity,
		Reasoning:  fmt.Sprintf("heuristic: %d intent hits, %d sentiment hits", intentHits, sentimentHits),
	}, nil
}

// matchTriggers returns the triggers found in the lowercased text.
func matchTriggers(text string, triggers []string) []string {
	var matched []string
	for _, trig := range triggers {
		if containsTrigger(text, strings.ToLower(trig)) {
			matched = append(matched, trig)
		}
	}
	return matched
}

// containsTrigger checks if the text contains the trigger on word
// boundaries. Every occurrence is tried, so "pr" inside "improve" does not
// hide a later standalone "pr".
func containsTrigger(text, trigger string) bool {
	if trigger == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], trigger)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(trigger)

		before := start == 0 || !isWordChar(text[start-1])
		after := end == len(text) || !isWordChar(text[end])
		if before && after {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
