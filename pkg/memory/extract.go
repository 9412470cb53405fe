// Package memory extracts durable athlete facts from conversations and
// stores them, with their embeddings, in Redis.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Type classifies a memory.
type Type string

const (
	Injury     Type = "injury"
	Goal       Type = "goal"
	Progress   Type = "progress"
	Emotion    Type = "emotion"
	Preference Type = "preference"
	Context    Type = "context"
)

// Extraction confidences per memory type.
const (
	InjuryConfidence   = 0.9
	ProgressConfidence = 0.85
	GoalConfidence     = 0.8
	EmotionConfidence  = 0.75

	// EmbedThreshold is the minimum confidence for a memory to be embedded.
	EmbedThreshold = 0.8
)

const snippetLen = 100

// Memory is one extracted fact.
type Memory struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Type           Type      `json:"type"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// NodeUpdate adjusts one node of the athlete's body/metric graph.
type NodeUpdate struct {
	Key        string `json:"key"`
	Category   string `json:"category"`
	ScoreDelta int    `json:"score_delta"`
	Status     string `json:"status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

var (
	painPatterns = []*regexp.Regexp{
		regexp.MustCompile(`my (\w+) (hurts?|aches?|is sore|is (swollen|stiff|tight))`),
		regexp.MustCompile(`(\w+) (pain|injury|strain|sprain)`),
		regexp.MustCompile(`(tweaked|rolled|pulled|injured) my (\w+)`),
	}
	progressPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(hit|got|reached|achieved) (\d+)( inch| inches| cm)? (vertical|vert)`),
		regexp.MustCompile(`\b(pr|personal record|new best|pb)\b`),
		regexp.MustCompile(`(improved|increased|better) (my )?(\w+)`),
		regexp.MustCompile(`i (can now|finally|just) (\w+)`),
	}
	goalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`i want to (\w+)`),
		regexp.MustCompile(`my goal is (to )?(\w+)`),
		regexp.MustCompile(`trying to (\w+)`),
		regexp.MustCompile(`working (on|towards) (\w+)`),
	}
	negativeWords = `(hurt|pain|sore|injury|strain|swollen|stiff|tight)`
)

// BodyParts are the graph nodes detected in messages.
var BodyParts = []string{
	"ankle", "knee", "hip", "back", "shoulder", "wrist",
	"elbow", "calf", "hamstring", "quad", "glute", "core",
	"foot", "achilles", "shin", "groin", "neck",
}

var bodyPartPain = func() map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(BodyParts))
	for _, part := range BodyParts {
		out[part] = regexp.MustCompile(regexp.QuoteMeta(part) + `[^.]*?` + negativeWords)
	}
	return out
}()

// Extract pulls memories from a user message. The sentiment adds an
// emotion memory unless it is empty or NEUTRAL. IDs and timestamps are
// left for Assign.
func Extract(message, sentiment string) []Memory {
	lower := strings.ToLower(message)
	var out []Memory

	add := func(patterns []*regexp.Regexp, prefix string, typ Type, confidence float64) {
		for _, re := range patterns {
			for _, m := range re.FindAllString(lower, -1) {
				out = append(out, Memory{Content: prefix + m, Type: typ, Confidence: confidence})
			}
		}
	}
	add(painPatterns, "Athlete reported: ", Injury, InjuryConfidence)
	add(progressPatterns, "Progress update: ", Progress, ProgressConfidence)
	add(goalPatterns, "Goal mentioned: ", Goal, GoalConfidence)

	if s := strings.ToUpper(strings.TrimSpace(sentiment)); s != "" && s != "NEUTRAL" {
		out = append(out, Memory{
			Content:    fmt.Sprintf("Emotional state detected: %s - %q", s, snippet(message)),
			Type:       Emotion,
			Confidence: EmotionConfidence,
		})
	}
	return out
}

// NodeUpdates finds body parts mentioned with pain (score -2, "Sore") and,
// when the message reports progress, every mentioned part (score +1,
// "Improving").
func NodeUpdates(message string) []NodeUpdate {
	lower := strings.ToLower(message)
	var out []NodeUpdate

	for _, part := range BodyParts {
		if strings.Contains(lower, part) && bodyPartPain[part].MatchString(lower) {
			out = append(out, NodeUpdate{
				Key:        part,
				Category:   "body_part",
				ScoreDelta: -2,
				Status:     "Sore",
				Notes:      "Conversation mention: " + snippet(message),
			})
		}
	}

	progress := false
	for _, re := range progressPatterns {
		if re.MatchString(lower) {
			progress = true
			break
		}
	}
	if progress {
		for _, part := range BodyParts {
			if strings.Contains(lower, part) {
				out = append(out, NodeUpdate{
					Key:        part,
					Category:   "body_part",
					ScoreDelta: 1,
					Status:     "Improving",
					Notes:      "Progress noted: " + snippet(message),
				})
			}
		}
	}
	return out
}

// Assign stamps deterministic IDs onto memories so re-running extraction
// for the same conversation overwrites instead of duplicating.
func Assign(memories []Memory, userID, conversationID string, now time.Time) []Memory {
	out := make([]Memory, len(memories))
	for i, m := range memories {
		m.ID = ID(userID, conversationID, i)
		m.UserID = userID
		m.ConversationID = conversationID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now.UTC()
		}
		out[i] = m
	}
	return out
}

// ID derives a memory ID from its position in a conversation.
func ID(userID, conversationID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", userID, conversationID, index)))
	return "mem_" + hex.EncodeToString(sum[:12])
}

// HighValue returns the memories worth embedding.
func HighValue(memories []Memory) []Memory {
	var out []Memory
	for _, m := range memories {
		if m.Confidence >= EmbedThreshold {
			out = append(out, m)
		}
	}
	return out
}

func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetLen {
		return s
	}
	return string([]rune(s)[:snippetLen])
}
