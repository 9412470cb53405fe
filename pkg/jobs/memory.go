package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/coachgate/pkg/memory"
)

// MemoryStore is what the memory jobs persist to. *memory.Store implements it.
type MemoryStore interface {
	SaveMemories(ctx context.Context, memories []memory.Memory) ([]string, error)
	ApplyNodeUpdates(ctx context.Context, userID, conversationID string, updates []memory.NodeUpdate) ([]string, error)
	SaveMessages(ctx context.Context, userID, conversationID, userMessage, assistantResponse string) error
	Pending(ctx context.Context, userID string) ([]memory.Memory, error)
	MarkProcessed(ctx context.Context, userID string, ids []string) error
	Nodes(ctx context.Context, userID string) ([]memory.Node, error)
}

// MemoryIngest is the memory/ingest payload, sent after each exchange.
type MemoryIngest struct {
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	Intent            string `json:"intent,omitempty"`
	Sentiment         string `json:"sentiment,omitempty"`
	VoiceScore        int    `json:"voice_score,omitempty"`
}

// MemoryIngestSummary is the memory-ingest job result.
type MemoryIngestSummary struct {
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id"`
	MemoriesExtracted int    `json:"memories_extracted"`
	MemoriesStored    int    `json:"memories_stored"`
	NodesUpdated      int    `json:"nodes_updated"`
	EmbeddingsQueued  int    `json:"embeddings_queued"`
}

// MemoryIngestJob extracts memories and node updates from one exchange,
// stores them with the messages, and queues embeddings for high-value
// memories.
func MemoryIngestJob(store MemoryStore, events Sender, logger zerolog.Logger) Definition {
	return Definition{
		Name:        "memory-ingest",
		Event:       EventMemoryIngest,
		Retries:     3,
		Concurrency: Concurrency{Key: "user_id", Limit: 5},
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in MemoryIngest
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}
			createdAt := ev.SentAt
			if createdAt.IsZero() {
				createdAt = time.Unix(0, 0)
			}

			memories, err := Step(ctx, steps, "extract-memories", func(context.Context) ([]memory.Memory, error) {
				out := memory.Assign(memory.Extract(in.UserMessage, in.Sentiment), in.UserID, in.ConversationID, createdAt)
				logger.Info().Str("user_id", in.UserID).Int("count", len(out)).Msg("extracted memories")
				return out, nil
			})
			if err != nil {
				return nil, err
			}

			updates, err := Step(ctx, steps, "identify-node-updates", func(context.Context) ([]memory.NodeUpdate, error) {
				return memory.NodeUpdates(in.UserMessage), nil
			})
			if err != nil {
				return nil, err
			}

			stored, err := Step(ctx, steps, "store-memories", func(ctx context.Context) ([]string, error) {
				return store.SaveMemories(ctx, memories)
			})
			if err != nil {
				return nil, err
			}

			nodes, err := Step(ctx, steps, "update-nodes", func(ctx context.Context) ([]string, error) {
				return store.ApplyNodeUpdates(ctx, in.UserID, in.ConversationID, updates)
			})
			if err != nil {
				return nil, err
			}

			if _, err := Step(ctx, steps, "store-messages", func(ctx context.Context) (bool, error) {
				return true, store.SaveMessages(ctx, in.UserID, in.ConversationID, in.UserMessage, in.AssistantResponse)
			}); err != nil {
				return nil, err
			}

			queued, err := Step(ctx, steps, "queue-embeddings", func(ctx context.Context) (int, error) {
				n := 0
				for _, m := range memory.HighValue(memories) {
					embed, err := NewEvent(EventContentEmbed, in.UserID, ContentEmbed{
						ContentType: "memory",
						ContentID:   m.ID,
						Text:        m.Content,
					})
					if err != nil {
						return n, err
					}
					if _, err := events.Send(ctx, embed); err != nil {
						return n, err
					}
					n++
				}
				return n, nil
			})
			if err != nil {
				return nil, err
			}

			return MemoryIngestSummary{
				UserID:            in.UserID,
				ConversationID:    in.ConversationID,
				MemoriesExtracted: len(memories),
				MemoriesStored:    len(stored),
				NodesUpdated:      len(nodes),
				EmbeddingsQueued:  queued,
			}, nil
		},
	}
}

// MemoryConsolidate is the memory/consolidate payload.
type MemoryConsolidate struct {
	UserID string `json:"user_id"`
}

// ConsolidationSummary is the memory-consolidate job result.
type ConsolidationSummary struct {
	UserID            string              `json:"user_id"`
	MemoriesProcessed int                 `json:"memories_processed"`
	ByType            map[memory.Type]int `json:"by_type"`
	SoreNodes         []string            `json:"sore_nodes,omitempty"`
}

// MemoryConsolidateJob folds pending memories into a per-type summary,
// reports the nodes currently scored below zero, and clears the pending
// set.
func MemoryConsolidateJob(store MemoryStore, logger zerolog.Logger) Definition {
	return Definition{
		Name:        "memory-consolidate",
		Event:       EventMemoryConsolidate,
		Retries:     2,
		Concurrency: Concurrency{Key: "user_id", Limit: 1},
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in MemoryConsolidate
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}

			pending, err := Step(ctx, steps, "fetch-unprocessed", func(ctx context.Context) ([]memory.Memory, error) {
				return store.Pending(ctx, in.UserID)
			})
			if err != nil {
				return nil, err
			}

			summary, err := Step(ctx, steps, "analyze-patterns", func(ctx context.Context) (ConsolidationSummary, error) {
				out := ConsolidationSummary{UserID: in.UserID, MemoriesProcessed: len(pending), ByType: map[memory.Type]int{}}
				for _, m := range pending {
					out.ByType[m.Type]++
				}
				nodes, err := store.Nodes(ctx, in.UserID)
				if err != nil {
					return out, err
				}
				for _, n := range nodes {
					if n.Score < 0 {
						out.SoreNodes = append(out.SoreNodes, n.Key)
					}
				}
				return out, nil
			})
			if err != nil {
				return nil, err
			}

			if _, err := Step(ctx, steps, "mark-processed", func(ctx context.Context) (int, error) {
				ids := make([]string, len(pending))
				for i, m := range pending {
					ids[i] = m.ID
				}
				return len(ids), store.MarkProcessed(ctx, in.UserID, ids)
			}); err != nil {
				return nil, err
			}

			logger.Info().Str("user_id", in.UserID).Int("processed", summary.MemoriesProcessed).Msg("memories consolidated")
			return summary, nil
		},
	}
}
