package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/memory"
)

const (
	// MaxEmbedChars is the longest text sent for embedding; longer text is
	// cut and suffixed with "...".
	MaxEmbedChars = 8000
	// EmbedBatchSize is the number of texts per embedding call.
	EmbedBatchSize = 100

	embedTimeout = 15 * time.Second
)

// EmbeddingStore persists vectors. *memory.Store implements it.
type EmbeddingStore interface {
	SaveEmbedding(ctx context.Context, e memory.Embedding) error
}

// ContentEmbed is the content/embed payload.
type ContentEmbed struct {
	ContentType string         `json:"content_type"`
	ContentID   string         `json:"content_id"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EmbedItem is one text in a batch.
type EmbedItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// BatchEmbed is the content/batch-embed payload.
type BatchEmbed struct {
	ContentType string      `json:"content_type"`
	Items       []EmbedItem `json:"items"`
}

// EmbedSummary is the result of both embedding jobs.
type EmbedSummary struct {
	ContentType string `json:"content_type"`
	Processed   int    `json:"processed"`
	Batches     int    `json:"batches,omitempty"`
	Dimensions  int    `json:"dimensions"`
	Model       string `json:"model"`
}

type validated struct {
	Text           string `json:"text"`
	OriginalLength int    `json:"original_length"`
}

// TruncateForEmbedding cuts text to MaxEmbedChars runes.
func TruncateForEmbedding(text string) string {
	if utf8.RuneCountInString(text) <= MaxEmbedChars {
		return text
	}
	return string([]rune(text)[:MaxEmbedChars]) + "..."
}

func embedOne(ctx context.Context, embedder adapter.Embedder, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// ContentEmbedJob embeds and stores a single piece of content.
func ContentEmbedJob(embedder adapter.Embedder, model string, store EmbeddingStore, logger zerolog.Logger) Definition {
	return Definition{
		Name:        "content-embed",
		Event:       EventContentEmbed,
		Retries:     3,
		Concurrency: Concurrency{Limit: 20},
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in ContentEmbed
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}

			v, err := Step(ctx, steps, "validate-content", func(context.Context) (validated, error) {
				if strings.TrimSpace(in.Text) == "" {
					return validated{}, fmt.Errorf("empty content for %s:%s", in.ContentType, in.ContentID)
				}
				if in.ContentType == "" || in.ContentID == "" {
					return validated{}, fmt.Errorf("content type and id are required")
				}
				return validated{Text: TruncateForEmbedding(in.Text), OriginalLength: len(in.Text)}, nil
			})
			if err != nil {
				return nil, err
			}

			vec, err := Step(ctx, steps, "generate-embedding", func(ctx context.Context) ([]float32, error) {
				vecs, err := embedOne(ctx, embedder, []string{v.Text})
				if err != nil {
					return nil, err
				}
				return vecs[0], nil
			})
			if err != nil {
				return nil, err
			}

			if _, err := Step(ctx, steps, "store-embedding", func(ctx context.Context) (bool, error) {
				return true, store.SaveEmbedding(ctx, memory.Embedding{
					ContentType: in.ContentType,
					ContentID:   in.ContentID,
					Model:       model,
					Vector:      vec,
				})
			}); err != nil {
				return nil, err
			}

			logger.Info().Str("content_type", in.ContentType).Str("content_id", in.ContentID).Int("dimensions", len(vec)).Msg("content embedded")
			return EmbedSummary{ContentType: in.ContentType, Processed: 1, Dimensions: len(vec), Model: model}, nil
		},
	}
}

// BatchEmbedJob embeds items in chunks of EmbedBatchSize, at most
// concurrency chunks at a time, then stores every vector.
func BatchEmbedJob(embedder adapter.Embedder, model string, store EmbeddingStore, concurrency int, logger zerolog.Logger) Definition {
	if concurrency < 1 {
		concurrency = 1
	}
	return Definition{
		Name:    "content-batch-embed",
		Event:   EventBatchEmbed,
		Retries: 2,
		Run: func(ctx context.Context, steps StepRunner, ev Event) (any, error) {
			var in BatchEmbed
			if err := ev.Decode(&in); err != nil {
				return nil, err
			}
			if in.ContentType == "" {
				return nil, fmt.Errorf("content type is required")
			}

			var batches [][]EmbedItem
			for i := 0; i < len(in.Items); i += EmbedBatchSize {
				end := min(i+EmbedBatchSize, len(in.Items))
				batches = append(batches, in.Items[i:end])
			}

			vectors := make([][][]float32, len(batches))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(concurrency)
			for n, batch := range batches {
				g.Go(func() error {
					texts := make([]string, len(batch))
					for i, item := range batch {
						texts[i] = TruncateForEmbedding(item.Text)
					}
					out, err := Step(gctx, steps, fmt.Sprintf("embed-batch-%d", n), func(ctx context.Context) ([][]float32, error) {
						return embedOne(ctx, embedder, texts)
					})
					if err != nil {
						return err
					}
					vectors[n] = out
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}

			stored, err := Step(ctx, steps, "store-all-embeddings", func(ctx context.Context) (int, error) {
				n := 0
				for b, batch := range batches {
					for i, item := range batch {
						if err := store.SaveEmbedding(ctx, memory.Embedding{
							ContentType: in.ContentType,
							ContentID:   item.ID,
							Model:       model,
							Vector:      vectors[b][i],
						}); err != nil {
							return n, err
						}
						n++
					}
				}
				return n, nil
			})
			if err != nil {
				return nil, err
			}

			dims := 0
			if len(vectors) > 0 && len(vectors[0]) > 0 {
				dims = len(vectors[0][0])
			}
			logger.Info().Str("content_type", in.ContentType).Int("stored", stored).Int("batches", len(batches)).Msg("batch embedded")
			return EmbedSummary{ContentType: in.ContentType, Processed: stored, Batches: len(batches), Dimensions: dims, Model: model}, nil
		},
	}
}
