package adapter

import (
	"context"
	"encoding/json"
)

// Completer is the synchronous text generation capability used by the
// text tiers.
type Completer interface {
	// Complete sends a system prompt and conversation to the model.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Name returns the adapter's identifier.
	Name() string
}

// StructuredCompleter returns a JSON object conforming to a schema. It backs
// classification and critic review.
type StructuredCompleter interface {
	CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ImageGenerator renders an image from a prompt. It backs the CREATIVE
// tier's asynchronous jobs.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (*Image, error)
}

// Streamer delivers a completion incrementally. onDelta receives raw text
// chunks in order and can stop the stream by returning an error. The
// returned Completion carries the full text and usage.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error)
}
