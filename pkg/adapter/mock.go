package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	mu              sync.Mutex
	responses       map[string]string
	defaultResponse string
	structured      []json.RawMessage
	failures        map[string]error

	// Usage is reported on every completion.
	Usage Usage
	// Dimensions is the embedding vector size (default 8).
	Dimensions int

	calls           []CompletionRequest
	structuredCalls []StructuredRequest
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return NewMockAdapterWithResponses(nil, "")
}

// NewMockAdapterWithResponses creates a mock adapter with predefined
// responses keyed by the last user message.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if responses == nil {
		responses = make(map[string]string)
	}
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{
		responses:       responses,
		defaultResponse: defaultResponse,
		failures:        make(map[string]error),
		Usage:           Usage{InputTokens: 10, OutputTokens: 20},
		Dimensions:      8,
	}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// FailModel makes every call for model return err.
func (a *MockAdapter) FailModel(model string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[model] = err
}

// QueueStructured appends JSON objects returned by CompleteStructured in
// order. The last one repeats once the queue is drained.
func (a *MockAdapter) QueueStructured(objects ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range objects {
		a.structured = append(a.structured, json.RawMessage(o))
	}
}

// Calls returns a copy of the completion requests received.
func (a *MockAdapter) Calls() []CompletionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]CompletionRequest(nil), a.calls...)
}

// StructuredCalls returns a copy of the structured requests received.
func (a *MockAdapter) StructuredCalls() []StructuredRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]StructuredRequest(nil), a.structuredCalls...)
}

// Complete returns the scripted response for the last user message.
func (a *MockAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)

	model := req.Model
	if model == "" {
		model = "mock-1"
	}
	if err, ok := a.failures[model]; ok {
		return nil, err
	}

	prompt := lastUserMessage(req.Messages)
	text, ok := a.responses[prompt]
	if !ok {
		text = fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	}
	return &Completion{Text: text, Model: model, Usage: a.Usage, StopReason: "end_turn"}, nil
}

// Stream replays the Complete response word by word.
func (a *MockAdapter) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	comp, err := a.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range strings.SplitAfter(comp.Text, " ") {
		if chunk == "" {
			continue
		}
		if err := onDelta(chunk); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

// CompleteStructured returns the next queued object.
func (a *MockAdapter) CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.structuredCalls = append(a.structuredCalls, req)

	if err, ok := a.failures[req.Model]; ok {
		return nil, err
	}
	if len(a.structured) == 0 {
		return nil, fmt.Errorf("mock: no structured response queued for %s", req.Schema.Name)
	}
	out := a.structured[0]
	if len(a.structured) > 1 {
		a.structured = a.structured[1:]
	}
	return out, nil
}

// Embed returns a deterministic unit-free vector derived from each text.
func (a *MockAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := a.Dimensions
	if dims <= 0 {
		dims = 8
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, dims)
		for d := range vec {
			b := sum[(d*2)%len(sum):]
			vec[d] = float32(binary.BigEndian.Uint16(b[:2])) / 65535
		}
		out[i] = vec
	}
	return out, nil
}

// GenerateImage returns a tiny placeholder payload.
func (a *MockAdapter) GenerateImage(ctx context.Context, model, prompt string) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	err, failed := a.failures[model]
	a.mu.Unlock()
	if failed {
		return nil, err
	}
	return &Image{Data: []byte("mock-image:" + prompt), MIMEType: "image/png", Model: model}, nil
}
