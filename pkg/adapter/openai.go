package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zen-systems/coachgate/pkg/config"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// EmbeddingDimensions is the vector size of the default embedding model.
const EmbeddingDimensions = 1536

// OpenAIAdapter serves completions, structured output and embeddings
// through the OpenAI chat API. DeepSeek speaks the same protocol and is
// served by the same adapter with a different base URL.
type OpenAIAdapter struct {
	client     openai.Client
	name       string
	embedModel openai.EmbeddingModel
	// legacyMaxTokens sends max_tokens instead of max_completion_tokens for
	// OpenAI-compatible servers that predate the newer field.
	legacyMaxTokens bool
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, config.MissingCredential("openai", "OPENAI_API_KEY")
	}

	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIAdapter{
		client:     client,
		name:       "openai",
		embedModel: openai.EmbeddingModelTextEmbedding3Small,
	}, nil
}

// NewDeepSeekAdapter creates an adapter for DeepSeek's OpenAI-compatible API.
func NewDeepSeekAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, config.MissingCredential("deepseek", "DEEPSEEK_API_KEY")
	}

	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithBaseURL(deepseekBaseURL)}
	client := openai.NewClient(append(base, opts...)...)
	return &OpenAIAdapter{
		client:          client,
		name:            "deepseek",
		legacyMaxTokens: true,
	}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Complete sends the conversation to the chat completions endpoint.
func (a *OpenAIAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	params := a.chatParams(req.Model, req.MaxTokens, toOpenAIMessages(req.System, req.Messages))

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.name)
	}

	return &Completion{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: resp.Choices[0].FinishReason,
	}, nil
}

// Stream requests a streamed chat completion with usage in the final chunk.
func (a *OpenAIAdapter) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	params := a.chatParams(req.Model, req.MaxTokens, toOpenAIMessages(req.System, req.Messages))
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := onDelta(chunk.Choices[0].Delta.Content); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("%s stream returned no choices", a.name)
	}

	return &Completion{
		Text:  acc.Choices[0].Message.Content,
		Model: acc.Model,
		Usage: Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
		},
		StopReason: acc.Choices[0].FinishReason,
	}, nil
}

// CompleteStructured requests a strict JSON-schema response.
func (a *OpenAIAdapter) CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	msgs := toOpenAIMessages(req.System, []Message{{Role: RoleUser, Content: req.Prompt}})
	params := a.chatParams(req.Model, req.MaxTokens, msgs)

	format := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   req.Schema.Name,
		Schema: req.Schema.JSONSchema(),
		Strict: openai.Bool(true),
	}
	if req.Schema.Description != "" {
		format.Description = openai.String(req.Schema.Description)
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: format},
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", a.name)
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("%s returned invalid JSON for %s", a.name, req.Schema.Name)
	}
	return json.RawMessage(content), nil
}

// Embed returns one vector per input text.
func (a *OpenAIAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if a.embedModel == "" {
		return nil, fmt.Errorf("%s adapter does not support embeddings", a.name)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: a.embedModel,
	})
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", a.name, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("%s returned embedding index %d out of range", a.name, d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (a *OpenAIAdapter) chatParams(model string, maxTokens int, msgs []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if maxTokens > 0 {
		if a.legacyMaxTokens {
			params.MaxTokens = openai.Int(int64(maxTokens))
		} else {
			params.MaxCompletionTokens = openai.Int(int64(maxTokens))
		}
	}
	return params
}

func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, openai.AssistantMessage(m.Content))
			continue
		}
		out = append(out, openai.UserMessage(m.Content))
	}
	return out
}
