package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zen-systems/coachgate/pkg/config"
)

// AnthropicAdapter serves the text tiers and structured calls with Claude
// models.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string, opts ...option.RequestOption) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, config.MissingCredential("anthropic", "ANTHROPIC_API_KEY")
	}

	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &AnthropicAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Complete sends the conversation to Claude and returns the text blocks.
func (a *AnthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	resp, err := a.client.Messages.New(ctx, messageParams(req))
	if err != nil {
		return nil, wrapError(a.Name(), err)
	}
	return completionFromMessage(resp), nil
}

// Stream sends the conversation with server-sent events and forwards each
// text delta.
func (a *AnthropicAdapter) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	stream := a.client.Messages.NewStreaming(ctx, messageParams(req))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic stream: %w", err)
		}
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			if err := onDelta(delta.Text); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError(a.Name(), err)
	}
	return completionFromMessage(&message), nil
}

func messageParams(req CompletionRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func completionFromMessage(resp *anthropic.Message) *Completion {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:  content.String(),
		Model: string(resp.Model),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		StopReason: string(resp.StopReason),
	}
}

// CompleteStructured forces a single tool call whose input schema is the
// requested schema, and returns the tool input.
func (a *AnthropicAdapter) CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	schema := anthropic.ToolInputSchemaParam{
		Properties: req.Schema.Properties,
		Required:   req.Schema.Required,
	}
	tool := anthropic.ToolUnionParamOfTool(schema, req.Schema.Name)
	if tool.OfTool != nil && req.Schema.Description != "" {
		tool.OfTool.Description = anthropic.String(req.Schema.Description)
	}

	params := anthropic.MessageNewParams{
		Model:      anthropic.Model(req.Model),
		MaxTokens:  int64(req.MaxTokens),
		Messages:   []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Tools:      []anthropic.ToolUnionParam{tool},
		ToolChoice: anthropic.ToolChoiceParamOfTool(req.Schema.Name),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapError(a.Name(), err)
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == req.Schema.Name {
			return block.Input, nil
		}
	}
	return nil, fmt.Errorf("anthropic returned no %s tool call", req.Schema.Name)
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}
