package adapter

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/zen-systems/coachgate/pkg/config"
)

// GoogleAdapter renders CREATIVE assets with Imagen and can serve text
// tiers with Gemini.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google adapter.
func NewGoogleAdapter(ctx context.Context, apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, config.MissingCredential("google", "GOOGLE_API_KEY")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{
		client: client,
	}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Complete sends the conversation to Gemini.
func (a *GoogleAdapter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	contents, cfg := geminiRequest(req)
	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, wrapError(a.Name(), err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("google returned no candidates")
	}

	out := &Completion{Text: resp.Text(), Model: req.Model}
	applyGeminiMetadata(out, resp)
	return out, nil
}

// Stream forwards each streamed Gemini response chunk.
func (a *GoogleAdapter) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	contents, cfg := geminiRequest(req)
	out := &Completion{Model: req.Model}
	var text strings.Builder
	for resp, err := range a.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return nil, wrapError(a.Name(), err)
		}
		if resp == nil {
			continue
		}
		if chunk := resp.Text(); chunk != "" {
			text.WriteString(chunk)
			if err := onDelta(chunk); err != nil {
				return nil, err
			}
		}
		applyGeminiMetadata(out, resp)
	}
	out.Text = text.String()
	return out, nil
}

func geminiRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{MaxOutputTokens: int32(req.MaxTokens)}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return contents, cfg
}

func applyGeminiMetadata(out *Completion, resp *genai.GenerateContentResponse) {
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
}

// GenerateImage renders a single PNG for a creative prompt.
func (a *GoogleAdapter) GenerateImage(ctx context.Context, model, prompt string) (*Image, error) {
	resp, err := a.client.Models.GenerateImages(ctx, model, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return nil, wrapError(a.Name(), err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, fmt.Errorf("google returned no images")
	}

	img := resp.GeneratedImages[0]
	if img.RAIFilteredReason != "" {
		return nil, fmt.Errorf("google filtered image: %s", img.RAIFilteredReason)
	}
	mime := img.Image.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &Image{Data: img.Image.ImageBytes, MIMEType: mime, Model: model}, nil
}
