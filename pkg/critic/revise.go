package critic

import (
	"context"
	"fmt"
	"strings"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/tier"
	"github.com/zen-systems/coachgate/pkg/voice"
)

// RevisionPrompt asks for a corrected draft that addresses every issue.
func RevisionPrompt(req ReviseRequest) string {
	var sb strings.Builder

	sb.WriteString("The following draft failed review:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(req.Content)
	sb.WriteString("\n---\n\n")

	if len(req.Issues) > 0 {
		sb.WriteString("Issues found:\n")
		for _, issue := range req.Issues {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", issue.Severity, issue.Type, issue.Description))
			if issue.Fix != "" {
				sb.WriteString(fmt.Sprintf("  Fix: %s\n", issue.Fix))
			}
		}
	}
	writeList(&sb, "Must fix", req.MustFix)
	writeList(&sb, "Suggestions", req.Suggestions)

	sb.WriteString("\nRewrite the draft so every issue is resolved. Return only the revised draft.")
	return sb.String()
}

// StuckPrompt is used when the previous revision came back unchanged.
func StuckPrompt(req ReviseRequest) string {
	var sb strings.Builder

	sb.WriteString("The last revision repeated the rejected draft word for word.\n")
	sb.WriteString("Do NOT return the same text; restructure it.\n\n")

	sb.WriteString("Issues found:\n")
	for _, issue := range req.Issues {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", issue.Type, issue.Description))
	}
	writeList(&sb, "Must fix", req.MustFix)

	sb.WriteString("\nRejected draft:\n---\n")
	sb.WriteString(req.Content)
	sb.WriteString("\n---\n")
	sb.WriteString("\nReturn only a new draft that addresses the issues above.")
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("\n" + title + ":\n")
	for _, item := range items {
		sb.WriteString("- " + item + "\n")
	}
}

// NewLLMReviser returns a ReviseFunc that redrafts with completer using the
// tier spec's model and limits, then enforces the brand voice.
func NewLLMReviser(completer adapter.Completer, spec tier.Spec, enforcer *voice.Enforcer) ReviseFunc {
	if enforcer == nil {
		enforcer = voice.Default()
	}
	return func(ctx context.Context, req ReviseRequest) (string, error) {
		if spec.CallTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.CallTimeout)
			defer cancel()
		}
		prompt := RevisionPrompt(req)
		if req.Repeated {
			prompt = StuckPrompt(req)
		}
		comp, err := completer.Complete(ctx, adapter.CompletionRequest{
			Model:     spec.Model,
			System:    voice.Prefix(spec.Tier),
			Messages:  []adapter.Message{{Role: adapter.RoleUser, Content: prompt}},
			MaxTokens: spec.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("revise attempt %d: %w", req.Attempt, err)
		}
		text := strings.TrimSpace(comp.Text)
		if text == "" {
			return "", fmt.Errorf("revise attempt %d: empty draft", req.Attempt)
		}
		return enforcer.Enforce(text), nil
	}
}
