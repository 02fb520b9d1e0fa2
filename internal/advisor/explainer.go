package advisor

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// TextExplainer generates natural-language text for explanations. The
// structured explanation never depends on it; implementations only add
// prose.
type TextExplainer interface {
	// GenerateText produces a short natural-language answer to the prompt
	GenerateText(ctx context.Context, prompt string) (string, error)

	// Configured reports whether the explainer can generate text
	Configured() bool
}

// NopExplainer is used when no external text generator is configured
type NopExplainer struct{}

// GenerateText implements TextExplainer
func (NopExplainer) GenerateText(context.Context, string) (string, error) { return "", nil }

// Configured implements TextExplainer
func (NopExplainer) Configured() bool { return false }

// AnthropicExplainer generates explanation prose with the Anthropic API
type AnthropicExplainer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicExplainer creates an explainer backed by the Anthropic API
func NewAnthropicExplainer(apiKey, model string, maxTokens int64) *AnthropicExplainer {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicExplainer{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Configured implements TextExplainer
func (a *AnthropicExplainer) Configured() bool { return true }

// GenerateText implements TextExplainer
func (a *AnthropicExplainer) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("text generation failed: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
