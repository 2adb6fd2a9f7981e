// Package claude implements generator.Generator on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"livestory/internal/generator"
)

const (
	DefaultModel = "claude-3-5-haiku-latest"
	maxTokens    = 2048
)

var errAPIKeyRequired = errors.New("API key required")

// MessagesAPI is satisfied by *anthropic.MessageService.
type MessagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type Generator struct {
	messages MessagesAPI
	model    anthropic.Model
}

var _ generator.Generator = (*Generator)(nil)

// NewFromAPIKey builds a Generator with a real Anthropic client.
func NewFromAPIKey(apiKey, model string) (*Generator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", errAPIKeyRequired)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return New(&client.Messages, model), nil
}

func New(messages MessagesAPI, model string) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{messages: messages, model: anthropic.Model(model)}
}

func (g *Generator) Suggest(ctx context.Context, req generator.Request) (*generator.Response, error) {
	prompt, err := generator.BuildPrompt(req)
	if err != nil {
		return nil, err
	}
	message, err := g.messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: generator.SystemInstruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic API error (HTTP %d): %w", apiErr.StatusCode, err)
		}
		return nil, err
	}
	if len(message.Content) == 0 {
		return nil, errors.New("unexpected response format: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return nil, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}
	return generator.ParseResponse(content.Text)
}
