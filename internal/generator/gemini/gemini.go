// Package gemini implements generator.Generator on Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"livestory/internal/generator"
)

const DefaultModel = "gemini-2.5-flash"

// GenerativeClient is the subset of *genai.Models the generator needs.
type GenerativeClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Generator struct {
	client GenerativeClient
	model  string
}

var _ generator.Generator = (*Generator)(nil)

// NewFromAPIKey builds a Generator backed by the Gemini API.
func NewFromAPIKey(ctx context.Context, apiKey, model string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return New(client.Models, model), nil
}

func New(client GenerativeClient, model string) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model}
}

func (g *Generator) Suggest(ctx context.Context, req generator.Request) (*generator.Response, error) {
	prompt, err := generator.BuildPrompt(req)
	if err != nil {
		return nil, err
	}
	temp := float32(0.2)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: generator.SystemInstruction}}},
		Temperature:       &temp,
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}

	result, err := g.client.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		var apiErr *genai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("gemini API error (HTTP %d): %s", apiErr.Code, apiErr.Message)
		}
		return nil, err
	}
	if result == nil {
		return nil, errors.New("gemini: returned nil response")
	}
	return generator.ParseResponse(result.Text())
}
