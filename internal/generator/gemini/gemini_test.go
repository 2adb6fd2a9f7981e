package gemini_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"livestory/internal/domain"
	"livestory/internal/generator"
	"livestory/internal/generator/gemini"
)

type mockClient struct {
	fn func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockClient) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.fn(ctx, model, contents, config)
}

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: s}}},
	}}}
}

func TestSuggest(t *testing.T) {
	t.Parallel()

	var gotModel, gotPrompt string
	client := &mockClient{fn: func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		gotModel = model
		gotPrompt = contents[0].Parts[0].Text
		assert.Equal(t, "application/json", config.ResponseMIMEType)
		return textResponse(`{"edits":[{"field":"stakes","after":"her sister","confidence":0.82,"reason":"summary changed"}]}`), nil
	}}

	resp, err := gemini.New(client, "").Suggest(context.Background(), generator.Request{
		SourcePhase:   domain.PhaseDNA,
		TargetPhase:   domain.PhaseStructure,
		TargetContent: &domain.SceneStructure{Stakes: "a killer"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Edits, 1)
	assert.Equal(t, gemini.DefaultModel, gotModel)
	assert.Contains(t, gotPrompt, "structure")
}

func TestSuggestPropagatesAPIError(t *testing.T) {
	t.Parallel()

	client := &mockClient{fn: func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return nil, errors.New("quota exceeded")
	}}
	_, err := gemini.New(client, "m").Suggest(context.Background(), generator.Request{TargetContent: &domain.StoryDNA{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSuggestRejectsMalformedOutput(t *testing.T) {
	t.Parallel()

	client := &mockClient{fn: func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return textResponse("not json"), nil
	}}
	_, err := gemini.New(client, "m").Suggest(context.Background(), generator.Request{TargetContent: &domain.StoryDNA{}})
	assert.Error(t, err)
}
