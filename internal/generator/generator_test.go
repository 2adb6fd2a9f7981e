package generator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/detect"
	"livestory/internal/domain"
	"livestory/internal/generator"
)

func TestBuildPrompt(t *testing.T) {
	prompt, err := generator.BuildPrompt(generator.Request{
		ProjectID:   "p1",
		SourcePhase: domain.PhaseDNA,
		TargetPhase: domain.PhaseStructure,
		Diff: []detect.FieldDiff{{
			Path: "summary", Before: "A detective hunts a killer", After: "A detective hunts her own sister",
		}},
		TargetContent: &domain.SceneStructure{Stakes: "the city", Scenes: []domain.SceneOutline{{Title: "Opening"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "A detective hunts her own sister")
	assert.Contains(t, prompt, "- scenes.0.title")
	assert.Contains(t, prompt, "\"stakes\":\"the city\"")
	assert.Contains(t, prompt, "Propose edits to the structure phase")
}

func TestParseResponse(t *testing.T) {
	resp, err := generator.ParseResponse("```json\n{\"edits\":[{\"field\":\"stakes\",\"after\":\"her sister\",\"confidence\":0.82,\"reason\":\"summary changed\"}]}\n```")
	require.NoError(t, err)
	require.Len(t, resp.Edits, 1)
	assert.Equal(t, "stakes", resp.Edits[0].Field)
	assert.InDelta(t, 0.82, resp.Edits[0].Confidence, 1e-9)

	resp, err = generator.ParseResponse(`{"edits":[]}`)
	require.NoError(t, err)
	assert.Empty(t, resp.Edits)

	_, err = generator.ParseResponse("I cannot help with that")
	assert.Error(t, err)
}
