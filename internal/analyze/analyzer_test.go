package analyze_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/analyze"
	"livestory/internal/detect"
	"livestory/internal/domain"
	"livestory/internal/generator"
)

type staticPhases []domain.PhaseRecord

func (s staticPhases) ListPhases(context.Context, string) ([]domain.PhaseRecord, error) {
	return s, nil
}

func storyPhases() staticPhases {
	return staticPhases{
		{ProjectID: "p1", Phase: domain.PhaseDNA, Version: 2, Content: &domain.StoryDNA{Summary: "A detective hunts her own sister"}},
		{ProjectID: "p1", Phase: domain.PhaseStructure, Version: 1, Content: &domain.SceneStructure{
			Stakes: "A killer stalks the city",
			Scenes: []domain.SceneOutline{{Title: "Opening"}},
		}},
		{ProjectID: "p1", Phase: domain.PhaseBeats, Version: 1, Content: &domain.SceneBeats{}},
		{ProjectID: "p1", Phase: domain.PhaseDocument, Version: 1, Content: &domain.ExecutiveDocument{Logline: "A detective hunts a killer"}},
	}
}

func summaryDiff() *detect.Diff {
	return &detect.Diff{Phase: domain.PhaseDNA, Fields: []detect.FieldDiff{{
		Path: "summary", Before: "A detective hunts a killer", After: "A detective hunts her own sister",
	}}}
}

func fixedNow() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

func newAnalyzer(phases analyze.PhaseLister, gen generator.Generator) *analyze.Analyzer {
	a := analyze.New(phases, gen, analyze.DefaultRiskPolicy(), time.Second, nil)
	a.Now = fixedNow
	return a
}

func TestAnalyzeProposesPerDownstreamPhase(t *testing.T) {
	var mu sync.Mutex
	var targets []domain.Phase
	gen := generator.Func(func(_ context.Context, req generator.Request) (*generator.Response, error) {
		mu.Lock()
		targets = append(targets, req.TargetPhase)
		mu.Unlock()
		switch req.TargetPhase {
		case domain.PhaseStructure:
			return &generator.Response{Edits: []generator.Edit{{Field: "stakes", After: "Her sister is the killer", Confidence: 0.82, Reason: "dna summary changed"}}}, nil
		case domain.PhaseDocument:
			return &generator.Response{Edits: []generator.Edit{{Field: "logline", After: "A detective hunts her own sister", Confidence: 0.9}}}, nil
		}
		return &generator.Response{}, nil
	})

	proposals, err := newAnalyzer(storyPhases(), gen).Analyze(context.Background(), "p1", summaryDiff(), 2)
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	// beats has no content and is never consulted
	assert.ElementsMatch(t, []domain.Phase{domain.PhaseStructure, domain.PhaseDocument}, targets)

	first := proposals[0]
	assert.Equal(t, domain.PhaseStructure, first.Change.Phase)
	assert.Equal(t, domain.ChangeAutoUpdate, first.Change.Type)
	assert.Equal(t, domain.StatusPending, first.Change.Status)
	assert.Equal(t, "A killer stalks the city", first.Change.OldValue)
	assert.Equal(t, "Her sister is the killer", first.Change.NewValue)
	assert.Equal(t, int64(2), first.Change.SourceVersion)
	assert.Equal(t, domain.PhaseDNA, first.Change.SourcePhase)
	assert.Equal(t, []domain.Phase{domain.PhaseBeats, domain.PhaseDocument}, first.Change.AffectedPhases)
	require.NoError(t, first.Change.Validate())

	assert.Equal(t, first.Change.ID, first.Preview.ChangeID)
	require.Len(t, first.Preview.Changes, 1)
	assert.InDelta(t, 0.82, first.Preview.Changes[0].Confidence, 1e-9)
	require.Len(t, first.Preview.Impact, 2)
	assert.Equal(t, domain.PhaseStructure, first.Preview.Impact[0].Phase)
	assert.Equal(t, domain.RiskLow, first.Preview.Impact[0].RiskLevel)

	second := proposals[1]
	assert.Equal(t, domain.PhaseDocument, second.Change.Phase)
	assert.Empty(t, second.Change.AffectedPhases)
	require.Len(t, second.Preview.Impact, 1)
	assert.Equal(t, domain.PhaseDocument, second.Preview.Impact[0].Phase)
}

func TestAnalyzeDropsInvalidEdits(t *testing.T) {
	gen := generator.Func(func(_ context.Context, req generator.Request) (*generator.Response, error) {
		if req.TargetPhase != domain.PhaseStructure {
			return &generator.Response{}, nil
		}
		return &generator.Response{Edits: []generator.Edit{
			{Field: "mood", After: "grim", Confidence: 0.5},
			{Field: "stakes", After: "x", Confidence: 1.5},
			{Field: "premise", After: "  ", Confidence: 0.4},
			{Field: "stakes", After: "Her sister is the killer", Confidence: 0.1},
			{Field: "stakes", After: "Another take", Confidence: 0.9},
		}}, nil
	})
	proposals, err := newAnalyzer(storyPhases(), gen).Analyze(context.Background(), "p1", summaryDiff(), 2)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	// low confidence is surfaced, never filtered
	assert.InDelta(t, 0.1, proposals[0].Preview.Changes[0].Confidence, 1e-9)
}

func TestAnalyzeFailsClosed(t *testing.T) {
	boom := errors.New("generator down")
	gen := generator.Func(func(_ context.Context, req generator.Request) (*generator.Response, error) {
		if req.TargetPhase == domain.PhaseDocument {
			return nil, boom
		}
		return &generator.Response{Edits: []generator.Edit{{Field: "stakes", After: "new", Confidence: 0.5}}}, nil
	})
	proposals, err := newAnalyzer(storyPhases(), gen).Analyze(context.Background(), "p1", summaryDiff(), 2)
	require.Error(t, err)
	assert.Empty(t, proposals)
	assert.ErrorIs(t, err, analyze.ErrAnalysisUnavailable)
	assert.ErrorIs(t, err, boom)
	var unavailable *analyze.AnalysisUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, domain.PhaseDocument, unavailable.TargetPhase)
}

func TestAnalyzeTimesOut(t *testing.T) {
	gen := generator.Func(func(ctx context.Context, _ generator.Request) (*generator.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a := newAnalyzer(storyPhases(), gen)
	a.Timeout = 20 * time.Millisecond
	proposals, err := a.Analyze(context.Background(), "p1", summaryDiff(), 2)
	assert.Empty(t, proposals)
	assert.ErrorIs(t, err, analyze.ErrAnalysisUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyzeSkipsWithoutDownstreamContent(t *testing.T) {
	called := false
	gen := generator.Func(func(context.Context, generator.Request) (*generator.Response, error) {
		called = true
		return &generator.Response{}, nil
	})
	phases := staticPhases{{ProjectID: "p1", Phase: domain.PhaseDNA, Content: &domain.StoryDNA{Summary: "x"}}}
	proposals, err := newAnalyzer(phases, gen).Analyze(context.Background(), "p1", summaryDiff(), 1)
	require.NoError(t, err)
	assert.Empty(t, proposals)
	assert.False(t, called)

	proposals, err = newAnalyzer(storyPhases(), gen).Analyze(context.Background(), "p1", nil, 1)
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestRiskPolicy(t *testing.T) {
	p := analyze.RiskPolicy{HighFieldCount: 3, MediumFieldCount: 2}
	s := &domain.SceneStructure{}
	assert.Equal(t, domain.RiskLow, p.Level(s, []string{"stakes"}))
	assert.Equal(t, domain.RiskMedium, p.Level(s, []string{"stakes", "premise"}))
	assert.Equal(t, domain.RiskHigh, p.Level(s, []string{"stakes", "premise", "scenes.0.purpose", "scenes.1.purpose"}))
	assert.Equal(t, domain.RiskHigh, p.Level(s, []string{"scenes.0.title"}))
}
