// Package analyze turns an upstream phase diff into proposed downstream
// changes by consulting the content generator.
package analyze

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"livestory/internal/detect"
	"livestory/internal/domain"
	"livestory/internal/generator"
)

const DefaultTimeout = 30 * time.Second

// PhaseLister reads the committed phases of a project.
type PhaseLister interface {
	ListPhases(ctx context.Context, projectID string) ([]domain.PhaseRecord, error)
}

type Analyzer struct {
	Phases    PhaseLister
	Generator generator.Generator
	Policy    RiskPolicy
	Timeout   time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(phases PhaseLister, gen generator.Generator, policy RiskPolicy, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		Phases:    phases,
		Generator: gen,
		Policy:    policy,
		Timeout:   timeout,
		Logger:    logger,
		Now:       time.Now,
	}
}

func (a *Analyzer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Analyzer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

type target struct {
	phase   domain.Phase
	content domain.Content
	edits   []generator.Edit
}

// Analyze proposes changes to every downstream phase that has content. On any
// generator failure it returns no proposals and an *AnalysisUnavailableError.
func (a *Analyzer) Analyze(ctx context.Context, projectID string, diff *detect.Diff, sourceVersion int64) ([]domain.Proposal, error) {
	if diff.Empty() {
		return nil, nil
	}
	start := a.now()
	ctx, span := startSpan(ctx, projectID, diff.Phase, len(diff.Fields))
	defer span.End()

	records, err := a.Phases.ListPhases(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var targets []*target
	for _, rec := range records {
		if rec.Phase <= diff.Phase || rec.Content == nil || rec.Content.IsEmpty() {
			continue
		}
		targets = append(targets, &target{phase: rec.Phase, content: rec.Content})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].phase < targets[j].phase })
	if len(targets) == 0 {
		recordMetrics(ctx, diff.Phase, "skipped", time.Since(start), 0, 0)
		return nil, nil
	}

	if err := a.suggest(ctx, projectID, diff, targets); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordMetrics(ctx, diff.Phase, "unavailable", time.Since(start), 0, 0)
		a.logger().Warn("propagation analysis failed",
			"project_id", projectID, "source_phase", diff.Phase.String(), "error", err)
		return nil, err
	}

	proposals, dropped := a.build(projectID, diff, sourceVersion, targets)
	span.SetAttributes(
		attribute.Int("livestory.proposals", len(proposals)),
		attribute.Int("livestory.dropped_edits", dropped),
	)
	recordMetrics(ctx, diff.Phase, "ok", time.Since(start), len(proposals), dropped)
	return proposals, nil
}

func (a *Analyzer) suggest(ctx context.Context, projectID string, diff *detect.Diff, targets []*target) error {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			resp, err := a.Generator.Suggest(gctx, generator.Request{
				ProjectID:     projectID,
				SourcePhase:   diff.Phase,
				TargetPhase:   t.phase,
				Diff:          diff.Fields,
				TargetContent: t.content.Clone(),
			})
			if err == nil && resp == nil {
				err = errors.New("empty generator response")
			}
			if err != nil {
				return &AnalysisUnavailableError{ProjectID: projectID, SourcePhase: diff.Phase, TargetPhase: t.phase, Err: err}
			}
			t.edits = resp.Edits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// a generator that ignores cancellation still counts as timed out
	if err := ctx.Err(); err != nil {
		return &AnalysisUnavailableError{ProjectID: projectID, SourcePhase: diff.Phase, Err: err}
	}
	return nil
}

type validEdit struct {
	edit   generator.Edit
	before string
}

func (a *Analyzer) build(projectID string, diff *detect.Diff, sourceVersion int64, targets []*target) ([]domain.Proposal, int) {
	dropped := 0
	valid := make(map[domain.Phase][]validEdit, len(targets))
	var impact []domain.PhaseImpact
	for _, t := range targets {
		seen := map[string]bool{}
		var fields []string
		for _, e := range t.edits {
			before, err := t.content.Get(e.Field)
			switch {
			case err != nil:
				a.logger().Debug("dropping edit on unknown field", "phase", t.phase.String(), "field", e.Field)
			case e.Confidence < 0 || e.Confidence > 1:
				a.logger().Debug("dropping edit with invalid confidence", "phase", t.phase.String(), "field", e.Field, "confidence", e.Confidence)
			case detect.Equivalent(before, e.After):
			case seen[e.Field]:
			default:
				seen[e.Field] = true
				fields = append(fields, e.Field)
				valid[t.phase] = append(valid[t.phase], validEdit{edit: e, before: before})
				continue
			}
			dropped++
		}
		if len(fields) == 0 {
			continue
		}
		impact = append(impact, domain.PhaseImpact{
			Phase:          t.phase,
			AffectedFields: fields,
			RiskLevel:      a.Policy.Level(t.content, fields),
		})
	}

	now := a.now().UTC()
	var out []domain.Proposal
	for _, t := range targets {
		var downstream []domain.PhaseImpact
		for _, im := range impact {
			if im.Phase >= t.phase {
				downstream = append(downstream, im)
			}
		}
		for _, v := range valid[t.phase] {
			id := uuid.NewString()
			change := domain.StoryChange{
				ID:             id,
				ProjectID:      projectID,
				Phase:          t.phase,
				Type:           domain.ChangeAutoUpdate,
				Field:          v.edit.Field,
				OldValue:       v.before,
				NewValue:       v.edit.After,
				Reason:         v.edit.Reason,
				AffectedPhases: t.phase.Downstream(),
				Status:         domain.StatusPending,
				Timestamp:      now,
				SourcePhase:    diff.Phase,
				SourceVersion:  sourceVersion,
			}
			preview := domain.ChangePreview{
				ChangeID: id,
				Phase:    t.phase,
				Changes: []domain.FieldChange{{
					Field:      v.edit.Field,
					Before:     v.before,
					After:      v.edit.After,
					Confidence: v.edit.Confidence,
					Reason:     v.edit.Reason,
				}},
				Impact: downstream,
			}
			out = append(out, domain.Proposal{Change: change, Preview: preview})
		}
	}
	return out, dropped
}
