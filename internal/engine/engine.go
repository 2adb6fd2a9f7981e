package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"livestory/internal/config"
	"livestory/internal/detect"
	"livestory/internal/domain"
	"livestory/internal/events"
	"livestory/internal/notify"
	"livestory/internal/repo"
)

// Analyzer proposes downstream changes for a diff.
type Analyzer interface {
	Analyze(ctx context.Context, projectID string, diff *detect.Diff, sourceVersion int64) ([]domain.Proposal, error)
}

// Engine is the change queue. Every mutation of a project goes through its
// per-project lock so that version bumps stay monotonic and compare-and-swap
// checks see the latest committed value.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Analyzer  Analyzer
	Locks     *ProjectLocks
	Publisher notify.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Locks:  NewProjectLocks(cfg.LockTimeout()),
		Logger: slog.Default(),
		Now:    time.Now,
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lock(ctx context.Context, projectID string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	release, err := e.Locks.Acquire(ctx, projectID)
	if err != nil {
		e.logger().Warn("project lock contended", "project_id", projectID, "error", err)
	}
	return release, err
}

// publish pushes a fresh summary once state has been committed. Summaries
// carry the snapshot's event sequence, so publishers can discard one that
// arrives after a newer summary. Committed state is published even when the
// caller's context was cancelled midway.
func (e Engine) publish(ctx context.Context, projectID string) {
	if e.Publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	limit := notify.DefaultPreviewLimit
	if e.Config != nil && e.Config.Notify.PreviewLimit > 0 {
		limit = e.Config.Notify.PreviewLimit
	}
	s, err := notify.Summarize(ctx, e.Repo, projectID, limit, e.now())
	if err != nil {
		e.logger().Warn("summarize pending changes", "project_id", projectID, "error", err)
		return
	}
	if err := e.Publisher.Publish(ctx, s); err != nil {
		e.logger().Warn("publish pending summary", "project_id", projectID, "error", err)
	}
}

func mapVersionConflict(err error) error {
	if errors.Is(err, repo.ErrVersionConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrentWrite, err)
	}
	return err
}

// CommitResult is the outcome of a manual phase commit and the propagation
// pass it triggered.
type CommitResult struct {
	Phase         domain.PhaseRecord   `json:"phase"`
	Diff          *detect.Diff         `json:"diff,omitempty"`
	ManualChanges []domain.StoryChange `json:"manual_changes"`
	Enqueue       EnqueueResult        `json:"propagation"`
	// AnalysisError is set when propagation failed. The commit itself stands.
	AnalysisError error `json:"-"`
}

// CommitPhase writes a new value for a phase, records one applied manual_edit
// change per material field, and then proposes downstream updates. The
// generator is never called while the project lock is held.
func (e Engine) CommitPhase(ctx context.Context, projectID string, phase domain.Phase, content domain.Content, actorID string) (CommitResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return CommitResult{}, errors.New("project is required")
	}
	if !phase.Valid() {
		return CommitResult{}, fmt.Errorf("invalid phase %d", int(phase))
	}
	if content == nil || content.Phase() != phase {
		return CommitResult{}, fmt.Errorf("content does not belong to phase %s", phase)
	}
	content = content.Clone()

	release, err := e.lock(ctx, projectID)
	if err != nil {
		return CommitResult{}, err
	}
	res, err := e.commitLocked(ctx, projectID, phase, content, actorID)
	release()
	if err != nil {
		return CommitResult{}, err
	}
	e.logger().Info("phase committed",
		"project_id", projectID, "phase", phase.String(), "version", res.Phase.Version, "fields", len(res.ManualChanges))

	res.Enqueue, res.AnalysisError = e.propagate(ctx, projectID, res.Diff, res.Phase.Version, actorID)
	e.publish(ctx, projectID)
	return res, nil
}

func (e Engine) commitLocked(ctx context.Context, projectID string, phase domain.Phase, content domain.Content, actorID string) (CommitResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	if err := e.Repo.EnsureProjectTx(ctx, tx, projectID, now); err != nil {
		return CommitResult{}, fmt.Errorf("ensure project: %w", err)
	}
	var prevContent domain.Content
	var prevVersion int64
	prev, err := e.Repo.GetPhaseTx(ctx, tx, projectID, phase)
	switch {
	case err == nil:
		prevContent, prevVersion = prev.Content, prev.Version
	case errors.Is(err, repo.ErrNotFound):
	default:
		return CommitResult{}, err
	}
	diff, err := detect.Detect(phase, prevContent, content)
	if err != nil {
		return CommitResult{}, err
	}

	rec := domain.PhaseRecord{
		ProjectID: projectID,
		Phase:     phase,
		Content:   content,
		Version:   prevVersion + 1,
		UpdatedAt: now,
		UpdatedBy: actorID,
	}
	if err := e.Repo.SavePhaseTx(ctx, tx, rec, prevVersion); err != nil {
		return CommitResult{}, mapVersionConflict(err)
	}
	if err := e.Repo.InsertRevisionTx(ctx, tx, domain.PhaseRevision{
		ProjectID: projectID, Phase: phase, Version: rec.Version, Content: content, CreatedAt: now, CreatedBy: actorID,
	}); err != nil {
		return CommitResult{}, err
	}

	res := CommitResult{Phase: rec, Diff: diff, ManualChanges: []domain.StoryChange{}}
	if diff != nil {
		for _, f := range diff.Fields {
			applied := now
			c := domain.StoryChange{
				ID:             uuid.NewString(),
				ProjectID:      projectID,
				Phase:          phase,
				Type:           domain.ChangeManualEdit,
				Field:          f.Path,
				OldValue:       f.Before,
				NewValue:       f.After,
				Reason:         "manual edit",
				AffectedPhases: phase.Downstream(),
				Status:         domain.StatusApplied,
				Timestamp:      now,
				SourcePhase:    phase,
				SourceVersion:  rec.Version,
				AppliedAt:      &applied,
				Resolution:     domain.ResolutionApplied,
				ResolvedAt:     &applied,
				ResolvedBy:     actorID,
			}
			if err := e.Repo.InsertChangeTx(ctx, tx, c); err != nil {
				return CommitResult{}, fmt.Errorf("record manual edit: %w", err)
			}
			res.ManualChanges = append(res.ManualChanges, c)
		}
	}
	if err := e.Events.Append(ctx, tx, events.PhaseCommitted, projectID, "phase", phase.String(), actorID, events.EventPayload{
		"version": rec.Version,
		"fields":  diff.Paths(),
	}); err != nil {
		return CommitResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CommitResult{}, err
	}
	return res, nil
}

// propagate runs analysis and enqueues its proposals. Analysis failures are
// logged, recorded as an event and returned, never enqueued partially.
func (e Engine) propagate(ctx context.Context, projectID string, diff *detect.Diff, sourceVersion int64, actorID string) (EnqueueResult, error) {
	empty := EnqueueResult{Enqueued: []domain.StoryChange{}}
	if diff.Empty() || e.Analyzer == nil {
		return empty, nil
	}
	proposals, err := e.Analyzer.Analyze(ctx, projectID, diff, sourceVersion)
	if err != nil {
		e.logger().Warn("propagation skipped", "project_id", projectID, "phase", diff.Phase.String(), "error", err)
		if evErr := e.Events.AppendDB(ctx, events.AnalysisFailed, projectID, "phase", diff.Phase.String(), actorID, events.EventPayload{
			"source_version": sourceVersion,
			"error":          err.Error(),
		}); evErr != nil {
			e.logger().Warn("record analysis failure", "project_id", projectID, "error", evErr)
		}
		return empty, err
	}
	res, err := e.Enqueue(ctx, proposals, actorID)
	if err != nil {
		return empty, err
	}
	return res, nil
}

// Repropagate re-runs analysis for the latest committed diff of a phase, for
// example after the generator was unavailable. Proposals that are already
// pending are reported as duplicates.
func (e Engine) Repropagate(ctx context.Context, projectID string, phase domain.Phase, actorID string) (CommitResult, error) {
	rec, err := e.Repo.GetPhase(ctx, projectID, phase)
	if err != nil {
		return CommitResult{}, err
	}
	res := CommitResult{Phase: rec, ManualChanges: []domain.StoryChange{}, Enqueue: EnqueueResult{Enqueued: []domain.StoryChange{}}}
	if rec.Version <= 1 {
		return res, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, err
	}
	prev, err := e.Repo.GetRevisionTx(ctx, tx, projectID, phase, rec.Version-1)
	_ = tx.Rollback()
	if err != nil {
		return CommitResult{}, err
	}
	diff, err := detect.Detect(phase, prev.Content, rec.Content)
	if err != nil {
		return CommitResult{}, err
	}
	res.Diff = diff
	if err := e.Events.AppendDB(ctx, events.PhaseRepropagate, projectID, "phase", phase.String(), actorID, events.EventPayload{
		"version": rec.Version,
		"fields":  diff.Paths(),
	}); err != nil {
		return CommitResult{}, err
	}
	res.Enqueue, res.AnalysisError = e.propagate(ctx, projectID, diff, rec.Version, actorID)
	e.publish(ctx, projectID)
	return res, nil
}

// EnqueueResult reports what happened to each proposal.
type EnqueueResult struct {
	Enqueued []domain.StoryChange `json:"enqueued"`
	// Duplicates lists proposed ids skipped because an equivalent change is
	// already pending.
	Duplicates []string `json:"duplicates,omitempty"`
	// Stale lists proposed ids whose old value no longer matched the live
	// value at enqueue time.
	Stale []string `json:"stale,omitempty"`
}

// Enqueue stores proposals as pending changes. Duplicate proposals for the
// same (phase, field, source version) are skipped rather than stored twice.
func (e Engine) Enqueue(ctx context.Context, proposals []domain.Proposal, actorID string) (EnqueueResult, error) {
	res := EnqueueResult{Enqueued: []domain.StoryChange{}}
	if len(proposals) == 0 {
		return res, nil
	}
	byProject := map[string][]domain.Proposal{}
	var order []string
	for _, p := range proposals {
		if err := p.Change.Validate(); err != nil {
			return res, err
		}
		if _, ok := byProject[p.Change.ProjectID]; !ok {
			order = append(order, p.Change.ProjectID)
		}
		byProject[p.Change.ProjectID] = append(byProject[p.Change.ProjectID], p)
	}
	for _, projectID := range order {
		if err := e.enqueueProject(ctx, projectID, byProject[projectID], actorID, &res); err != nil {
			return res, err
		}
		e.publish(ctx, projectID)
	}
	return res, nil
}

func (e Engine) enqueueProject(ctx context.Context, projectID string, proposals []domain.Proposal, actorID string, res *EnqueueResult) error {
	release, err := e.lock(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	if err := e.Repo.EnsureProjectTx(ctx, tx, projectID, now); err != nil {
		return err
	}
	var added, duplicates, stale []string
	var enqueued []domain.StoryChange
	for _, p := range proposals {
		c := p.Change
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.Timestamp.IsZero() {
			c.Timestamp = now
		}
		c.Status = domain.StatusPending
		preview := p.Preview
		preview.ChangeID = c.ID
		preview.Phase = c.Phase
		c.Preview = &preview

		rec, err := e.Repo.GetPhaseTx(ctx, tx, projectID, c.Phase)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		live, getErr := "", error(nil)
		if err == nil {
			live, getErr = rec.Content.Get(c.Field)
		}
		if err != nil || getErr != nil || live != c.OldValue {
			stale = append(stale, c.ID)
			continue
		}
		if dup, err := e.Repo.PendingDuplicateTx(ctx, tx, c); err != nil {
			return err
		} else if dup != "" {
			duplicates = append(duplicates, c.ID)
			continue
		}
		if err := e.Repo.InsertChangeTx(ctx, tx, c); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				duplicates = append(duplicates, c.ID)
				continue
			}
			return err
		}
		if err := e.Events.Append(ctx, tx, events.ChangeProposed, projectID, "change", c.ID, actorID, events.EventPayload{
			"phase":          c.Phase.String(),
			"field":          c.Field,
			"source_phase":   c.SourcePhase.String(),
			"source_version": c.SourceVersion,
		}); err != nil {
			return err
		}
		added = append(added, c.ID)
		enqueued = append(enqueued, c)
	}
	if len(duplicates) > 0 {
		if err := e.Events.Append(ctx, tx, events.ChangeDuplicate, projectID, "project", projectID, actorID, events.EventPayload{
			"skipped": duplicates,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	res.Enqueued = append(res.Enqueued, enqueued...)
	res.Duplicates = append(res.Duplicates, duplicates...)
	res.Stale = append(res.Stale, stale...)
	e.logger().Info("changes enqueued", "project_id", projectID,
		"enqueued", len(added), "duplicates", len(duplicates), "stale", len(stale))
	return nil
}

func (e Engine) GetPhase(ctx context.Context, projectID string, phase domain.Phase) (domain.PhaseRecord, error) {
	return e.Repo.GetPhase(ctx, projectID, phase)
}

func (e Engine) ListPhases(ctx context.Context, projectID string) ([]domain.PhaseRecord, error) {
	return e.Repo.ListPhases(ctx, projectID)
}

func (e Engine) ListRevisions(ctx context.Context, projectID string, phase domain.Phase, limit int, beforeVersion int64) ([]domain.PhaseRevision, error) {
	return e.Repo.ListRevisions(ctx, projectID, phase, limit, beforeVersion)
}

// ListPending returns pending changes with previews, oldest first.
func (e Engine) ListPending(ctx context.Context, projectID string) ([]domain.StoryChange, error) {
	return e.Repo.ListPending(ctx, projectID)
}

func (e Engine) GetChange(ctx context.Context, id string) (domain.StoryChange, error) {
	return e.Repo.GetChange(ctx, id)
}

// History returns resolved changes newest first and the cursor of the next
// page, empty when there is none.
func (e Engine) History(ctx context.Context, projectID string, limit int, cursor string) ([]domain.StoryChange, string, error) {
	ns, id, err := ParseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	items, err := e.Repo.ListHistory(ctx, projectID, limit, ns, id)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if limit > 0 && len(items) == limit {
		last := items[len(items)-1]
		next = ComposeCursor(last.Timestamp.UnixNano(), last.ID)
	}
	return items, next, nil
}

// ListEvents returns the project's event log newest first, older than cursor
// when set.
func (e Engine) ListEvents(ctx context.Context, projectID string, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Repo.LatestEventsFrom(ctx, limit, cursor, projectID, "", "")
}

// Summary reads the current pending summary for a project.
func (e Engine) Summary(ctx context.Context, projectID string, limit int) (notify.Summary, error) {
	return notify.Summarize(ctx, e.Repo, projectID, limit, e.now())
}

// ComposeCursor encodes a history position.
func ComposeCursor(ns int64, id string) string {
	if ns == 0 || id == "" {
		return ""
	}
	return strconv.FormatInt(ns, 10) + "|" + id
}

func ParseCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return 0, "", fmt.Errorf("invalid cursor")
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor")
	}
	return ns, parts[1], nil
}
