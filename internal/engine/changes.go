package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"livestory/internal/domain"
	"livestory/internal/events"
	"livestory/internal/repo"
)

// Accept applies a pending change if the live value still equals its old
// value. Otherwise the change is retired as rejected with resolution stale
// and a *StaleChangeError is returned alongside it.
func (e Engine) Accept(ctx context.Context, changeID, actorID string) (domain.StoryChange, error) {
	c, err := e.Repo.GetChange(ctx, changeID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	release, err := e.lock(ctx, c.ProjectID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	out, err := e.acceptOne(ctx, changeID, actorID)
	release()
	if out.ID != "" {
		e.publish(ctx, c.ProjectID)
	}
	return out, err
}

// acceptOne runs one accept in its own transaction. The caller holds the
// project lock. A non-empty returned change means state was committed.
func (e Engine) acceptOne(ctx context.Context, changeID, actorID string) (domain.StoryChange, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryChange{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChangeTx(ctx, tx, changeID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	if c.Status != domain.StatusPending {
		return domain.StoryChange{}, fmt.Errorf("%w: %s is %s", ErrNotPending, c.ID, c.Status)
	}
	now := e.now().UTC()

	rec, live, err := e.liveValue(ctx, tx, c)
	if err != nil {
		return domain.StoryChange{}, err
	}
	if rec == nil || live != c.OldValue {
		stale := &StaleChangeError{ChangeID: c.ID, Phase: c.Phase, Field: c.Field, Expected: c.OldValue, Actual: live}
		if err := e.Repo.ResolveChangeTx(ctx, tx, c.ID, repo.Resolution{
			Status: domain.StatusRejected, Resolution: domain.ResolutionStale, ResolvedAt: now, ResolvedBy: actorID,
		}); err != nil {
			return domain.StoryChange{}, mapStateConflict(err)
		}
		if err := e.Events.Append(ctx, tx, events.ChangeStale, c.ProjectID, "change", c.ID, actorID, events.EventPayload{
			"field":    c.Field,
			"expected": c.OldValue,
			"actual":   live,
		}); err != nil {
			return domain.StoryChange{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.StoryChange{}, err
		}
		c.Status, c.Resolution, c.ResolvedAt, c.ResolvedBy = domain.StatusRejected, domain.ResolutionStale, &now, actorID
		e.logger().Info("change stale on accept", "change_id", c.ID, "project_id", c.ProjectID, "field", c.Field)
		return c, stale
	}

	if err := e.Events.Append(ctx, tx, events.ChangeAccepted, c.ProjectID, "change", c.ID, actorID, nil); err != nil {
		return domain.StoryChange{}, err
	}
	version, err := e.writeField(ctx, tx, *rec, c.Field, c.NewValue, c.ID, actorID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	applied := now
	if err := e.Repo.ResolveChangeTx(ctx, tx, c.ID, repo.Resolution{
		Status: domain.StatusApplied, Resolution: domain.ResolutionApplied, ResolvedAt: now, ResolvedBy: actorID, AppliedAt: &applied,
	}); err != nil {
		return domain.StoryChange{}, mapStateConflict(err)
	}
	if err := e.Events.Append(ctx, tx, events.ChangeApplied, c.ProjectID, "change", c.ID, actorID, events.EventPayload{
		"phase":   c.Phase.String(),
		"field":   c.Field,
		"version": version,
	}); err != nil {
		return domain.StoryChange{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryChange{}, err
	}
	c.Status, c.Resolution, c.AppliedAt, c.ResolvedAt, c.ResolvedBy = domain.StatusApplied, domain.ResolutionApplied, &applied, &now, actorID
	e.logger().Info("change applied", "change_id", c.ID, "project_id", c.ProjectID, "field", c.Field, "version", version)
	return c, nil
}

// Reject retires a pending change. Rejecting a rejected change is a no-op.
func (e Engine) Reject(ctx context.Context, changeID, actorID string) (domain.StoryChange, error) {
	c, err := e.Repo.GetChange(ctx, changeID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	if c.Status == domain.StatusRejected {
		return c, nil
	}
	release, err := e.lock(ctx, c.ProjectID)
	if err != nil {
		return domain.StoryChange{}, err
	}
	out, changed, err := e.rejectOne(ctx, changeID, actorID)
	release()
	if changed {
		e.publish(ctx, c.ProjectID)
	}
	return out, err
}

func (e Engine) rejectOne(ctx context.Context, changeID, actorID string) (domain.StoryChange, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StoryChange{}, false, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChangeTx(ctx, tx, changeID)
	if err != nil {
		return domain.StoryChange{}, false, err
	}
	switch c.Status {
	case domain.StatusRejected:
		return c, false, nil
	case domain.StatusPending:
	default:
		return domain.StoryChange{}, false, fmt.Errorf("%w: %s is %s", ErrNotPending, c.ID, c.Status)
	}
	now := e.now().UTC()
	if err := e.Repo.ResolveChangeTx(ctx, tx, c.ID, repo.Resolution{
		Status: domain.StatusRejected, Resolution: domain.ResolutionRejected, ResolvedAt: now, ResolvedBy: actorID,
	}); err != nil {
		return domain.StoryChange{}, false, mapStateConflict(err)
	}
	if err := e.Events.Append(ctx, tx, events.ChangeRejected, c.ProjectID, "change", c.ID, actorID, events.EventPayload{
		"field": c.Field,
	}); err != nil {
		return domain.StoryChange{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StoryChange{}, false, err
	}
	c.Status, c.Resolution, c.ResolvedAt, c.ResolvedBy = domain.StatusRejected, domain.ResolutionRejected, &now, actorID
	e.logger().Info("change rejected", "change_id", c.ID, "project_id", c.ProjectID)
	return c, true, nil
}

// AcceptAll accepts every pending change of a project in timestamp order under
// a single lock hold. Each change commits on its own, so a stale change does
// not block the ones after it.
func (e Engine) AcceptAll(ctx context.Context, projectID, actorID string) ([]domain.BatchResult, error) {
	return e.batch(ctx, projectID, func(id string) (domain.StoryChange, bool, error) {
		c, err := e.acceptOne(ctx, id, actorID)
		return c, c.ID != "", err
	})
}

// RejectAll rejects every pending change of a project.
func (e Engine) RejectAll(ctx context.Context, projectID, actorID string) ([]domain.BatchResult, error) {
	return e.batch(ctx, projectID, func(id string) (domain.StoryChange, bool, error) {
		return e.rejectOne(ctx, id, actorID)
	})
}

func (e Engine) batch(ctx context.Context, projectID string, resolve func(id string) (domain.StoryChange, bool, error)) ([]domain.BatchResult, error) {
	release, err := e.lock(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pending, err := e.Repo.ListPending(ctx, projectID)
	if err != nil {
		release()
		return nil, err
	}
	results := make([]domain.BatchResult, 0, len(pending))
	changed := false
	for _, p := range pending {
		if ctx.Err() != nil {
			release()
			if changed {
				e.publish(ctx, projectID)
			}
			return results, ctx.Err()
		}
		c, committed, err := resolve(p.ID)
		changed = changed || committed
		r := domain.BatchResult{ChangeID: p.ID, Field: p.Field, Phase: p.Phase, Status: p.Status}
		if committed {
			r.Status, r.Resolution = c.Status, c.Resolution
		}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	release()
	if changed {
		e.publish(ctx, projectID)
	}
	return results, nil
}

// UndoResult pairs the reverted change with the reversal that was appended.
type UndoResult struct {
	Undone   domain.StoryChange `json:"undone"`
	Reversal domain.StoryChange `json:"reversal"`
}

// Undo reverts an applied change by writing its old value back, provided the
// field still holds the change's new value.
func (e Engine) Undo(ctx context.Context, changeID, actorID string) (UndoResult, error) {
	c, err := e.Repo.GetChange(ctx, changeID)
	if err != nil {
		return UndoResult{}, err
	}
	if !c.Undoable() {
		return UndoResult{}, fmt.Errorf("%w: %s", ErrNotApplied, c.ID)
	}
	release, err := e.lock(ctx, c.ProjectID)
	if err != nil {
		return UndoResult{}, err
	}
	res, err := e.undoLocked(ctx, changeID, actorID)
	release()
	if err != nil {
		return UndoResult{}, err
	}
	e.publish(ctx, c.ProjectID)
	return res, nil
}

func (e Engine) undoLocked(ctx context.Context, changeID, actorID string) (UndoResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UndoResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetChangeTx(ctx, tx, changeID)
	if err != nil {
		return UndoResult{}, err
	}
	if !c.Undoable() {
		return UndoResult{}, fmt.Errorf("%w: %s", ErrNotApplied, c.ID)
	}
	rec, live, err := e.liveValue(ctx, tx, c)
	if err != nil {
		return UndoResult{}, err
	}
	if rec == nil || live != c.NewValue {
		return UndoResult{}, &StaleChangeError{ChangeID: c.ID, Phase: c.Phase, Field: c.Field, Expected: c.NewValue, Actual: live}
	}

	now := e.now().UTC()
	reversal := domain.StoryChange{
		ID:             uuid.NewString(),
		ProjectID:      c.ProjectID,
		Phase:          c.Phase,
		Type:           domain.ChangeAutoUpdate,
		Field:          c.Field,
		OldValue:       c.NewValue,
		NewValue:       c.OldValue,
		Reason:         "undo of " + c.ID,
		AffectedPhases: c.Phase.Downstream(),
		Status:         domain.StatusApplied,
		Timestamp:      now,
		SourcePhase:    c.Phase,
		Resolution:     domain.ResolutionApplied,
		ResolvedAt:     &now,
		ResolvedBy:     actorID,
		UndoOf:         c.ID,
	}
	applied := now
	reversal.AppliedAt = &applied
	version, err := e.writeField(ctx, tx, *rec, c.Field, c.OldValue, reversal.ID, actorID)
	if err != nil {
		return UndoResult{}, err
	}
	reversal.SourceVersion = version
	if err := e.Repo.InsertChangeTx(ctx, tx, reversal); err != nil {
		return UndoResult{}, err
	}
	if err := e.Repo.MarkUndoneTx(ctx, tx, c.ID, reversal.ID); err != nil {
		if errors.Is(err, repo.ErrStateConflict) {
			return UndoResult{}, fmt.Errorf("%w: %s", ErrNotApplied, c.ID)
		}
		return UndoResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ChangeUndone, c.ProjectID, "change", c.ID, actorID, events.EventPayload{
		"reversal_id": reversal.ID,
		"field":       c.Field,
		"version":     version,
	}); err != nil {
		return UndoResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UndoResult{}, err
	}
	c.UndoneBy = reversal.ID
	e.logger().Info("change undone", "change_id", c.ID, "reversal_id", reversal.ID, "project_id", c.ProjectID)
	return UndoResult{Undone: c, Reversal: reversal}, nil
}

// liveValue returns the committed record of the change's phase and the
// current value of its field. A missing phase or field yields a nil record.
func (e Engine) liveValue(ctx context.Context, tx *sql.Tx, c domain.StoryChange) (*domain.PhaseRecord, string, error) {
	rec, err := e.Repo.GetPhaseTx(ctx, tx, c.ProjectID, c.Phase)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	live, err := rec.Content.Get(c.Field)
	if errors.Is(err, domain.ErrUnknownField) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	return &rec, live, nil
}

// writeField sets one field on a copy of rec, saves it as the next version
// and appends a revision linked to changeID.
func (e Engine) writeField(ctx context.Context, tx *sql.Tx, rec domain.PhaseRecord, field, value, changeID, actorID string) (int64, error) {
	content := rec.Content.Clone()
	if err := content.Set(field, value); err != nil {
		return 0, err
	}
	now := e.now().UTC()
	next := domain.PhaseRecord{
		ProjectID: rec.ProjectID,
		Phase:     rec.Phase,
		Content:   content,
		Version:   rec.Version + 1,
		UpdatedAt: now,
		UpdatedBy: actorID,
	}
	if err := e.Repo.SavePhaseTx(ctx, tx, next, rec.Version); err != nil {
		return 0, mapVersionConflict(err)
	}
	if err := e.Repo.InsertRevisionTx(ctx, tx, domain.PhaseRevision{
		ProjectID: rec.ProjectID, Phase: rec.Phase, Version: next.Version, Content: content,
		ChangeID: changeID, CreatedAt: now, CreatedBy: actorID,
	}); err != nil {
		return 0, err
	}
	return next.Version, nil
}

func mapStateConflict(err error) error {
	if errors.Is(err, repo.ErrStateConflict) {
		return fmt.Errorf("%w: %v", ErrNotPending, err)
	}
	return err
}
