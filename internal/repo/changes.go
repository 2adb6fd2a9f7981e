package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"livestory/internal/domain"
)

const changeColumns = `id,project_id,phase,type,field,old_value,new_value,reason,affected_phases_json,status,created_at_ns,source_phase,source_version,applied_at,resolution,resolved_at,resolved_by,undo_of,undone_by,preview_json`

func scanChange(row scanner) (domain.StoryChange, error) {
	var c domain.StoryChange
	var phase, sourcePhase int
	var affected string
	var createdNS int64
	var appliedAt, resolution, resolvedAt, resolvedBy, undoOf, undoneBy, preview sql.NullString
	err := row.Scan(&c.ID, &c.ProjectID, &phase, &c.Type, &c.Field, &c.OldValue, &c.NewValue, &c.Reason, &affected,
		&c.Status, &createdNS, &sourcePhase, &c.SourceVersion, &appliedAt, &resolution, &resolvedAt, &resolvedBy,
		&undoOf, &undoneBy, &preview)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Phase = domain.Phase(phase)
	c.SourcePhase = domain.Phase(sourcePhase)
	c.Timestamp = time.Unix(0, createdNS).UTC()
	if err := json.Unmarshal([]byte(affected), &c.AffectedPhases); err != nil {
		return c, fmt.Errorf("decode affected phases of %s: %w", c.ID, err)
	}
	c.AppliedAt = timePtr(appliedAt)
	c.Resolution = domain.Resolution(resolution.String)
	c.ResolvedAt = timePtr(resolvedAt)
	c.ResolvedBy = resolvedBy.String
	c.UndoOf = undoOf.String
	c.UndoneBy = undoneBy.String
	if preview.Valid && preview.String != "" {
		var p domain.ChangePreview
		if err := json.Unmarshal([]byte(preview.String), &p); err != nil {
			return c, fmt.Errorf("decode preview of %s: %w", c.ID, err)
		}
		c.Preview = &p
	}
	return c, nil
}

func scanChanges(rows *sql.Rows) ([]domain.StoryChange, error) {
	defer rows.Close()
	var res []domain.StoryChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertChangeTx stores a change. A pending change that collides with another
// pending change on (project, phase, field, source) returns ErrDuplicate.
func (r Repo) InsertChangeTx(ctx context.Context, tx *sql.Tx, c domain.StoryChange) error {
	affected := c.AffectedPhases
	if affected == nil {
		affected = []domain.Phase{}
	}
	affectedJSON, err := json.Marshal(affected)
	if err != nil {
		return err
	}
	var preview any
	if c.Preview != nil {
		data, err := json.Marshal(c.Preview)
		if err != nil {
			return err
		}
		preview = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO story_changes(`+changeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, int(c.Phase), string(c.Type), c.Field, c.OldValue, c.NewValue, c.Reason, string(affectedJSON),
		string(c.Status), c.Timestamp.UnixNano(), int(c.SourcePhase), c.SourceVersion, nullableTime(c.AppliedAt),
		nullable(string(c.Resolution)), nullableTime(c.ResolvedAt), nullable(c.ResolvedBy), nullable(c.UndoOf),
		nullable(c.UndoneBy), preview)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// PendingDuplicateTx reports the id of a pending change already covering the
// same (phase, field, source phase, source version), if any.
func (r Repo) PendingDuplicateTx(ctx context.Context, tx *sql.Tx, c domain.StoryChange) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM story_changes WHERE project_id=? AND phase=? AND field=? AND source_phase=? AND source_version=? AND status='pending' LIMIT 1`,
		c.ProjectID, int(c.Phase), c.Field, int(c.SourcePhase), c.SourceVersion).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (r Repo) GetChange(ctx context.Context, id string) (domain.StoryChange, error) {
	return scanChange(r.DB.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM story_changes WHERE id=?`, id))
}

func (r Repo) GetChangeTx(ctx context.Context, tx *sql.Tx, id string) (domain.StoryChange, error) {
	return scanChange(tx.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM story_changes WHERE id=?`, id))
}

func listPending(ctx context.Context, q Querier, projectID string) ([]domain.StoryChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+changeColumns+` FROM story_changes WHERE project_id=? AND status='pending' ORDER BY created_at_ns ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, err
	}
	return scanChanges(rows)
}

// ListPending returns pending changes oldest first, insertion order breaking
// timestamp ties.
func (r Repo) ListPending(ctx context.Context, projectID string) ([]domain.StoryChange, error) {
	return listPending(ctx, r.DB, projectID)
}

// PendingSnapshot returns the pending changes together with the id of the
// newest event of the project, read in one transaction. Every queue mutation
// appends an event in the same transaction, so a larger id always means a
// later state.
func (r Repo) PendingSnapshot(ctx context.Context, projectID string) ([]domain.StoryChange, int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()
	pending, err := listPending(ctx, tx, projectID)
	if err != nil {
		return nil, 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID).Scan(&seq); err != nil {
		return nil, 0, err
	}
	return pending, seq, nil
}

// ListHistory returns resolved changes newest first. A zero cursor starts at
// the newest change.
func (r Repo) ListHistory(ctx context.Context, projectID string, limit int, cursorNS int64, cursorID string) ([]domain.StoryChange, error) {
	query := `SELECT ` + changeColumns + ` FROM story_changes WHERE project_id=? AND status<>'pending'`
	args := []any{projectID}
	if cursorNS > 0 && cursorID != "" {
		query += ` AND (created_at_ns < ? OR (created_at_ns = ? AND id < ?))`
		args = append(args, cursorNS, cursorNS, cursorID)
	}
	query += ` ORDER BY created_at_ns DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanChanges(rows)
}

// Resolution is the one-shot write made when a change leaves pending.
type Resolution struct {
	Status     domain.ChangeStatus
	Resolution domain.Resolution
	ResolvedAt time.Time
	ResolvedBy string
	AppliedAt  *time.Time
}

// ResolveChangeTx moves a pending change to its final status.
func (r Repo) ResolveChangeTx(ctx context.Context, tx *sql.Tx, id string, res Resolution) error {
	out, err := tx.ExecContext(ctx, `UPDATE story_changes SET status=?, resolution=?, resolved_at=?, resolved_by=?, applied_at=? WHERE id=? AND status='pending'`,
		string(res.Status), string(res.Resolution), formatTime(res.ResolvedAt), nullable(res.ResolvedBy), nullableTime(res.AppliedAt), id)
	if err != nil {
		return err
	}
	return expectOneRow(out, id)
}

// MarkUndoneTx links an applied change to the change that reverted it.
func (r Repo) MarkUndoneTx(ctx context.Context, tx *sql.Tx, id, undoneBy string) error {
	out, err := tx.ExecContext(ctx, `UPDATE story_changes SET undone_by=? WHERE id=? AND status='applied' AND undone_by IS NULL`, undoneBy, id)
	if err != nil {
		return err
	}
	return expectOneRow(out, id)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrStateConflict, id)
	}
	return nil
}
