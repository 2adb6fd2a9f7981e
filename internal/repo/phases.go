package repo

import (
	"context"
	"database/sql"
	"fmt"

	"livestory/internal/domain"
)

const phaseColumns = `project_id,phase,content_json,version,updated_at,updated_by`

func scanPhase(row scanner) (domain.PhaseRecord, error) {
	var rec domain.PhaseRecord
	var phase int
	var content, updatedAt string
	if err := row.Scan(&rec.ProjectID, &phase, &content, &rec.Version, &updatedAt, &rec.UpdatedBy); err != nil {
		if err == sql.ErrNoRows {
			return rec, ErrNotFound
		}
		return rec, err
	}
	rec.Phase = domain.Phase(phase)
	c, err := domain.DecodeContent(rec.Phase, []byte(content))
	if err != nil {
		return rec, err
	}
	rec.Content = c
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func getPhase(ctx context.Context, q Querier, projectID string, phase domain.Phase) (domain.PhaseRecord, error) {
	return scanPhase(q.QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE project_id=? AND phase=?`, projectID, int(phase)))
}

func (r Repo) GetPhase(ctx context.Context, projectID string, phase domain.Phase) (domain.PhaseRecord, error) {
	return getPhase(ctx, r.DB, projectID, phase)
}

func (r Repo) GetPhaseTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase) (domain.PhaseRecord, error) {
	return getPhase(ctx, tx, projectID, phase)
}

// ListPhases returns the committed phases of a project in phase order.
func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.PhaseRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+phaseColumns+` FROM phases WHERE project_id=? ORDER BY phase ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseRecord
	for rows.Next() {
		rec, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// SavePhaseTx writes rec.Content at rec.Version. expectVersion is the version
// being replaced; 0 inserts the first version.
func (r Repo) SavePhaseTx(ctx context.Context, tx *sql.Tx, rec domain.PhaseRecord, expectVersion int64) error {
	data, err := domain.EncodeContent(rec.Content)
	if err != nil {
		return err
	}
	if expectVersion == 0 {
		_, err := tx.ExecContext(ctx, `INSERT INTO phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?)`,
			rec.ProjectID, int(rec.Phase), string(data), rec.Version, formatTime(rec.UpdatedAt), rec.UpdatedBy)
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE phases SET content_json=?, version=?, updated_at=?, updated_by=? WHERE project_id=? AND phase=? AND version=?`,
		string(data), rec.Version, formatTime(rec.UpdatedAt), rec.UpdatedBy, rec.ProjectID, int(rec.Phase), expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s expected v%d", ErrVersionConflict, rec.ProjectID, rec.Phase, expectVersion)
	}
	return nil
}

func (r Repo) InsertRevisionTx(ctx context.Context, tx *sql.Tx, rev domain.PhaseRevision) error {
	data, err := domain.EncodeContent(rev.Content)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO phase_revisions(project_id,phase,version,content_json,change_id,created_at,created_by) VALUES (?,?,?,?,?,?,?)`,
		rev.ProjectID, int(rev.Phase), rev.Version, string(data), nullable(rev.ChangeID), formatTime(rev.CreatedAt), rev.CreatedBy)
	return err
}

func scanRevision(row scanner) (domain.PhaseRevision, error) {
	var rev domain.PhaseRevision
	var phase int
	var content, createdAt string
	var changeID sql.NullString
	if err := row.Scan(&rev.ProjectID, &phase, &rev.Version, &content, &changeID, &createdAt, &rev.CreatedBy); err != nil {
		if err == sql.ErrNoRows {
			return rev, ErrNotFound
		}
		return rev, err
	}
	rev.Phase = domain.Phase(phase)
	c, err := domain.DecodeContent(rev.Phase, []byte(content))
	if err != nil {
		return rev, err
	}
	rev.Content = c
	rev.ChangeID = changeID.String
	rev.CreatedAt = parseTime(createdAt)
	return rev, nil
}

const revisionColumns = `project_id,phase,version,content_json,change_id,created_at,created_by`

// ListRevisions returns revisions newest first. beforeVersion > 0 pages past
// that version.
func (r Repo) ListRevisions(ctx context.Context, projectID string, phase domain.Phase, limit int, beforeVersion int64) ([]domain.PhaseRevision, error) {
	query := `SELECT ` + revisionColumns + ` FROM phase_revisions WHERE project_id=? AND phase=?`
	args := []any{projectID, int(phase)}
	if beforeVersion > 0 {
		query += ` AND version<?`
		args = append(args, beforeVersion)
	}
	query += ` ORDER BY version DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) GetRevisionTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, version int64) (domain.PhaseRevision, error) {
	return scanRevision(tx.QueryRowContext(ctx, `SELECT `+revisionColumns+` FROM phase_revisions WHERE project_id=? AND phase=? AND version=?`,
		projectID, int(phase), version))
}
