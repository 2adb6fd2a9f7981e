package domain

import (
	"fmt"
	"time"
)

type ChangeType string

const (
	ChangeManualEdit ChangeType = "manual_edit"
	ChangeAutoUpdate ChangeType = "auto_update"
)

type ChangeStatus string

const (
	StatusPending  ChangeStatus = "pending"
	StatusAccepted ChangeStatus = "accepted"
	StatusRejected ChangeStatus = "rejected"
	StatusApplied  ChangeStatus = "applied"
)

// Resolution records why a change left the pending state.
type Resolution string

const (
	ResolutionApplied  Resolution = "applied"
	ResolutionRejected Resolution = "rejected"
	ResolutionStale    Resolution = "stale"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// StoryChange is a single-field mutation of one phase, proposed or resolved.
type StoryChange struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	Phase          Phase          `json:"phase"`
	Type           ChangeType     `json:"type"`
	Field          string         `json:"field"`
	OldValue       string         `json:"old_value"`
	NewValue       string         `json:"new_value"`
	Reason         string         `json:"reason"`
	AffectedPhases []Phase        `json:"affected_phases"`
	Status         ChangeStatus   `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	SourcePhase    Phase          `json:"source_phase"`
	SourceVersion  int64          `json:"source_version"`
	AppliedAt      *time.Time     `json:"applied_at,omitempty"`
	Resolution     Resolution     `json:"resolution,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	UndoOf         string         `json:"undo_of,omitempty"`
	UndoneBy       string         `json:"undone_by,omitempty"`
	Preview        *ChangePreview `json:"preview,omitempty"`
}

// Undoable reports whether the change can still be reverted.
func (c StoryChange) Undoable() bool {
	return c.Status == StatusApplied && c.UndoneBy == ""
}

// Validate checks the structural invariants of a new change.
func (c StoryChange) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("change %s: project is required", c.ID)
	}
	if !c.Phase.Valid() {
		return fmt.Errorf("change %s: invalid phase %d", c.ID, int(c.Phase))
	}
	if c.Field == "" {
		return fmt.Errorf("change %s: field is required", c.ID)
	}
	switch c.Type {
	case ChangeManualEdit, ChangeAutoUpdate:
	default:
		return fmt.Errorf("change %s: invalid type %q", c.ID, c.Type)
	}
	for _, p := range c.AffectedPhases {
		if p <= c.Phase || !p.Valid() {
			return fmt.Errorf("change %s: affected phase %d must follow phase %d", c.ID, int(p), int(c.Phase))
		}
	}
	return nil
}

// FieldChange is one field edit shown in a preview.
type FieldChange struct {
	Field      string  `json:"field"`
	Before     string  `json:"before"`
	After      string  `json:"after"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// PhaseImpact summarizes how one phase is touched by a propagation pass.
type PhaseImpact struct {
	Phase          Phase     `json:"phase"`
	AffectedFields []string  `json:"affected_fields"`
	RiskLevel      RiskLevel `json:"risk_level"`
}

// ChangePreview is the review detail stored with a pending change.
type ChangePreview struct {
	ChangeID string        `json:"change_id"`
	Phase    Phase         `json:"phase"`
	Changes  []FieldChange `json:"changes"`
	Impact   []PhaseImpact `json:"impact"`
}

// Proposal pairs a new pending change with its preview.
type Proposal struct {
	Change  StoryChange
	Preview ChangePreview
}

// BatchResult is the per-change outcome of accept-all or reject-all.
type BatchResult struct {
	ChangeID   string       `json:"change_id"`
	Field      string       `json:"field"`
	Phase      Phase        `json:"phase"`
	Status     ChangeStatus `json:"status"`
	Resolution Resolution   `json:"resolution,omitempty"`
	Error      string       `json:"error,omitempty"`
}
