package server

import (
	"encoding/json"
	"time"

	"livestory/internal/domain"
	"livestory/internal/engine"
	"livestory/internal/notify"
)

// Request payloads

type CommitPhaseRequest struct {
	Content map[string]any `json:"content"`
}

// Response payloads

type PhaseResponse struct {
	ProjectID string         `json:"project_id"`
	Phase     int            `json:"phase" minimum:"1" maximum:"4"`
	Name      string         `json:"name" enum:"dna,structure,beats,document"`
	Title     string         `json:"title"`
	Version   int64          `json:"version"`
	Content   map[string]any `json:"content"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by"`
}

type RevisionResponse struct {
	ProjectID string         `json:"project_id"`
	Phase     int            `json:"phase"`
	Version   int64          `json:"version"`
	Content   map[string]any `json:"content"`
	ChangeID  string         `json:"change_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by"`
}

type FieldChangeResponse struct {
	Field      string  `json:"field"`
	Before     string  `json:"before"`
	After      string  `json:"after"`
	Confidence float64 `json:"confidence" minimum:"0" maximum:"1"`
	Reason     string  `json:"reason"`
}

type PhaseImpactResponse struct {
	Phase          int      `json:"phase"`
	AffectedFields []string `json:"affected_fields"`
	RiskLevel      string   `json:"risk_level" enum:"low,medium,high"`
}

type PreviewResponse struct {
	ChangeID string                `json:"change_id"`
	Phase    int                   `json:"phase"`
	Changes  []FieldChangeResponse `json:"changes"`
	Impact   []PhaseImpactResponse `json:"impact"`
}

type ChangeResponse struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	Phase          int              `json:"phase"`
	PhaseName      string           `json:"phase_name"`
	Type           string           `json:"type" enum:"manual_edit,auto_update"`
	Field          string           `json:"field"`
	OldValue       string           `json:"old_value"`
	NewValue       string           `json:"new_value"`
	Reason         string           `json:"reason"`
	AffectedPhases []int            `json:"affected_phases"`
	Status         string           `json:"status" enum:"pending,accepted,rejected,applied"`
	Timestamp      time.Time        `json:"timestamp"`
	SourcePhase    int              `json:"source_phase"`
	SourceVersion  int64            `json:"source_version"`
	AppliedAt      *time.Time       `json:"applied_at,omitempty"`
	Resolution     string           `json:"resolution,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy     string           `json:"resolved_by,omitempty"`
	UndoOf         string           `json:"undo_of,omitempty"`
	UndoneBy       string           `json:"undone_by,omitempty"`
	Preview        *PreviewResponse `json:"preview,omitempty"`
}

type paginatedChanges struct {
	Items      []ChangeResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type PropagationResponse struct {
	Proposed      []ChangeResponse `json:"proposed"`
	Duplicates    []string         `json:"duplicates"`
	Stale         []string         `json:"stale"`
	AnalysisError string           `json:"analysis_error,omitempty"`
}

type CommitResponse struct {
	Phase         PhaseResponse       `json:"phase"`
	ChangedFields []string            `json:"changed_fields"`
	ManualChanges []ChangeResponse    `json:"manual_changes"`
	Propagation   PropagationResponse `json:"propagation"`
}

type BatchResultResponse struct {
	ChangeID   string `json:"change_id"`
	Field      string `json:"field"`
	Phase      int    `json:"phase"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BatchResponse struct {
	Results []BatchResultResponse `json:"results"`
}

type UndoResponse struct {
	Undone   ChangeResponse `json:"undone"`
	Reversal ChangeResponse `json:"reversal"`
}

type SummaryResponse struct {
	ProjectID       string            `json:"project_id"`
	Pending         int               `json:"pending"`
	ByPhase         map[string]int    `json:"by_phase"`
	Previews        []PreviewResponse `json:"previews"`
	OldestPendingAt *time.Time        `json:"oldest_pending_at,omitempty"`
	Digest          string            `json:"digest"`
	Seq             int64             `json:"seq" doc:"Orders summaries of one project; larger is newer"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func contentMap(c domain.Content) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	data, err := domain.EncodeContent(c)
	if err != nil {
		return map[string]any{}
	}
	raw := string(data)
	if m := decodeJSONMap(&raw); m != nil {
		return m
	}
	return map[string]any{}
}

func phaseResponse(rec domain.PhaseRecord) PhaseResponse {
	return PhaseResponse{
		ProjectID: rec.ProjectID,
		Phase:     int(rec.Phase),
		Name:      rec.Phase.String(),
		Title:     rec.Phase.Title(),
		Version:   rec.Version,
		Content:   contentMap(rec.Content),
		UpdatedAt: rec.UpdatedAt,
		UpdatedBy: rec.UpdatedBy,
	}
}

func revisionResponse(rev domain.PhaseRevision) RevisionResponse {
	return RevisionResponse{
		ProjectID: rev.ProjectID,
		Phase:     int(rev.Phase),
		Version:   rev.Version,
		Content:   contentMap(rev.Content),
		ChangeID:  rev.ChangeID,
		CreatedAt: rev.CreatedAt,
		CreatedBy: rev.CreatedBy,
	}
}

func phaseInts(in []domain.Phase) []int {
	out := make([]int, 0, len(in))
	for _, p := range in {
		out = append(out, int(p))
	}
	return out
}

func previewResponse(p domain.ChangePreview) PreviewResponse {
	res := PreviewResponse{
		ChangeID: p.ChangeID,
		Phase:    int(p.Phase),
		Changes:  []FieldChangeResponse{},
		Impact:   []PhaseImpactResponse{},
	}
	for _, c := range p.Changes {
		res.Changes = append(res.Changes, FieldChangeResponse(c))
	}
	for _, im := range p.Impact {
		res.Impact = append(res.Impact, PhaseImpactResponse{
			Phase:          int(im.Phase),
			AffectedFields: nonNilSlice(im.AffectedFields),
			RiskLevel:      string(im.RiskLevel),
		})
	}
	return res
}

func changeResponse(c domain.StoryChange) ChangeResponse {
	res := ChangeResponse{
		ID:             c.ID,
		ProjectID:      c.ProjectID,
		Phase:          int(c.Phase),
		PhaseName:      c.Phase.String(),
		Type:           string(c.Type),
		Field:          c.Field,
		OldValue:       c.OldValue,
		NewValue:       c.NewValue,
		Reason:         c.Reason,
		AffectedPhases: phaseInts(c.AffectedPhases),
		Status:         string(c.Status),
		Timestamp:      c.Timestamp,
		SourcePhase:    int(c.SourcePhase),
		SourceVersion:  c.SourceVersion,
		AppliedAt:      c.AppliedAt,
		Resolution:     string(c.Resolution),
		ResolvedAt:     c.ResolvedAt,
		ResolvedBy:     c.ResolvedBy,
		UndoOf:         c.UndoOf,
		UndoneBy:       c.UndoneBy,
	}
	if c.Preview != nil {
		p := previewResponse(*c.Preview)
		res.Preview = &p
	}
	return res
}

func mapChanges(items []domain.StoryChange) []ChangeResponse {
	out := make([]ChangeResponse, 0, len(items))
	for _, c := range items {
		out = append(out, changeResponse(c))
	}
	return out
}

func commitResponse(res engine.CommitResult) CommitResponse {
	out := CommitResponse{
		Phase:         phaseResponse(res.Phase),
		ChangedFields: nonNilSlice(res.Diff.Paths()),
		ManualChanges: mapChanges(res.ManualChanges),
		Propagation: PropagationResponse{
			Proposed:   mapChanges(res.Enqueue.Enqueued),
			Duplicates: nonNilSlice(res.Enqueue.Duplicates),
			Stale:      nonNilSlice(res.Enqueue.Stale),
		},
	}
	if res.AnalysisError != nil {
		out.Propagation.AnalysisError = res.AnalysisError.Error()
	}
	return out
}

func batchResponse(results []domain.BatchResult) BatchResponse {
	out := BatchResponse{Results: make([]BatchResultResponse, 0, len(results))}
	for _, r := range results {
		out.Results = append(out.Results, BatchResultResponse{
			ChangeID:   r.ChangeID,
			Field:      r.Field,
			Phase:      int(r.Phase),
			Status:     string(r.Status),
			Resolution: string(r.Resolution),
			Error:      r.Error,
		})
	}
	return out
}

func summaryResponse(s notify.Summary) SummaryResponse {
	res := SummaryResponse{
		ProjectID:       s.ProjectID,
		Pending:         s.Pending,
		ByPhase:         s.ByPhase,
		Previews:        []PreviewResponse{},
		OldestPendingAt: s.OldestPendingAt,
		Digest:          s.Digest,
		Seq:             s.Seq,
		GeneratedAt:     s.GeneratedAt,
	}
	if res.ByPhase == nil {
		res.ByPhase = map[string]int{}
	}
	for _, p := range s.Previews {
		res.Previews = append(res.Previews, previewResponse(p))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
