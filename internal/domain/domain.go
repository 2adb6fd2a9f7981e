package domain

import "time"

type Project struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PhaseRecord is the committed value of one phase of a project.
type PhaseRecord struct {
	ProjectID string    `json:"project_id"`
	Phase     Phase     `json:"phase"`
	Content   Content   `json:"content"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
}

// PhaseRevision is one historical version of a phase.
type PhaseRevision struct {
	ProjectID string    `json:"project_id"`
	Phase     Phase     `json:"phase"`
	Version   int64     `json:"version"`
	Content   Content   `json:"content"`
	ChangeID  string    `json:"change_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
