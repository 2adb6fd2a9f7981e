// Package notify derives pending-change summaries from the change queue and
// fans them out to subscribers. It holds no queue state of its own.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"livestory/internal/domain"
)

const DefaultPreviewLimit = 3

// PendingLister is the read side of the change queue. seq orders snapshots
// of the same project: a larger seq is a later committed state.
type PendingLister interface {
	PendingSnapshot(ctx context.Context, projectID string) (pending []domain.StoryChange, seq int64, err error)
}

// Summary is what a client needs to render the pending-change badge and
// the first few previews.
type Summary struct {
	ProjectID       string                 `json:"project_id"`
	Pending         int                    `json:"pending"`
	ByPhase         map[string]int         `json:"by_phase"`
	Previews        []domain.ChangePreview `json:"previews"`
	OldestPendingAt *time.Time             `json:"oldest_pending_at,omitempty"`
	// Digest changes whenever the set of pending change ids changes.
	Digest string `json:"digest"`
	// Seq orders summaries of one project; publishers drop anything older
	// than what they already hold.
	Seq         int64     `json:"seq"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Summarize reads the pending queue once, so every field of the summary
// reflects the same committed state.
func Summarize(ctx context.Context, lister PendingLister, projectID string, limit int, now time.Time) (Summary, error) {
	pending, seq, err := lister.PendingSnapshot(ctx, projectID)
	if err != nil {
		return Summary{}, err
	}
	s := build(projectID, pending, limit, now)
	s.Seq = seq
	return s, nil
}

// Older reports whether s describes an earlier state than prev.
func (s Summary) Older(prev Summary) bool {
	return s.Seq < prev.Seq
}

func build(projectID string, pending []domain.StoryChange, limit int, now time.Time) Summary {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	s := Summary{
		ProjectID:   projectID,
		Pending:     len(pending),
		ByPhase:     map[string]int{},
		Previews:    []domain.ChangePreview{},
		GeneratedAt: now.UTC(),
	}
	h := sha256.New()
	for i, c := range pending {
		s.ByPhase[c.Phase.String()]++
		h.Write([]byte(c.ID))
		h.Write([]byte{0})
		if i == 0 {
			ts := c.Timestamp
			s.OldestPendingAt = &ts
		}
		if len(s.Previews) < limit {
			s.Previews = append(s.Previews, previewOf(c))
		}
	}
	s.Digest = hex.EncodeToString(h.Sum(nil))[:16]
	return s
}

func previewOf(c domain.StoryChange) domain.ChangePreview {
	if c.Preview != nil {
		return *c.Preview
	}
	return domain.ChangePreview{
		ChangeID: c.ID,
		Phase:    c.Phase,
		Changes: []domain.FieldChange{{
			Field:  c.Field,
			Before: c.OldValue,
			After:  c.NewValue,
			Reason: c.Reason,
		}},
	}
}
