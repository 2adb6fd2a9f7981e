package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/db"
	"livestory/internal/domain"
	"livestory/internal/events"
	"livestory/internal/migrate"
	"livestory/internal/repo"
)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func dna(summary string) domain.Content {
	return &domain.StoryDNA{Title: "Night Shift", Summary: summary}
}

func TestSavePhaseCompareAndSwap(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := domain.PhaseRecord{ProjectID: "p", Phase: domain.PhaseDNA, Content: dna("one"), Version: 1, UpdatedAt: now, UpdatedBy: "alice"}

	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.EnsureProjectTx(ctx, tx, "p", now); err != nil {
			return err
		}
		return r.SavePhaseTx(ctx, tx, rec, 0)
	}))

	err := inTx(t, r, func(tx *sql.Tx) error { return r.SavePhaseTx(ctx, tx, rec, 0) })
	assert.ErrorIs(t, err, repo.ErrVersionConflict)

	rec.Content = dna("two")
	rec.Version = 2
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.SavePhaseTx(ctx, tx, rec, 1) }))

	rec.Version = 3
	err = inTx(t, r, func(tx *sql.Tx) error { return r.SavePhaseTx(ctx, tx, rec, 1) })
	assert.ErrorIs(t, err, repo.ErrVersionConflict)

	got, err := r.GetPhase(ctx, "p", domain.PhaseDNA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	summary, err := got.Content.Get("summary")
	require.NoError(t, err)
	assert.Equal(t, "two", summary)

	_, err = r.GetPhase(ctx, "p", domain.PhaseBeats)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPendingDedupAndResolve(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	change := domain.StoryChange{
		ID: "c1", ProjectID: "p", Phase: domain.PhaseStructure, Type: domain.ChangeAutoUpdate,
		Field: "stakes", OldValue: "a", NewValue: "b", Status: domain.StatusPending,
		Timestamp: now, SourcePhase: domain.PhaseDNA, SourceVersion: 2,
	}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.EnsureProjectTx(ctx, tx, "p", now); err != nil {
			return err
		}
		return r.InsertChangeTx(ctx, tx, change)
	}))

	dup := change
	dup.ID = "c2"
	dup.NewValue = "c"
	err := inTx(t, r, func(tx *sql.Tx) error {
		id, err := r.PendingDuplicateTx(ctx, tx, dup)
		require.NoError(t, err)
		assert.Equal(t, "c1", id)
		return r.InsertChangeTx(ctx, tx, dup)
	})
	assert.ErrorIs(t, err, repo.ErrDuplicate)

	res := repo.Resolution{Status: domain.StatusRejected, Resolution: domain.ResolutionRejected, ResolvedAt: now, ResolvedBy: "bob"}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.ResolveChangeTx(ctx, tx, "c1", res) }))
	err = inTx(t, r, func(tx *sql.Tx) error { return r.ResolveChangeTx(ctx, tx, "c1", res) })
	assert.ErrorIs(t, err, repo.ErrStateConflict)

	// once c1 left pending the same source may be proposed again
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.InsertChangeTx(ctx, tx, dup) }))

	pending, err := r.ListPending(ctx, "p")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ID)

	history, err := r.ListHistory(ctx, "p", 10, 0, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ResolutionRejected, history[0].Resolution)
	assert.Equal(t, "bob", history[0].ResolvedBy)
}

func TestEventCursors(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for i, typ := range []string{events.PhaseCommitted, events.ChangeProposed, events.ChangeApplied} {
		require.NoError(t, w.AppendDB(ctx, typ, "p", "change", "c", "alice", events.EventPayload{"n": i}))
	}
	require.NoError(t, w.AppendDB(ctx, events.PhaseCommitted, "other", "phase", "dna", "bob", nil))

	latest, err := r.LatestEventID(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	newest, err := r.LatestEventsFrom(ctx, 2, 0, "p", "", "")
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, events.ChangeApplied, newest[0].Type)

	older, err := r.LatestEventsFrom(ctx, 10, newest[1].ID, "p", "", "")
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, events.PhaseCommitted, older[0].Type)

	after, err := r.EventsAfter(ctx, 10, 1, "p")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].ID)

	filtered, err := r.LatestEventsFrom(ctx, 10, 0, "", events.PhaseCommitted, "")
	require.NoError(t, err)
	assert.Len(t, filtered, 2)
}

func TestPendingSnapshotSeqFollowsEvents(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	w := events.Writer{DB: r.DB}

	pending, seq, err := r.PendingSnapshot(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, seq)

	change := domain.StoryChange{
		ID: "c1", ProjectID: "p", Phase: domain.PhaseStructure, Type: domain.ChangeAutoUpdate,
		Field: "stakes", OldValue: "a", NewValue: "b", Status: domain.StatusPending,
		Timestamp: now, SourcePhase: domain.PhaseDNA, SourceVersion: 2,
	}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.EnsureProjectTx(ctx, tx, "p", now); err != nil {
			return err
		}
		if err := r.InsertChangeTx(ctx, tx, change); err != nil {
			return err
		}
		return w.Append(ctx, tx, events.ChangeProposed, "p", "change", "c1", "alice", nil)
	}))
	require.NoError(t, w.AppendDB(ctx, events.PhaseCommitted, "other", "phase", "dna", "bob", nil))

	pending, first, err := r.PendingSnapshot(ctx, "p")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Positive(t, first)

	res := repo.Resolution{Status: domain.StatusRejected, Resolution: domain.ResolutionRejected, ResolvedAt: now, ResolvedBy: "bob"}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.ResolveChangeTx(ctx, tx, "c1", res); err != nil {
			return err
		}
		return w.Append(ctx, tx, events.ChangeRejected, "p", "change", "c1", "bob", nil)
	}))

	pending, second, err := r.PendingSnapshot(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Greater(t, second, first)
}
