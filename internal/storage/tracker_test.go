// internal/storage/tracker_test.go
package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

func markPending(t *testing.T, s *ClientStore, id string, op inbetweenies.ChangeType) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.MarkPending(context.Background(), id, inbetweenies.EntityTypeDevice, op, time.Now())
	})
	require.NoError(t, err)
}

func TestTrackerPendingLifecycle(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	markPending(t, s, "device-001", inbetweenies.ChangeTypeCreate)

	row, err := s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.SyncStatus)
	assert.Equal(t, inbetweenies.ChangeTypeCreate, row.Operation)
	assert.Equal(t, 0, row.RetryCount)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTrackerEditBeforePushKeepsCreate(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	markPending(t, s, "device-001", inbetweenies.ChangeTypeCreate)
	markPending(t, s, "device-001", inbetweenies.ChangeTypeUpdate)

	row, err := s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, inbetweenies.ChangeTypeCreate, row.Operation,
		"an unsynced creation stays a create even after local edits")

	markPending(t, s, "device-001", inbetweenies.ChangeTypeDelete)
	row, err = s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, inbetweenies.ChangeTypeDelete, row.Operation)
}

func TestMarkSyncedIdempotent(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	markPending(t, s, "device-001", inbetweenies.ChangeTypeCreate)

	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.MarkSynced(ctx, "device-001", time.Now())
		})
		require.NoError(t, err)
	}

	row, err := s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, row.SyncStatus)
	assert.Equal(t, 0, row.RetryCount)
	assert.Empty(t, row.ConflictReason)

	// Synced entities edited again go back to pending as updates.
	markPending(t, s, "device-001", inbetweenies.ChangeTypeUpdate)
	row, err = s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.SyncStatus)
	assert.Equal(t, inbetweenies.ChangeTypeUpdate, row.Operation)

	// Marking an untracked entity synced is a no-op.
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSynced(ctx, "device-404", time.Now())
	})
	require.NoError(t, err)
}

func TestMarkSyncedRemovesAcknowledgedDelete(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	markPending(t, s, "device-001", inbetweenies.ChangeTypeDelete)
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSynced(ctx, "device-001", time.Now())
	})
	require.NoError(t, err)

	_, err = s.Tracker(ctx, "device-001")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkConflict(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	markPending(t, s, "device-001", inbetweenies.ChangeTypeUpdate)

	for i := 1; i <= 2; i++ {
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.MarkConflict(ctx, "device-001", "", "server has newer version", time.Now())
		})
		require.NoError(t, err)

		row, err := s.Tracker(ctx, "device-001")
		require.NoError(t, err)
		assert.Equal(t, StatusConflict, row.SyncStatus)
		assert.Equal(t, "server has newer version", row.ConflictReason)
		assert.Equal(t, i, row.RetryCount, "each conflict bumps the retry count")
	}

	conflicted, err := s.Conflicted(ctx)
	require.NoError(t, err)
	assert.Len(t, conflicted, 1)

	// Local overwrite sends the row back to pending and clears the
	// reason; the retry count survives until a successful sync.
	markPending(t, s, "device-001", inbetweenies.ChangeTypeUpdate)
	row, err := s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.SyncStatus)
	assert.Empty(t, row.ConflictReason)
	assert.Equal(t, 2, row.RetryCount)

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSynced(ctx, "device-001", time.Now())
	})
	require.NoError(t, err)
	row, err = s.Tracker(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, 0, row.RetryCount)
}

func TestMarkConflictCreatesMissingRow(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkConflict(ctx, "device-009", inbetweenies.EntityTypeDevice,
			"diverged from server", time.Now())
	})
	require.NoError(t, err)

	row, err := s.Tracker(ctx, "device-009")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, row.SyncStatus)
	assert.Equal(t, 1, row.RetryCount)
}

func TestClientState(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	// Fresh replica: empty clock, zero last sync.
	vc, err := s.VectorClock(ctx)
	require.NoError(t, err)
	assert.True(t, vc.IsZero())

	last, err := s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := inbetweenies.NewVectorClock()
	clock.Set("server-1", "7")
	err = s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SaveVectorClock(ctx, clock); err != nil {
			return err
		}
		return tx.SetLastSync(ctx, now)
	})
	require.NoError(t, err)

	vc, err = s.VectorClock(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", vc.Counter("server-1"))

	last, err = s.LastSync(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestEnsureDeviceIDStable(t *testing.T) {
	s := setupClientStore(t)
	ctx := context.Background()

	id1, err := s.EnsureDeviceID(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	// The preferred id loses to the one already minted.
	id2, err := s.EnsureDeviceID(ctx, "device-other")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
