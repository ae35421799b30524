// internal/storage/client_store.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// Keys under sync_state.
const (
	StateDeviceID = "device_id"
	StateClock    = "vector_clock"
	StateLastSync = "last_sync"
	StateFailures = "consecutive_failures"
)

// SyncStatus is the tracker's view of one locally mutated entity.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
)

// ClientStore is a replica: the shared core plus the change tracker
// and the replica's own sync state.
type ClientStore struct {
	*Store
}

// OpenClient connects to a replica database and applies the schema.
func OpenClient(driver, dsn string) (*ClientStore, error) {
	s, err := openStore(driver, dsn, schemaCore, schemaClient)
	if err != nil {
		return nil, err
	}
	return &ClientStore{Store: s}, nil
}

// TrackerRow tags one locally mutated entity with its sync state.
type TrackerRow struct {
	EntityID       string                  `db:"entity_id"`
	EntityType     inbetweenies.EntityType `db:"entity_type"`
	SyncStatus     SyncStatus              `db:"sync_status"`
	Operation      inbetweenies.ChangeType `db:"operation"`
	LastModified   time.Time               `db:"last_modified"`
	ConflictReason string                  `db:"conflict_reason"`
	RetryCount     int                     `db:"retry_count"`
}

const trackerColumns = `entity_id, entity_type, sync_status, operation,
	last_modified, conflict_reason, retry_count`

func getTracker(ctx context.Context, ext sqlx.ExtContext, entityID string) (*TrackerRow, error) {
	var row TrackerRow
	q := ext.Rebind(`SELECT ` + trackerColumns + ` FROM sync_tracker WHERE entity_id = ?`)
	err := sqlx.GetContext(ctx, ext, &row, q, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tracker row %s", ErrNotFound, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: tracker row %s: %w", entityID, err)
	}
	return &row, nil
}

// MarkPending records a local mutation. An entity created locally and
// then edited keeps operation=create until the creation reaches the
// server; a delete supersedes whatever came before. Conflict rows go
// back to pending on local overwrite; retry counts survive until a
// successful sync clears them.
func (t *Tx) MarkPending(ctx context.Context, entityID string, entityType inbetweenies.EntityType, op inbetweenies.ChangeType, now time.Time) error {
	existing, err := getTracker(ctx, t.tx, entityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Operation == inbetweenies.ChangeTypeCreate &&
			existing.SyncStatus != StatusSynced && op == inbetweenies.ChangeTypeUpdate {
			op = inbetweenies.ChangeTypeCreate
		}
		q := t.tx.Rebind(`UPDATE sync_tracker SET sync_status = ?, operation = ?,
			last_modified = ?, conflict_reason = '' WHERE entity_id = ?`)
		if _, err := t.tx.ExecContext(ctx, q, StatusPending, op, now.UTC(), entityID); err != nil {
			return fmt.Errorf("storage: mark pending %s: %w", entityID, err)
		}
		return nil
	}
	q := t.tx.Rebind(`INSERT INTO sync_tracker (` + trackerColumns + `)
		VALUES (?, ?, ?, ?, ?, '', 0)`)
	if _, err := t.tx.ExecContext(ctx, q, entityID, entityType, StatusPending, op, now.UTC()); err != nil {
		return fmt.Errorf("storage: track %s: %w", entityID, err)
	}
	return nil
}

// MarkSynced settles a tracker row after a successful push. It clears
// the conflict reason, resets the retry count, and removes the row
// entirely once a delete is acknowledged. Calling it again, or for an
// untracked entity, changes nothing.
func (t *Tx) MarkSynced(ctx context.Context, entityID string, now time.Time) error {
	existing, err := getTracker(ctx, t.tx, entityID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Operation == inbetweenies.ChangeTypeDelete {
		q := t.tx.Rebind(`DELETE FROM sync_tracker WHERE entity_id = ?`)
		if _, err := t.tx.ExecContext(ctx, q, entityID); err != nil {
			return fmt.Errorf("storage: drop tracker %s: %w", entityID, err)
		}
		return nil
	}
	q := t.tx.Rebind(`UPDATE sync_tracker SET sync_status = ?, conflict_reason = '',
		retry_count = 0, last_modified = ? WHERE entity_id = ?`)
	if _, err := t.tx.ExecContext(ctx, q, StatusSynced, now.UTC(), entityID); err != nil {
		return fmt.Errorf("storage: mark synced %s: %w", entityID, err)
	}
	return nil
}

// MarkConflict flags a tracker row and bumps its retry count. A
// conflict reported for an entity with no row yet (a divergence the
// server observed first) creates one.
func (t *Tx) MarkConflict(ctx context.Context, entityID string, entityType inbetweenies.EntityType, reason string, now time.Time) error {
	q := t.tx.Rebind(`UPDATE sync_tracker SET sync_status = ?, conflict_reason = ?,
		retry_count = retry_count + 1, last_modified = ? WHERE entity_id = ?`)
	res, err := t.tx.ExecContext(ctx, q, StatusConflict, reason, now.UTC(), entityID)
	if err != nil {
		return fmt.Errorf("storage: mark conflict %s: %w", entityID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if entityType == "" {
		entityType = inbetweenies.EntityTypeDevice
	}
	ins := t.tx.Rebind(`INSERT INTO sync_tracker (` + trackerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, 1)`)
	if _, err := t.tx.ExecContext(ctx, ins, entityID, entityType, StatusConflict,
		inbetweenies.ChangeTypeUpdate, now.UTC(), reason); err != nil {
		return fmt.Errorf("storage: track conflict %s: %w", entityID, err)
	}
	return nil
}

// Tracker looks up one tracker row.
func (s *ClientStore) Tracker(ctx context.Context, entityID string) (*TrackerRow, error) {
	return getTracker(ctx, s.db, entityID)
}

// Tracker looks up one tracker row within the transaction.
func (t *Tx) Tracker(ctx context.Context, entityID string) (*TrackerRow, error) {
	return getTracker(ctx, t.tx, entityID)
}

// Pending lists rows awaiting a push, oldest mutation first.
func (s *ClientStore) Pending(ctx context.Context) ([]TrackerRow, error) {
	var out []TrackerRow
	q := s.db.Rebind(`SELECT ` + trackerColumns + ` FROM sync_tracker
		WHERE sync_status = ? ORDER BY last_modified, entity_id`)
	if err := sqlx.SelectContext(ctx, s.db, &out, q, StatusPending); err != nil {
		return nil, fmt.Errorf("storage: pending rows: %w", err)
	}
	return out, nil
}

// TrackerRows lists every tracker row.
func (s *ClientStore) TrackerRows(ctx context.Context) ([]TrackerRow, error) {
	var out []TrackerRow
	q := s.db.Rebind(`SELECT ` + trackerColumns + ` FROM sync_tracker ORDER BY last_modified, entity_id`)
	if err := sqlx.SelectContext(ctx, s.db, &out, q); err != nil {
		return nil, fmt.Errorf("storage: tracker rows: %w", err)
	}
	return out, nil
}

// Conflicted lists rows stuck in conflict.
func (s *ClientStore) Conflicted(ctx context.Context) ([]TrackerRow, error) {
	var out []TrackerRow
	q := s.db.Rebind(`SELECT ` + trackerColumns + ` FROM sync_tracker
		WHERE sync_status = ? ORDER BY last_modified, entity_id`)
	if err := sqlx.SelectContext(ctx, s.db, &out, q, StatusConflict); err != nil {
		return nil, fmt.Errorf("storage: conflicted rows: %w", err)
	}
	return out, nil
}

// CountPending returns the number of rows awaiting a push.
func (s *ClientStore) CountPending(ctx context.Context) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(1) FROM sync_tracker WHERE sync_status = ?`)
	if err := sqlx.GetContext(ctx, s.db, &n, q, StatusPending); err != nil {
		return 0, fmt.Errorf("storage: count pending: %w", err)
	}
	return n, nil
}

// State reads one sync_state value.
func (s *ClientStore) State(ctx context.Context, key string) (string, error) {
	return getState(ctx, s.db, "sync_state", key)
}

// SetState writes one sync_state value outside any transaction.
func (s *ClientStore) SetState(ctx context.Context, key, value string) error {
	return setState(ctx, s.db, "sync_state", key, value)
}

// SetState writes one sync_state value within the transaction.
func (t *Tx) SetState(ctx context.Context, key, value string) error {
	return setState(ctx, t.tx, "sync_state", key, value)
}

// VectorClock loads the replica's last known server clock. A fresh
// replica yields an empty clock.
func (s *ClientStore) VectorClock(ctx context.Context) (inbetweenies.VectorClock, error) {
	return stateClock(ctx, s.db, "sync_state")
}

// VectorClock loads the replica's clock within the transaction.
func (t *Tx) VectorClock(ctx context.Context) (inbetweenies.VectorClock, error) {
	return stateClock(ctx, t.tx, "sync_state")
}

// SaveVectorClock persists the clock in the same transaction that
// applied the response it came from.
func (t *Tx) SaveVectorClock(ctx context.Context, vc inbetweenies.VectorClock) error {
	return saveStateClock(ctx, t.tx, "sync_state", vc)
}

// LastSync returns the time of the last successful round-trip, zero
// when the replica has never synced.
func (s *ClientStore) LastSync(ctx context.Context) (time.Time, error) {
	raw, err := s.State(ctx, StateLastSync)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse last_sync: %w", err)
	}
	return ts, nil
}

// SetLastSync records a successful round-trip within the transaction.
func (t *Tx) SetLastSync(ctx context.Context, now time.Time) error {
	return t.SetState(ctx, StateLastSync, now.UTC().Format(time.RFC3339Nano))
}

// EnsureDeviceID returns the replica's stable device id, minting one
// on first use.
func (s *ClientStore) EnsureDeviceID(ctx context.Context, preferred string) (string, error) {
	existing, err := s.State(ctx, StateDeviceID)
	if err == nil && existing != "" {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if preferred == "" {
		preferred = "device-" + uuid.NewString()
	}
	if err := s.SetState(ctx, StateDeviceID, preferred); err != nil {
		return "", err
	}
	return preferred, nil
}
