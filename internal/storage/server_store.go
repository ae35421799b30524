// internal/storage/server_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// Keys under server_state.
const (
	serverStateDeviceID = "device_id"
	serverStateClock    = "vector_clock"
)

// ServerStore is the authoritative store: the shared core plus the
// conflict ledger, the device registry, and the server's own sync
// state.
type ServerStore struct {
	*Store
}

// OpenServer connects to the server database and applies the schema.
func OpenServer(driver, dsn string) (*ServerStore, error) {
	s, err := openStore(driver, dsn, schemaCore, schemaServer)
	if err != nil {
		return nil, err
	}
	return &ServerStore{Store: s}, nil
}

// ConflictRecord is one row of the server's conflict ledger. Resolved
// rows record how a policy settled the leaves; unresolved rows wait
// for an explicit merge version.
type ConflictRecord struct {
	ID            string    `db:"id" json:"id"`
	EntityID      string    `db:"entity_id" json:"entity_id"`
	LocalVersion  string    `db:"local_version" json:"local_version,omitempty"`
	RemoteVersion string    `db:"remote_version" json:"remote_version,omitempty"`
	Kind          string    `db:"kind" json:"kind,omitempty"`
	Detail        string    `db:"detail" json:"detail,omitempty"`
	Strategy      string    `db:"strategy" json:"strategy,omitempty"`
	WinnerVersion string    `db:"winner_version" json:"winner_version,omitempty"`
	MergeVersion  string    `db:"merge_version" json:"merge_version,omitempty"`
	Resolved      int       `db:"resolved" json:"resolved"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// RecordConflict appends a report to the conflict ledger.
func (t *Tx) RecordConflict(ctx context.Context, report *inbetweenies.ConflictReport, resolved bool, now time.Time) error {
	rec := ConflictRecord{
		ID:            uuid.NewString(),
		EntityID:      report.EntityID,
		LocalVersion:  report.LocalVersion,
		RemoteVersion: report.RemoteVersion,
		Kind:          string(report.Kind),
		Detail:        report.Detail,
		CreatedAt:     now.UTC(),
	}
	if report.Resolution != nil {
		rec.Strategy = string(report.Resolution.Strategy)
		rec.WinnerVersion = report.Resolution.WinnerVersion
		rec.MergeVersion = report.Resolution.MergeVersion
	}
	if resolved {
		rec.Resolved = 1
	}
	q := t.tx.Rebind(`INSERT INTO server_conflicts
		(id, entity_id, local_version, remote_version, kind, detail,
		 strategy, winner_version, merge_version, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := t.tx.ExecContext(ctx, q,
		rec.ID, rec.EntityID, rec.LocalVersion, rec.RemoteVersion, rec.Kind,
		rec.Detail, rec.Strategy, rec.WinnerVersion, rec.MergeVersion,
		rec.Resolved, rec.CreatedAt); err != nil {
		return fmt.Errorf("storage: record conflict for %s: %w", report.EntityID, err)
	}
	return nil
}

// UnresolvedConflicts lists ledger rows still waiting for resolution.
func (s *ServerStore) UnresolvedConflicts(ctx context.Context) ([]ConflictRecord, error) {
	var out []ConflictRecord
	q := s.db.Rebind(`SELECT id, entity_id, local_version, remote_version, kind, detail,
		strategy, winner_version, merge_version, resolved, created_at
		FROM server_conflicts WHERE resolved = 0 ORDER BY created_at, id`)
	if err := sqlx.SelectContext(ctx, s.db, &out, q); err != nil {
		return nil, fmt.Errorf("storage: unresolved conflicts: %w", err)
	}
	return out, nil
}

// ResolveConflicts marks every open ledger row for an entity resolved.
// Called when a merge version unifies the entity's leaves.
func (t *Tx) ResolveConflicts(ctx context.Context, entityID string) error {
	q := t.tx.Rebind(`UPDATE server_conflicts SET resolved = 1 WHERE entity_id = ? AND resolved = 0`)
	if _, err := t.tx.ExecContext(ctx, q, entityID); err != nil {
		return fmt.Errorf("storage: resolve conflicts for %s: %w", entityID, err)
	}
	return nil
}

// DeviceRecord is the server's view of one syncing device.
type DeviceRecord struct {
	DeviceID  string    `db:"device_id"`
	UserID    string    `db:"user_id"`
	LastSync  time.Time `db:"last_sync"`
	ClockJSON string    `db:"clock_json"`
}

// Clock decodes the device's last reported vector clock.
func (d *DeviceRecord) Clock() (inbetweenies.VectorClock, error) {
	vc := inbetweenies.NewVectorClock()
	if d.ClockJSON == "" {
		return vc, nil
	}
	if err := json.Unmarshal([]byte(d.ClockJSON), &vc); err != nil {
		return vc, fmt.Errorf("storage: decode clock for %s: %w", d.DeviceID, err)
	}
	return vc, nil
}

// UpsertDevice records the device's latest sync within the request's
// transaction.
func (t *Tx) UpsertDevice(ctx context.Context, deviceID, userID string, now time.Time, clock inbetweenies.VectorClock) error {
	raw, err := json.Marshal(clock)
	if err != nil {
		return fmt.Errorf("storage: encode clock for %s: %w", deviceID, err)
	}
	q := t.tx.Rebind(`INSERT INTO sync_devices (device_id, user_id, last_sync, clock_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			user_id = excluded.user_id,
			last_sync = excluded.last_sync,
			clock_json = excluded.clock_json`)
	if _, err := t.tx.ExecContext(ctx, q, deviceID, userID, now.UTC(), string(raw)); err != nil {
		return fmt.Errorf("storage: upsert device %s: %w", deviceID, err)
	}
	return nil
}

// Device looks up one registered device.
func (s *ServerStore) Device(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	var rec DeviceRecord
	q := s.db.Rebind(`SELECT device_id, user_id, last_sync, clock_json FROM sync_devices WHERE device_id = ?`)
	err := sqlx.GetContext(ctx, s.db, &rec, q, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: device %s: %w", deviceID, err)
	}
	return &rec, nil
}

// Devices lists every registered device.
func (s *ServerStore) Devices(ctx context.Context) ([]DeviceRecord, error) {
	var out []DeviceRecord
	q := `SELECT device_id, user_id, last_sync, clock_json FROM sync_devices ORDER BY device_id`
	if err := sqlx.SelectContext(ctx, s.db, &out, s.db.Rebind(q)); err != nil {
		return nil, fmt.Errorf("storage: devices: %w", err)
	}
	return out, nil
}

func getState(ctx context.Context, ext sqlx.ExtContext, table, key string) (string, error) {
	var value string
	q := ext.Rebind(`SELECT value FROM ` + table + ` WHERE key = ?`)
	err := sqlx.GetContext(ctx, ext, &value, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: state key %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("storage: state %s: %w", key, err)
	}
	return value, nil
}

func setState(ctx context.Context, ext sqlx.ExtContext, table, key, value string) error {
	q := ext.Rebind(`INSERT INTO ` + table + ` (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if _, err := ext.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("storage: set state %s: %w", key, err)
	}
	return nil
}

func stateClock(ctx context.Context, ext sqlx.ExtContext, table string) (inbetweenies.VectorClock, error) {
	vc := inbetweenies.NewVectorClock()
	raw, err := getState(ctx, ext, table, serverStateClock)
	if errors.Is(err, ErrNotFound) {
		return vc, nil
	}
	if err != nil {
		return vc, err
	}
	if err := json.Unmarshal([]byte(raw), &vc); err != nil {
		return vc, fmt.Errorf("storage: decode stored clock: %w", err)
	}
	return vc, nil
}

func saveStateClock(ctx context.Context, ext sqlx.ExtContext, table string, vc inbetweenies.VectorClock) error {
	raw, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("storage: encode clock: %w", err)
	}
	return setState(ctx, ext, table, serverStateClock, string(raw))
}

// EnsureDeviceID returns the server's stable device id, writing the
// preferred one on first start. An empty preferred id gets a random
// identity.
func (s *ServerStore) EnsureDeviceID(ctx context.Context, preferred string) (string, error) {
	existing, err := getState(ctx, s.db, "server_state", serverStateDeviceID)
	if err == nil && existing != "" {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if preferred == "" {
		preferred = "server-" + uuid.NewString()
	}
	if err := setState(ctx, s.db, "server_state", serverStateDeviceID, preferred); err != nil {
		return "", err
	}
	return preferred, nil
}

// ServerClock loads the server's persisted vector clock. A fresh store
// yields an empty clock.
func (s *ServerStore) ServerClock(ctx context.Context) (inbetweenies.VectorClock, error) {
	return stateClock(ctx, s.db, "server_state")
}

// ServerClock loads the server's vector clock within the transaction.
func (t *Tx) ServerClock(ctx context.Context) (inbetweenies.VectorClock, error) {
	return stateClock(ctx, t.tx, "server_state")
}

// SaveServerClock persists the server's vector clock in the same
// transaction as the batch that advanced it.
func (t *Tx) SaveServerClock(ctx context.Context, vc inbetweenies.VectorClock) error {
	return saveStateClock(ctx, t.tx, "server_state", vc)
}
