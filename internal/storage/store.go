// internal/storage/store.go

// Package storage persists the versioned knowledge graph. The same
// core tables back the server's authoritative store and every client
// replica; ServerStore and ClientStore add their side's bookkeeping on
// top. Queries are written with ? placeholders and rebound through
// sqlx, so the package runs unchanged on SQLite and PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateVersion = errors.New("duplicate version with differing payload")
	ErrParentMissing    = errors.New("parent version missing")
	ErrEntityInConflict = errors.New("entity has unresolved conflicting leaves")
)

// Store is the shared core: entity versions, the parent DAG, the
// current-head pointer, and relationship edges.
type Store struct {
	db    *sqlx.DB
	heads *headCache
}

func openStore(driver, dsn string, schemas ...[]string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single connection sidesteps SQLITE_BUSY between the pool's
		// writers; reads stay snapshot-consistent.
		db.SetMaxOpenConns(1)
	}
	for _, schema := range schemas {
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("storage: apply schema: %w", err)
			}
		}
	}
	heads, err := newHeadCache()
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, heads: heads}, nil
}

// Close releases the database handle and the head cache.
func (s *Store) Close() error {
	s.heads.close()
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// Tx is one transaction against the store. All write paths go through
// a Tx so a sync batch commits or rolls back as a unit.
type Tx struct {
	tx    *sqlx.Tx
	dirty map[string]struct{}
}

func (t *Tx) touch(id string) {
	if t.dirty == nil {
		t.dirty = make(map[string]struct{})
	}
	t.dirty[id] = struct{}{}
}

// WithTx runs fn inside a transaction. On commit the head cache drops
// every entity the transaction touched; on error everything rolls
// back and the cache is left alone.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	t := &Tx{tx: tx}
	if err := fn(t); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	for id := range t.dirty {
		s.heads.del(id)
	}
	return nil
}

// entityVersionRow mirrors the entity_versions table.
type entityVersionRow struct {
	ID             string    `db:"id"`
	Version        string    `db:"version"`
	EntityType     string    `db:"entity_type"`
	Name           string    `db:"name"`
	ContentJSON    string    `db:"content_json"`
	SourceType     string    `db:"source_type"`
	UserID         string    `db:"user_id"`
	ParentsJSON    string    `db:"parent_versions_json"`
	CreatedAt      time.Time `db:"created_at"`
	DeviceID       string    `db:"device_id"`
	Clock          string    `db:"clock"`
}

const entityColumns = `id, version, entity_type, name, content_json, source_type,
	user_id, parent_versions_json, created_at, device_id, clock`

// entityColumnsV qualifies entityColumns with the v alias for joins
// where id and version would otherwise be ambiguous.
const entityColumnsV = `v.id, v.version, v.entity_type, v.name, v.content_json, v.source_type,
	v.user_id, v.parent_versions_json, v.created_at, v.device_id, v.clock`

func (r *entityVersionRow) toEntity() (*inbetweenies.EntityVersion, error) {
	ev := &inbetweenies.EntityVersion{
		ID:         r.ID,
		Version:    r.Version,
		EntityType: inbetweenies.EntityType(r.EntityType),
		Name:       r.Name,
		SourceType: inbetweenies.SourceType(r.SourceType),
		UserID:     r.UserID,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.ContentJSON != "" {
		if err := json.Unmarshal([]byte(r.ContentJSON), &ev.Content); err != nil {
			return nil, fmt.Errorf("storage: content for %s@%s: %w", r.ID, r.Version, err)
		}
	}
	if r.ParentsJSON != "" {
		if err := json.Unmarshal([]byte(r.ParentsJSON), &ev.ParentVersions); err != nil {
			return nil, fmt.Errorf("storage: parents for %s@%s: %w", r.ID, r.Version, err)
		}
	}
	return ev, nil
}

func rowFromEntity(ev *inbetweenies.EntityVersion, deviceID, clock string) (*entityVersionRow, error) {
	content := ev.Content
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal content for %s: %w", ev.ID, err)
	}
	parents := ev.ParentVersions
	if parents == nil {
		parents = []string{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal parents for %s: %w", ev.ID, err)
	}
	return &entityVersionRow{
		ID:          ev.ID,
		Version:     ev.Version,
		EntityType:  string(ev.EntityType),
		Name:        ev.Name,
		ContentJSON: string(contentJSON),
		SourceType:  string(ev.SourceType),
		UserID:      ev.UserID,
		ParentsJSON: string(parentsJSON),
		CreatedAt:   createdAt(ev),
		DeviceID:    deviceID,
		Clock:       clock,
	}, nil
}

// createdAt derives the row timestamp from the version string so every
// replica lands the same value for the same version. Versions that
// fail to parse pin to the epoch rather than to local wall time.
func createdAt(ev *inbetweenies.EntityVersion) time.Time {
	if !ev.CreatedAt.IsZero() {
		return ev.CreatedAt.UTC()
	}
	if ts := inbetweenies.VersionTimestamp(ev.Version); !ts.IsZero() {
		return ts.UTC()
	}
	return time.Unix(0, 0).UTC()
}

func rowsToEntities(rows []entityVersionRow) ([]*inbetweenies.EntityVersion, error) {
	out := make([]*inbetweenies.EntityVersion, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// relationshipRow mirrors the relationships table.
type relationshipRow struct {
	ID             string `db:"id"`
	FromID         string `db:"from_id"`
	FromVersion    string `db:"from_version"`
	ToID           string `db:"to_id"`
	ToVersion      string `db:"to_version"`
	Type           string `db:"type"`
	PropertiesJSON string `db:"properties_json"`
}

func (r *relationshipRow) toRelationship() (inbetweenies.Relationship, error) {
	rel := inbetweenies.Relationship{
		ID:          r.ID,
		FromID:      r.FromID,
		FromVersion: r.FromVersion,
		ToID:        r.ToID,
		ToVersion:   r.ToVersion,
		Type:        inbetweenies.RelationshipType(r.Type),
	}
	if r.PropertiesJSON != "" && r.PropertiesJSON != "{}" {
		if err := json.Unmarshal([]byte(r.PropertiesJSON), &rel.Properties); err != nil {
			return rel, fmt.Errorf("storage: properties for relationship %s: %w", r.ID, err)
		}
	}
	return rel, nil
}

func rowsToRelationships(rows []relationshipRow) ([]inbetweenies.Relationship, error) {
	out := make([]inbetweenies.Relationship, 0, len(rows))
	for i := range rows {
		rel, err := rows[i].toRelationship()
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

// putVersion appends one immutable version. It returns created=false
// without error when an identical row is already present, so replays
// stay idempotent. The write fails with ErrParentMissing when a
// declared parent is absent and ErrDuplicateVersion when the key
// exists with a different payload.
func putVersion(ctx context.Context, ext sqlx.ExtContext, ev *inbetweenies.EntityVersion, deviceID, clock string) (bool, error) {
	return appendVersion(ctx, ext, ev, deviceID, clock, true)
}

// appendVersion is the shared insert path. checkParents=false grafts a
// version whose ancestry is not stored locally: replicas applying a
// server delta need this, because a full sync carries only current
// versions and their history stays on the server. The parent edges are
// still recorded, so a later merge covering the grafted leaf closes
// the DAG normally.
func appendVersion(ctx context.Context, ext sqlx.ExtContext, ev *inbetweenies.EntityVersion, deviceID, clock string, checkParents bool) (bool, error) {
	existing, err := getVersion(ctx, ext, ev.ID, ev.Version)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil {
		if existing.EqualPayload(ev) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s@%s", ErrDuplicateVersion, ev.ID, ev.Version)
	}
	if checkParents {
		for _, parent := range ev.ParentVersions {
			var n int
			q := ext.Rebind(`SELECT COUNT(1) FROM entity_versions WHERE id = ? AND version = ?`)
			if err := sqlx.GetContext(ctx, ext, &n, q, ev.ID, parent); err != nil {
				return false, fmt.Errorf("storage: check parent: %w", err)
			}
			if n == 0 {
				return false, fmt.Errorf("%w: %s@%s", ErrParentMissing, ev.ID, parent)
			}
		}
	}

	row, err := rowFromEntity(ev, deviceID, clock)
	if err != nil {
		return false, err
	}
	q := ext.Rebind(`INSERT INTO entity_versions (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := ext.ExecContext(ctx, q,
		row.ID, row.Version, row.EntityType, row.Name, row.ContentJSON,
		row.SourceType, row.UserID, row.ParentsJSON, row.CreatedAt,
		row.DeviceID, row.Clock); err != nil {
		return false, fmt.Errorf("storage: insert version %s@%s: %w", ev.ID, ev.Version, err)
	}
	for _, parent := range ev.ParentVersions {
		q := ext.Rebind(`INSERT INTO version_parents (id, version, parent_version)
			VALUES (?, ?, ?) ON CONFLICT (id, version, parent_version) DO NOTHING`)
		if _, err := ext.ExecContext(ctx, q, ev.ID, ev.Version, parent); err != nil {
			return false, fmt.Errorf("storage: insert parent edge: %w", err)
		}
	}
	if err := recomputeHead(ctx, ext, ev.ID); err != nil {
		return false, err
	}
	return true, nil
}

// recomputeHead refreshes the entity_heads row after a write: the
// single leaf becomes current, multiple leaves flag a conflict.
func recomputeHead(ctx context.Context, ext sqlx.ExtContext, id string) error {
	lvs, err := leafVersions(ctx, ext, id)
	if err != nil {
		return err
	}
	version := ""
	conflict := 0
	switch len(lvs) {
	case 0:
		return nil
	case 1:
		version = lvs[0]
	default:
		conflict = 1
	}
	q := ext.Rebind(`INSERT INTO entity_heads (id, version, in_conflict) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, in_conflict = excluded.in_conflict`)
	if _, err := ext.ExecContext(ctx, q, id, version, conflict); err != nil {
		return fmt.Errorf("storage: update head for %s: %w", id, err)
	}
	return nil
}

func leafVersions(ctx context.Context, ext sqlx.ExtContext, id string) ([]string, error) {
	var out []string
	q := ext.Rebind(`SELECT v.version FROM entity_versions v
		WHERE v.id = ?
		AND NOT EXISTS (
			SELECT 1 FROM version_parents p
			WHERE p.id = v.id AND p.parent_version = v.version
		)
		ORDER BY v.created_at, v.version`)
	if err := sqlx.SelectContext(ctx, ext, &out, q, id); err != nil {
		return nil, fmt.Errorf("storage: leaves for %s: %w", id, err)
	}
	return out, nil
}

// leaves returns the full rows of every childless version of an id, in
// deterministic order.
func leaves(ctx context.Context, ext sqlx.ExtContext, id string) ([]*inbetweenies.EntityVersion, error) {
	var rows []entityVersionRow
	q := ext.Rebind(`SELECT ` + entityColumns + ` FROM entity_versions v
		WHERE v.id = ?
		AND NOT EXISTS (
			SELECT 1 FROM version_parents p
			WHERE p.id = v.id AND p.parent_version = v.version
		)
		ORDER BY v.created_at, v.version`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, id); err != nil {
		return nil, fmt.Errorf("storage: leaves for %s: %w", id, err)
	}
	return rowsToEntities(rows)
}

func getVersion(ctx context.Context, ext sqlx.ExtContext, id, version string) (*inbetweenies.EntityVersion, error) {
	var row entityVersionRow
	q := ext.Rebind(`SELECT ` + entityColumns + ` FROM entity_versions WHERE id = ? AND version = ?`)
	err := sqlx.GetContext(ctx, ext, &row, q, id, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get version %s@%s: %w", id, version, err)
	}
	return row.toEntity()
}

// headRow mirrors entity_heads.
type headRow struct {
	ID         string `db:"id"`
	Version    string `db:"version"`
	InConflict int    `db:"in_conflict"`
}

func getCurrent(ctx context.Context, ext sqlx.ExtContext, id string) (*inbetweenies.EntityVersion, error) {
	var head headRow
	q := ext.Rebind(`SELECT id, version, in_conflict FROM entity_heads WHERE id = ?`)
	err := sqlx.GetContext(ctx, ext, &head, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get head for %s: %w", id, err)
	}
	if head.InConflict != 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntityInConflict, id)
	}
	return getVersion(ctx, ext, id, head.Version)
}

func getChildren(ctx context.Context, ext sqlx.ExtContext, id, version string) ([]*inbetweenies.EntityVersion, error) {
	var rows []entityVersionRow
	q := ext.Rebind(`SELECT ` + entityColumnsV + ` FROM entity_versions v
		JOIN version_parents p ON p.id = v.id AND p.version = v.version
		WHERE p.id = ? AND p.parent_version = ?
		ORDER BY v.created_at, v.version`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, id, version); err != nil {
		return nil, fmt.Errorf("storage: children of %s@%s: %w", id, version, err)
	}
	return rowsToEntities(rows)
}

// lineage returns every stored version of an entity in creation order.
func lineage(ctx context.Context, ext sqlx.ExtContext, id string) ([]*inbetweenies.EntityVersion, error) {
	var rows []entityVersionRow
	q := ext.Rebind(`SELECT ` + entityColumns + ` FROM entity_versions
		WHERE id = ? ORDER BY created_at, version`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, id); err != nil {
		return nil, fmt.Errorf("storage: lineage of %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return rowsToEntities(rows)
}

// since returns every version whose writer counter exceeds the
// caller's knowledge of that writer. Rows authored by excludeDevice
// are skipped outright: a device never needs its own writes back. The
// counter comparison lives in Go so the wire semantics of opaque
// counters stay in one place; graph stores at smart-home scale keep
// this a small scan.
func since(ctx context.Context, ext sqlx.ExtContext, clock inbetweenies.VectorClock, excludeDevice string) ([]*inbetweenies.EntityVersion, error) {
	var rows []entityVersionRow
	q := ext.Rebind(`SELECT ` + entityColumns + ` FROM entity_versions
		WHERE device_id <> ? ORDER BY created_at, id, version`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, excludeDevice); err != nil {
		return nil, fmt.Errorf("storage: since scan: %w", err)
	}
	out := make([]*inbetweenies.EntityVersion, 0, len(rows))
	for i := range rows {
		if inbetweenies.CompareCounters(rows[i].Clock, clock.Counter(rows[i].DeviceID)) <= 0 {
			continue
		}
		ev, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// allCurrent returns the current version of every entity. Entities in
// conflict contribute all of their leaves so a full sync still ships
// the material a client needs to merge.
func allCurrent(ctx context.Context, ext sqlx.ExtContext) ([]*inbetweenies.EntityVersion, error) {
	var rows []entityVersionRow
	q := `SELECT ` + entityColumnsV + ` FROM entity_versions v
		JOIN entity_heads h ON h.id = v.id AND h.version = v.version
		WHERE h.in_conflict = 0 ORDER BY v.id`
	if err := sqlx.SelectContext(ctx, ext, &rows, ext.Rebind(q)); err != nil {
		return nil, fmt.Errorf("storage: current scan: %w", err)
	}
	out, err := rowsToEntities(rows)
	if err != nil {
		return nil, err
	}
	var conflicted []string
	if err := sqlx.SelectContext(ctx, ext, &conflicted,
		ext.Rebind(`SELECT id FROM entity_heads WHERE in_conflict = 1 ORDER BY id`)); err != nil {
		return nil, fmt.Errorf("storage: conflicted scan: %w", err)
	}
	for _, id := range conflicted {
		lvs, err := leaves(ctx, ext, id)
		if err != nil {
			return nil, err
		}
		out = append(out, lvs...)
	}
	return out, nil
}

func putRelationship(ctx context.Context, ext sqlx.ExtContext, rel *inbetweenies.Relationship) error {
	props := rel.Properties
	if props == nil {
		props = map[string]any{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("storage: marshal properties for %s: %w", rel.ID, err)
	}
	q := ext.Rebind(`INSERT INTO relationships
		(id, from_id, from_version, to_id, to_version, type, properties_json)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`)
	if _, err := ext.ExecContext(ctx, q,
		rel.ID, rel.FromID, rel.FromVersion, rel.ToID, rel.ToVersion,
		string(rel.Type), string(propsJSON)); err != nil {
		return fmt.Errorf("storage: insert relationship %s: %w", rel.ID, err)
	}
	return nil
}

// relationshipsFrom returns the edges pinned outgoing from one exact
// entity version. These ride along with the version in sync deltas.
func relationshipsFrom(ctx context.Context, ext sqlx.ExtContext, id, version string) ([]inbetweenies.Relationship, error) {
	var rows []relationshipRow
	q := ext.Rebind(`SELECT id, from_id, from_version, to_id, to_version, type, properties_json
		FROM relationships WHERE from_id = ? AND from_version = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, id, version); err != nil {
		return nil, fmt.Errorf("storage: relationships from %s@%s: %w", id, version, err)
	}
	return rowsToRelationships(rows)
}

// relationshipsFor returns every edge touching an entity on either
// endpoint, regardless of pinned version.
func relationshipsFor(ctx context.Context, ext sqlx.ExtContext, id string) ([]inbetweenies.Relationship, error) {
	var rows []relationshipRow
	q := ext.Rebind(`SELECT id, from_id, from_version, to_id, to_version, type, properties_json
		FROM relationships WHERE from_id = ? OR to_id = ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, ext, &rows, q, id, id); err != nil {
		return nil, fmt.Errorf("storage: relationships for %s: %w", id, err)
	}
	return rowsToRelationships(rows)
}

// Store-level reads, served outside any transaction.

// GetCurrent resolves the current version of an entity through the
// head cache. ErrNotFound means the entity was never stored;
// ErrEntityInConflict means its leaves await resolution.
func (s *Store) GetCurrent(ctx context.Context, id string) (*inbetweenies.EntityVersion, error) {
	if ev, ok := s.heads.get(id); ok {
		return ev, nil
	}
	ev, err := getCurrent(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	s.heads.set(id, ev)
	return ev, nil
}

// GetVersion fetches one exact version row.
func (s *Store) GetVersion(ctx context.Context, id, version string) (*inbetweenies.EntityVersion, error) {
	return getVersion(ctx, s.db, id, version)
}

// GetChildren lists the versions that name the given one as parent.
func (s *Store) GetChildren(ctx context.Context, id, version string) ([]*inbetweenies.EntityVersion, error) {
	return getChildren(ctx, s.db, id, version)
}

// Leaves lists the childless versions of an entity.
func (s *Store) Leaves(ctx context.Context, id string) ([]*inbetweenies.EntityVersion, error) {
	return leaves(ctx, s.db, id)
}

// Lineage lists every version of an entity in creation order.
func (s *Store) Lineage(ctx context.Context, id string) ([]*inbetweenies.EntityVersion, error) {
	return lineage(ctx, s.db, id)
}

// Since enumerates versions unknown to the given clock, skipping rows
// authored by excludeDevice.
func (s *Store) Since(ctx context.Context, clock inbetweenies.VectorClock, excludeDevice string) ([]*inbetweenies.EntityVersion, error) {
	return since(ctx, s.db, clock, excludeDevice)
}

// AllCurrent lists the current version of every entity.
func (s *Store) AllCurrent(ctx context.Context) ([]*inbetweenies.EntityVersion, error) {
	return allCurrent(ctx, s.db)
}

// RelationshipsFrom lists outgoing edges for one entity version.
func (s *Store) RelationshipsFrom(ctx context.Context, id, version string) ([]inbetweenies.Relationship, error) {
	return relationshipsFrom(ctx, s.db, id, version)
}

// RelationshipsFor lists every edge touching an entity.
func (s *Store) RelationshipsFor(ctx context.Context, id string) ([]inbetweenies.Relationship, error) {
	return relationshipsFor(ctx, s.db, id)
}

// Tx-level operations.

// PutVersion appends a version within the transaction.
func (t *Tx) PutVersion(ctx context.Context, ev *inbetweenies.EntityVersion, deviceID, clock string) (bool, error) {
	created, err := putVersion(ctx, t.tx, ev, deviceID, clock)
	if created {
		t.touch(ev.ID)
	}
	return created, err
}

// GraftVersion appends a version without requiring its parents to be
// stored. Replicas applying server changes use it; server-side writes
// go through PutVersion, which enforces ancestry.
func (t *Tx) GraftVersion(ctx context.Context, ev *inbetweenies.EntityVersion, deviceID, clock string) (bool, error) {
	created, err := appendVersion(ctx, t.tx, ev, deviceID, clock, false)
	if created {
		t.touch(ev.ID)
	}
	return created, err
}

// PutRelationship appends an edge within the transaction. Replays of
// an already-stored edge id are no-ops.
func (t *Tx) PutRelationship(ctx context.Context, rel *inbetweenies.Relationship) error {
	return putRelationship(ctx, t.tx, rel)
}

// GetVersion fetches one exact version row within the transaction.
func (t *Tx) GetVersion(ctx context.Context, id, version string) (*inbetweenies.EntityVersion, error) {
	return getVersion(ctx, t.tx, id, version)
}

// GetCurrent resolves the current version within the transaction,
// bypassing the head cache so uncommitted writes are visible.
func (t *Tx) GetCurrent(ctx context.Context, id string) (*inbetweenies.EntityVersion, error) {
	return getCurrent(ctx, t.tx, id)
}

// Leaves lists the childless versions of an entity within the
// transaction.
func (t *Tx) Leaves(ctx context.Context, id string) ([]*inbetweenies.EntityVersion, error) {
	return leaves(ctx, t.tx, id)
}

// Since enumerates versions unknown to the given clock within the
// transaction.
func (t *Tx) Since(ctx context.Context, clock inbetweenies.VectorClock, excludeDevice string) ([]*inbetweenies.EntityVersion, error) {
	return since(ctx, t.tx, clock, excludeDevice)
}

// AllCurrent lists the current version of every entity within the
// transaction.
func (t *Tx) AllCurrent(ctx context.Context) ([]*inbetweenies.EntityVersion, error) {
	return allCurrent(ctx, t.tx)
}

// RelationshipsFrom lists outgoing edges for one entity version within
// the transaction.
func (t *Tx) RelationshipsFrom(ctx context.Context, id, version string) ([]inbetweenies.Relationship, error) {
	return relationshipsFrom(ctx, t.tx, id, version)
}
