// internal/client/replica.go

// Package client implements the replica side of the Inbetweenies
// protocol: a local versioned store with a change tracker, a write API
// that keeps both in step, and the syncer that runs the push-pull
// cycle against a server.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

var (
	// ErrReplicaLocked means another process has the replica open.
	ErrReplicaLocked = errors.New("client: replica database is locked by another process")
	// ErrNotInConflict rejects a merge for an entity with one leaf.
	ErrNotInConflict = errors.New("client: entity is not in conflict")
)

// Options configure a replica.
type Options struct {
	// Driver is the database/sql driver name; empty means sqlite3.
	Driver string
	// DSN locates the replica database.
	DSN string
	// DeviceID is persisted on first open; empty mints a random one.
	DeviceID string
	// UserID signs every locally written version.
	UserID string
	Logger zerolog.Logger
}

// Replica is a local copy of the knowledge graph. Every mutation lands
// as an immutable version in the store and a pending tracker row in
// the same transaction, so the next sync knows exactly what to push.
type Replica struct {
	store    *storage.ClientStore
	locks    *storage.IDLocks
	deviceID string
	userID   string
	lock     *os.File
	log      zerolog.Logger
}

// Open connects to the replica database, takes the single-process
// lock, and restores (or mints) the device identity.
func Open(ctx context.Context, opts Options) (*Replica, error) {
	driver := opts.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	userID := opts.UserID
	if userID == "" {
		userID = "local"
	}

	var lock *os.File
	if driver == "sqlite3" && lockablePath(opts.DSN) {
		f, err := acquireLock(opts.DSN + ".lock")
		if err != nil {
			return nil, err
		}
		lock = f
	}

	store, err := storage.OpenClient(driver, opts.DSN)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}
	deviceID, err := store.EnsureDeviceID(ctx, opts.DeviceID)
	if err != nil {
		store.Close()
		releaseLock(lock)
		return nil, err
	}
	return &Replica{
		store:    store,
		locks:    storage.NewIDLocks(),
		deviceID: deviceID,
		userID:   userID,
		lock:     lock,
		log:      opts.Logger,
	}, nil
}

// lockablePath reports whether the DSN names a real file worth
// guarding. Memory databases live and die with the process.
func lockablePath(dsn string) bool {
	return dsn != "" && dsn != ":memory:" && !strings.Contains(dsn, "mode=memory")
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("client: open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = unlockFile(f)
	_ = f.Close()
}

// Close releases the store and the process lock.
func (r *Replica) Close() error {
	err := r.store.Close()
	releaseLock(r.lock)
	return err
}

// DeviceID returns the replica's stable sync identity.
func (r *Replica) DeviceID() string { return r.deviceID }

// UserID returns the writer identity for local mutations.
func (r *Replica) UserID() string { return r.userID }

// Store exposes the underlying client store.
func (r *Replica) Store() *storage.ClientStore { return r.store }

// putLocal writes one locally authored version, advancing the
// replica's own clock counter in the same transaction.
func (r *Replica) putLocal(ctx context.Context, tx *storage.Tx, ev *inbetweenies.EntityVersion) error {
	vc, err := tx.VectorClock(ctx)
	if err != nil {
		return err
	}
	next := vc.Advance(r.deviceID)
	if _, err := tx.PutVersion(ctx, ev, r.deviceID, next); err != nil {
		return err
	}
	return tx.SaveVectorClock(ctx, vc)
}

// repinFrom re-emits the previous version's outgoing edges against a
// new version, each under a fresh id.
func repinFrom(ctx context.Context, tx *storage.Tx, prev *inbetweenies.EntityVersion, newVersion string) error {
	rels, err := tx.RelationshipsFrom(ctx, prev.ID, prev.Version)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		repinned := rel
		repinned.ID = uuid.NewString()
		repinned.FromVersion = newVersion
		if err := tx.PutRelationship(ctx, &repinned); err != nil {
			return err
		}
	}
	return nil
}

// CreateEntity writes a brand-new entity and queues it for the next
// sync.
func (r *Replica) CreateEntity(ctx context.Context, entityType inbetweenies.EntityType, name string, content map[string]any) (*inbetweenies.EntityVersion, error) {
	now := time.Now()
	ev := &inbetweenies.EntityVersion{
		ID:         uuid.NewString(),
		Version:    inbetweenies.MakeVersion(now, r.userID),
		EntityType: entityType,
		Name:       name,
		Content:    content,
		SourceType: inbetweenies.SourceTypeManual,
		UserID:     r.userID,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	unlock := r.locks.Lock(ev.ID)
	defer unlock()
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := r.putLocal(ctx, tx, ev); err != nil {
			return err
		}
		return tx.MarkPending(ctx, ev.ID, ev.EntityType, inbetweenies.ChangeTypeCreate, now)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// UpdateEntity advances an entity to a new version. An empty name
// keeps the current one; nil content keeps the current payload.
// Outgoing relationships are re-pinned to the new version.
func (r *Replica) UpdateEntity(ctx context.Context, id, name string, content map[string]any) (*inbetweenies.EntityVersion, error) {
	now := time.Now()
	unlock := r.locks.Lock(id)
	defer unlock()
	var out *inbetweenies.EntityVersion
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		current, err := tx.GetCurrent(ctx, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		next.Version = inbetweenies.MakeVersion(now, r.userID)
		next.UserID = r.userID
		next.ParentVersions = []string{current.Version}
		next.CreatedAt = time.Time{}
		if name != "" {
			next.Name = name
		}
		if content != nil {
			next.Content = content
		}
		if err := next.Validate(); err != nil {
			return err
		}
		if err := r.putLocal(ctx, tx, next); err != nil {
			return err
		}
		if err := repinFrom(ctx, tx, current, next.Version); err != nil {
			return err
		}
		if err := tx.MarkPending(ctx, id, next.EntityType, inbetweenies.ChangeTypeUpdate, now); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEntity writes a tombstone version. Deleting an already
// deleted entity returns the existing tombstone.
func (r *Replica) DeleteEntity(ctx context.Context, id string) (*inbetweenies.EntityVersion, error) {
	now := time.Now()
	unlock := r.locks.Lock(id)
	defer unlock()
	var out *inbetweenies.EntityVersion
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		current, err := tx.GetCurrent(ctx, id)
		if err != nil {
			return err
		}
		if current.IsTombstone() {
			out = current
			return nil
		}
		tomb := current.Clone()
		tomb.Version = inbetweenies.MakeVersion(now, r.userID)
		tomb.UserID = r.userID
		tomb.ParentVersions = []string{current.Version}
		tomb.CreatedAt = time.Time{}
		if tomb.Content == nil {
			tomb.Content = map[string]any{}
		}
		tomb.Content["deleted"] = true
		if err := r.putLocal(ctx, tx, tomb); err != nil {
			return err
		}
		if err := tx.MarkPending(ctx, id, tomb.EntityType, inbetweenies.ChangeTypeDelete, now); err != nil {
			return err
		}
		out = tomb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AddRelationship links two entities. The source entity advances to a
// fresh version carrying the new edge, so the edge travels with the
// next sync; the target endpoint pins whatever version is current.
func (r *Replica) AddRelationship(ctx context.Context, fromID, toID string, relType inbetweenies.RelationshipType, properties map[string]any) (*inbetweenies.Relationship, error) {
	now := time.Now()
	unlock := r.locks.LockAll([]string{fromID, toID})
	defer unlock()
	var out *inbetweenies.Relationship
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		from, err := tx.GetCurrent(ctx, fromID)
		if err != nil {
			return err
		}
		to, err := tx.GetCurrent(ctx, toID)
		if err != nil {
			return err
		}
		next := from.Clone()
		next.Version = inbetweenies.MakeVersion(now, r.userID)
		next.UserID = r.userID
		next.ParentVersions = []string{from.Version}
		next.CreatedAt = time.Time{}
		if err := r.putLocal(ctx, tx, next); err != nil {
			return err
		}
		if err := repinFrom(ctx, tx, from, next.Version); err != nil {
			return err
		}
		rel := &inbetweenies.Relationship{
			ID:          uuid.NewString(),
			FromID:      fromID,
			FromVersion: next.Version,
			ToID:        toID,
			ToVersion:   to.Version,
			Type:        relType,
			Properties:  properties,
		}
		if err := rel.Validate(); err != nil {
			return err
		}
		if err := tx.PutRelationship(ctx, rel); err != nil {
			return err
		}
		if err := tx.MarkPending(ctx, fromID, from.EntityType, inbetweenies.ChangeTypeUpdate, now); err != nil {
			return err
		}
		out = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveConflict writes an explicit merge version covering every
// leaf of a conflicted entity. Nil content folds the leaves' payloads
// oldest to newest, so the latest writer wins per key.
func (r *Replica) ResolveConflict(ctx context.Context, id string, content map[string]any) (*inbetweenies.EntityVersion, error) {
	now := time.Now()
	unlock := r.locks.Lock(id)
	defer unlock()
	var out *inbetweenies.EntityVersion
	err := r.store.WithTx(ctx, func(tx *storage.Tx) error {
		leaves, err := tx.Leaves(ctx, id)
		if err != nil {
			return err
		}
		if len(leaves) < 2 {
			return fmt.Errorf("%w: %s", ErrNotInConflict, id)
		}
		sort.Slice(leaves, func(i, j int) bool {
			return inbetweenies.CompareVersions(leaves[i].Version, leaves[j].Version) < 0
		})
		base := leaves[len(leaves)-1]
		if content == nil {
			content = make(map[string]any)
			for _, leaf := range leaves {
				for k, v := range leaf.Content {
					content[k] = v
				}
			}
		}
		merge := base.Clone()
		merge.Version = inbetweenies.MakeVersion(now, r.userID)
		merge.UserID = r.userID
		merge.SourceType = inbetweenies.SourceTypeManual
		merge.Content = content
		merge.CreatedAt = time.Time{}
		merge.ParentVersions = make([]string, len(leaves))
		for i, leaf := range leaves {
			merge.ParentVersions[i] = leaf.Version
		}
		if err := r.putLocal(ctx, tx, merge); err != nil {
			return err
		}
		for _, leaf := range leaves {
			if err := repinFrom(ctx, tx, leaf, merge.Version); err != nil {
				return err
			}
		}
		if err := tx.MarkPending(ctx, id, merge.EntityType, inbetweenies.ChangeTypeUpdate, now); err != nil {
			return err
		}
		out = merge
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Entity returns the current version of an entity.
func (r *Replica) Entity(ctx context.Context, id string) (*inbetweenies.EntityVersion, error) {
	return r.store.GetCurrent(ctx, id)
}

// Entities returns every current version the replica holds.
func (r *Replica) Entities(ctx context.Context) ([]*inbetweenies.EntityVersion, error) {
	return r.store.AllCurrent(ctx)
}

// Relationships returns the edges touching an entity.
func (r *Replica) Relationships(ctx context.Context, id string) ([]inbetweenies.Relationship, error) {
	return r.store.RelationshipsFor(ctx, id)
}

// Pending lists tracker rows awaiting a push.
func (r *Replica) Pending(ctx context.Context) ([]storage.TrackerRow, error) {
	return r.store.Pending(ctx)
}

// Conflicted lists tracker rows stuck in conflict.
func (r *Replica) Conflicted(ctx context.Context) ([]storage.TrackerRow, error) {
	return r.store.Conflicted(ctx)
}

// LastSync returns the time of the last successful round-trip.
func (r *Replica) LastSync(ctx context.Context) (time.Time, error) {
	return r.store.LastSync(ctx)
}
