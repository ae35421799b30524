// internal/server/engine.go

// Package server implements the authoritative side of the Inbetweenies
// protocol: the sync engine that replays incoming batches against the
// versioned store, the conflict bookkeeping around it, and the HTTP
// surface that exposes both.
package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// DefaultMaxClockSkew is how far into the future a version timestamp
// may sit before the server rejects it as FutureTimestamp.
const DefaultMaxClockSkew = 5 * time.Minute

// EngineOptions configure a sync engine.
type EngineOptions struct {
	// DeviceID is the server's own identity in vector clocks and on
	// merge versions it writes.
	DeviceID string
	// Strategy picks the conflict resolution policy; empty means
	// last_write_wins.
	Strategy inbetweenies.ResolutionStrategy
	// MaxBatch caps changes per request; 0 means DefaultMaxChanges.
	MaxBatch int
	// MaxSkew is the future-timestamp ceiling; 0 means
	// DefaultMaxClockSkew, negative disables the check.
	MaxSkew time.Duration
	Logger  zerolog.Logger
	Metrics *Metrics
}

// Engine applies sync batches to the store. One ProcessSync call is
// one transaction: either the whole bookkeeping of a request commits
// or none of it does. Per-entity failures inside a healthy request are
// data, not errors; they travel in the response's conflicts.
type Engine struct {
	store    *storage.ServerStore
	resolver inbetweenies.Resolver
	deviceID string
	maxBatch int
	maxSkew  time.Duration
	locks    *storage.IDLocks
	log      zerolog.Logger
	metrics  *Metrics
	now      func() time.Time
}

// NewEngine builds an engine over an open store.
func NewEngine(store *storage.ServerStore, opts EngineOptions) (*Engine, error) {
	resolver, err := inbetweenies.NewResolver(opts.Strategy, opts.DeviceID)
	if err != nil {
		return nil, err
	}
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = inbetweenies.DefaultMaxChanges
	}
	maxSkew := opts.MaxSkew
	if maxSkew == 0 {
		maxSkew = DefaultMaxClockSkew
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		deviceID: opts.DeviceID,
		maxBatch: maxBatch,
		maxSkew:  maxSkew,
		locks:    storage.NewIDLocks(),
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}, nil
}

// DeviceID returns the server's sync identity.
func (e *Engine) DeviceID() string { return e.deviceID }

// ProcessSync runs one request through validation, replay, conflict
// resolution, and delta computation. Top-level failures come back as
// *inbetweenies.WireError; anything else is a storage fault the
// transport reports as Internal.
func (e *Engine) ProcessSync(ctx context.Context, req *inbetweenies.SyncRequest) (*inbetweenies.SyncResponse, error) {
	started := e.now()
	if err := req.Validate(); err != nil {
		e.metrics.observeRejected(req.SyncType)
		return nil, err
	}
	if len(req.Changes) > e.maxBatch {
		e.metrics.observeRejected(req.SyncType)
		return nil, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindBatchTooLarge,
			Detail: "request carries " + strconv.Itoa(len(req.Changes)) + " changes, cap is " + strconv.Itoa(e.maxBatch),
		}
	}

	ids := make([]string, 0, len(req.Changes))
	for i := range req.Changes {
		if req.Changes[i].Entity != nil {
			ids = append(ids, req.Changes[i].Entity.ID)
		}
	}
	unlock := e.locks.LockAll(ids)
	defer unlock()

	var resp *inbetweenies.SyncResponse
	err := e.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		resp, err = e.processTx(ctx, tx, req)
		return err
	})
	if err != nil {
		e.metrics.observeRejected(req.SyncType)
		return nil, err
	}

	e.metrics.observeSync(req.SyncType, resp.SyncStats, e.now().Sub(started))
	e.log.Info().
		Str("device_id", req.DeviceID).
		Str("user_id", req.UserID).
		Str("sync_type", string(req.SyncType)).
		Int("received", resp.SyncStats.Received).
		Int("applied", resp.SyncStats.Applied).
		Int("rejected", resp.SyncStats.Rejected).
		Int("conflicts", resp.SyncStats.Conflicts).
		Int("returned", len(resp.Changes)).
		Dur("elapsed", e.now().Sub(started)).
		Msg("sync processed")
	return resp, nil
}

func (e *Engine) processTx(ctx context.Context, tx *storage.Tx, req *inbetweenies.SyncRequest) (*inbetweenies.SyncResponse, error) {
	now := e.now()
	serverClock, err := tx.ServerClock(ctx)
	if err != nil {
		return nil, err
	}
	reqClock := req.VectorClock.Clone()

	// Rows from this device continue its counter sequence: one step per
	// accepted row, starting past whatever the server already holds.
	deviceCounter := reqClock.Counter(req.DeviceID)
	if c := serverClock.Counter(req.DeviceID); inbetweenies.CompareCounters(c, deviceCounter) > 0 {
		deviceCounter = c
	}
	serverCounter := serverClock.Counter(e.deviceID)
	serverBaseline := serverCounter

	var (
		applied   int
		rejected  int
		conflicts []inbetweenies.ConflictReport
		merges    []*inbetweenies.EntityVersion
		wrote     bool
	)

	for i := range req.Changes {
		change := &req.Changes[i]
		if err := change.Validate(); err != nil {
			rejected++
			conflicts = append(conflicts, inbetweenies.ConflictReport{
				EntityID: changeEntityID(change),
				Kind:     inbetweenies.ErrorKindConflict,
				Detail:   err.Error(),
			})
			continue
		}
		entity := change.Entity.Clone()
		if e.maxSkew > 0 {
			if ts := inbetweenies.VersionTimestamp(entity.Version); ts.After(now.Add(e.maxSkew)) {
				rejected++
				conflicts = append(conflicts, inbetweenies.ConflictReport{
					EntityID:      entity.ID,
					RemoteVersion: entity.Version,
					Kind:          inbetweenies.ErrorKindFutureTimestamp,
					Detail:        "version timestamp " + ts.UTC().Format(time.RFC3339) + " is beyond the skew ceiling",
				})
				continue
			}
		}
		if change.ChangeType == inbetweenies.ChangeTypeDelete && !entity.IsTombstone() {
			if entity.Content == nil {
				entity.Content = map[string]any{}
			}
			entity.Content["deleted"] = true
		}

		next := inbetweenies.IncrementCounter(deviceCounter)
		created, err := tx.PutVersion(ctx, entity, req.DeviceID, next)
		switch {
		case errors.Is(err, storage.ErrParentMissing):
			rejected++
			conflicts = append(conflicts, inbetweenies.ConflictReport{
				EntityID:      entity.ID,
				RemoteVersion: entity.Version,
				Kind:          inbetweenies.ErrorKindParentMissing,
				Detail:        err.Error(),
			})
			continue
		case errors.Is(err, storage.ErrDuplicateVersion):
			rejected++
			conflicts = append(conflicts, inbetweenies.ConflictReport{
				EntityID:      entity.ID,
				RemoteVersion: entity.Version,
				Kind:          inbetweenies.ErrorKindConflict,
				Detail:        "duplicate version with differing payload",
			})
			continue
		case err != nil:
			return nil, err
		}
		applied++
		if !created {
			// Identical replay: nothing new to detect or stamp.
			continue
		}
		wrote = true
		deviceCounter = next

		for j := range change.Relationships {
			if err := tx.PutRelationship(ctx, &change.Relationships[j]); err != nil {
				return nil, err
			}
		}

		leaves, err := tx.Leaves(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case len(leaves) > 1:
			report, merge, err := e.resolver.Resolve(leaves, now)
			if err != nil {
				return nil, err
			}
			if merge != nil {
				serverCounter = inbetweenies.IncrementCounter(serverCounter)
				if _, err := tx.PutVersion(ctx, merge, e.deviceID, serverCounter); err != nil {
					return nil, err
				}
				if err := repinEdges(ctx, tx, leaves, merge); err != nil {
					return nil, err
				}
				merges = append(merges, merge)
				if err := tx.ResolveConflicts(ctx, entity.ID); err != nil {
					return nil, err
				}
			}
			if err := tx.RecordConflict(ctx, report, merge != nil, now); err != nil {
				return nil, err
			}
			conflicts = append(conflicts, *report)
			e.metrics.observeConflict(merge != nil)
		case len(entity.ParentVersions) > 1:
			// An explicit merge from a client closed out earlier leaves.
			if err := tx.ResolveConflicts(ctx, entity.ID); err != nil {
				return nil, err
			}
		}
	}

	// The response clock is the element-wise max of request and server
	// clock; the server's own counter advances only when this request
	// actually landed rows, which keeps replays byte-identical.
	if wrote && serverCounter == serverBaseline {
		serverCounter = inbetweenies.IncrementCounter(serverCounter)
	}
	merged := serverClock.Merge(reqClock)
	merged.Observe(req.DeviceID, deviceCounter)
	merged.Observe(e.deviceID, serverCounter)

	var delta []*inbetweenies.EntityVersion
	if req.SyncType == inbetweenies.SyncTypeFull {
		delta, err = tx.AllCurrent(ctx)
	} else {
		delta, err = tx.Since(ctx, reqClock, req.DeviceID)
	}
	if err != nil {
		return nil, err
	}

	changes := make([]inbetweenies.Change, 0, len(delta)+len(merges))
	seen := make(map[string]struct{}, len(delta)+len(merges))
	emit := func(ev *inbetweenies.EntityVersion) error {
		key := ev.ID + "\x00" + ev.Version
		if _, ok := seen[key]; ok {
			return nil
		}
		seen[key] = struct{}{}
		rels, err := tx.RelationshipsFrom(ctx, ev.ID, ev.Version)
		if err != nil {
			return err
		}
		changes = append(changes, inbetweenies.Change{
			ChangeType:    changeTypeFor(ev),
			Entity:        ev,
			Relationships: rels,
		})
		return nil
	}
	for _, ev := range delta {
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	for _, m := range merges {
		if err := emit(m); err != nil {
			return nil, err
		}
	}

	if err := tx.UpsertDevice(ctx, req.DeviceID, req.UserID, now, merged); err != nil {
		return nil, err
	}
	if err := tx.SaveServerClock(ctx, merged); err != nil {
		return nil, err
	}

	return &inbetweenies.SyncResponse{
		ProtocolVersion: inbetweenies.ProtocolVersion,
		VectorClock:     merged,
		Changes:         changes,
		Conflicts:       conflicts,
		SyncStats: inbetweenies.SyncStats{
			Received:  len(req.Changes),
			Applied:   applied,
			Rejected:  rejected,
			Conflicts: len(conflicts),
		},
		SyncType: req.SyncType,
	}, nil
}

// StatusInfo is the payload of the sync status endpoint.
type StatusInfo struct {
	DeviceID     string                   `json:"device_id"`
	LastSync     *time.Time               `json:"last_sync,omitempty"`
	PendingCount int                      `json:"pending_count"`
	VectorClock  inbetweenies.VectorClock `json:"vector_clock"`
}

// Status reports what the server knows about a device: its last
// round-trip, its last reported clock, and how many versions it has
// not yet seen. An unknown device gets an empty clock and the full
// backlog.
func (e *Engine) Status(ctx context.Context, deviceID string) (*StatusInfo, error) {
	info := &StatusInfo{
		DeviceID:    deviceID,
		VectorClock: inbetweenies.NewVectorClock(),
	}
	rec, err := e.store.Device(ctx, deviceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		last := rec.LastSync.UTC()
		info.LastSync = &last
		clock, err := rec.Clock()
		if err != nil {
			return nil, err
		}
		info.VectorClock = clock
	}
	missing, err := e.store.Since(ctx, info.VectorClock, deviceID)
	if err != nil {
		return nil, err
	}
	info.PendingCount = len(missing)
	return info, nil
}

// Conflicts lists unresolved server-side conflicts.
func (e *Engine) Conflicts(ctx context.Context) ([]storage.ConflictRecord, error) {
	return e.store.UnresolvedConflicts(ctx)
}

// repinEdges re-emits the leaves' outgoing relationships against a
// merge version, so edges keep traveling with the entity's current
// version. Logical duplicates across leaves collapse to one edge.
func repinEdges(ctx context.Context, tx *storage.Tx, leaves []*inbetweenies.EntityVersion, merge *inbetweenies.EntityVersion) error {
	seen := make(map[string]struct{})
	for _, leaf := range leaves {
		rels, err := tx.RelationshipsFrom(ctx, leaf.ID, leaf.Version)
		if err != nil {
			return err
		}
		for _, rel := range rels {
			key := rel.ToID + "\x00" + rel.ToVersion + "\x00" + string(rel.Type)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			repinned := rel
			repinned.ID = uuid.NewString()
			repinned.FromVersion = merge.Version
			if err := tx.PutRelationship(ctx, &repinned); err != nil {
				return err
			}
		}
	}
	return nil
}

func changeEntityID(c *inbetweenies.Change) string {
	if c.Entity != nil {
		return c.Entity.ID
	}
	return ""
}

// changeTypeFor labels an outgoing version by its shape: no parents is
// a creation, a tombstone is a delete, everything else an update.
func changeTypeFor(ev *inbetweenies.EntityVersion) inbetweenies.ChangeType {
	switch {
	case ev.IsTombstone():
		return inbetweenies.ChangeTypeDelete
	case len(ev.ParentVersions) == 0:
		return inbetweenies.ChangeTypeCreate
	default:
		return inbetweenies.ChangeTypeUpdate
	}
}

