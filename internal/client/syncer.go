// internal/client/syncer.go
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// remoteDevice stamps versions applied from server responses. The
// zero counter keeps them out of the replica's own authored set.
const remoteDevice = "server"

// SyncerOptions tune one syncer.
type SyncerOptions struct {
	// MaxBatch caps the changes carried per request; larger pushes are
	// split across sequential requests. Defaults to the protocol cap.
	MaxBatch int
	// MaxAttempts bounds the HTTP tries per request, first included.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; it doubles per
	// attempt with jitter on top.
	BaseBackoff time.Duration
	// MaxFailures is the number of consecutive failed cycles before
	// pending rows are parked as conflicts for an operator to see.
	MaxFailures int
	Logger      zerolog.Logger
}

// Syncer runs the push-pull cycle for one replica. Cycles are
// serialized; concurrent calls queue behind the mutex.
type Syncer struct {
	replica     *Replica
	transport   *Transport
	maxBatch    int
	maxAttempts int
	baseBackoff time.Duration
	maxFailures int
	log         zerolog.Logger

	mu sync.Mutex
}

// NewSyncer wires a replica to a transport.
func NewSyncer(replica *Replica, transport *Transport, opts SyncerOptions) *Syncer {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = inbetweenies.DefaultMaxChanges
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	return &Syncer{
		replica:     replica,
		transport:   transport,
		maxBatch:    opts.MaxBatch,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		maxFailures: opts.MaxFailures,
		log:         opts.Logger,
	}
}

// Result summarizes one sync cycle.
type Result struct {
	// Pushed counts changes sent to the server.
	Pushed int
	// Applied counts versions landed locally from the response.
	Applied int
	// Conflicts counts entities reported or detected as divergent.
	Conflicts int
	// Rejected counts changes the server refused plus response rows
	// the replica could not store.
	Rejected int
}

// String renders the result for CLI output.
func (r Result) String() string {
	return fmt.Sprintf("sync completed (%d pushed, %d applied, %d conflicts)",
		r.Pushed, r.Applied, r.Conflicts)
}

// Sync runs one cycle: push everything pending, apply the returned
// delta, settle the tracker. A replica that has never synced requests
// a full snapshot; afterwards deltas suffice.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	return s.run(ctx, false)
}

// FullSync forces a full snapshot regardless of the replica's clock,
// for recovery after local data loss.
func (s *Syncer) FullSync(ctx context.Context) (*Result, error) {
	return s.run(ctx, true)
}

func (s *Syncer) run(ctx context.Context, forceFull bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	store := s.replica.Store()

	changes, pushedAt, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}

	chunks := chunkChanges(changes, s.maxBatch)
	if len(chunks) == 0 {
		chunks = append(chunks, nil)
	}

	result := &Result{}
	claimed := make(map[string]bool, len(pushedAt))
	for i, chunk := range chunks {
		clock, err := store.VectorClock(ctx)
		if err != nil {
			return nil, err
		}
		syncType := inbetweenies.SyncTypeDelta
		if clock.IsZero() || (forceFull && i == 0) {
			syncType = inbetweenies.SyncTypeFull
		}
		req := &inbetweenies.SyncRequest{
			ProtocolVersion: inbetweenies.ProtocolVersion,
			DeviceID:        s.replica.DeviceID(),
			UserID:          s.replica.UserID(),
			SyncType:        syncType,
			VectorClock:     clock,
			Changes:         chunk,
		}
		resp, err := s.exchange(ctx, req)
		if err != nil {
			s.noteFailure(ctx, err)
			return nil, err
		}

		settle := make(map[string]time.Time, len(chunk))
		for j := range chunk {
			id := chunk[j].Entity.ID
			if at, ok := pushedAt[id]; ok {
				settle[id] = at
				claimed[id] = true
			}
		}
		if i == len(chunks)-1 {
			for id, at := range pushedAt {
				if !claimed[id] {
					settle[id] = at
				}
			}
		}
		if err := s.apply(ctx, resp, settle, result); err != nil {
			return nil, err
		}
		result.Pushed += len(chunk)
		for j := range resp.Conflicts {
			if resp.Conflicts[j].Kind == "" {
				result.Conflicts++
			} else {
				result.Rejected++
			}
		}
	}

	if err := store.SetState(ctx, storage.StateFailures, "0"); err != nil {
		return nil, err
	}
	s.log.Info().
		Int("pushed", result.Pushed).
		Int("applied", result.Applied).
		Int("conflicts", result.Conflicts).
		Int("rejected", result.Rejected).
		Dur("elapsed", time.Since(start)).
		Msg("sync completed")
	return result, nil
}

// collect gathers every locally authored version of every pending
// entity, oldest first so parents precede children. Versions the
// server already holds are fine to resend: the store treats identical
// replays as no-ops.
func (s *Syncer) collect(ctx context.Context) ([]inbetweenies.Change, map[string]time.Time, error) {
	store := s.replica.Store()
	pending, err := store.Pending(ctx)
	if err != nil {
		return nil, nil, err
	}
	pushedAt := make(map[string]time.Time, len(pending))
	if len(pending) == 0 {
		return nil, pushedAt, nil
	}
	authored, err := store.Since(ctx, inbetweenies.NewVectorClock(), remoteDevice)
	if err != nil {
		return nil, nil, err
	}
	byEntity := make(map[string][]*inbetweenies.EntityVersion)
	for _, ev := range authored {
		byEntity[ev.ID] = append(byEntity[ev.ID], ev)
	}
	var changes []inbetweenies.Change
	for _, row := range pending {
		pushedAt[row.EntityID] = row.LastModified
		for _, ev := range byEntity[row.EntityID] {
			rels, err := store.RelationshipsFrom(ctx, ev.ID, ev.Version)
			if err != nil {
				return nil, nil, err
			}
			changes = append(changes, inbetweenies.Change{
				ChangeType:    changeShape(ev),
				Entity:        ev,
				Relationships: rels,
			})
		}
	}
	return changes, pushedAt, nil
}

// changeShape derives the change type from the version itself: a
// tombstone is a delete, a version without parents is a create,
// everything else is an update.
func changeShape(ev *inbetweenies.EntityVersion) inbetweenies.ChangeType {
	switch {
	case ev.IsTombstone():
		return inbetweenies.ChangeTypeDelete
	case len(ev.ParentVersions) == 0:
		return inbetweenies.ChangeTypeCreate
	default:
		return inbetweenies.ChangeTypeUpdate
	}
}

func chunkChanges(changes []inbetweenies.Change, max int) [][]inbetweenies.Change {
	var out [][]inbetweenies.Change
	for len(changes) > max {
		out = append(out, changes[:max])
		changes = changes[max:]
	}
	if len(changes) > 0 {
		out = append(out, changes)
	}
	return out
}

// exchange sends one request, retrying transient failures with
// exponential backoff. Wire errors other than RateLimited and Internal
// are deterministic; retrying them would only repeat the answer.
func (s *Syncer) exchange(ctx context.Context, req *inbetweenies.SyncRequest) (*inbetweenies.SyncResponse, error) {
	var last error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoffDelay(s.baseBackoff, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		resp, err := s.transport.Sync(ctx, req)
		if err == nil {
			return resp, nil
		}
		last = err
		if !retryable(err) {
			return nil, err
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("sync attempt failed")
	}
	return nil, last
}

func retryable(err error) bool {
	var werr *inbetweenies.WireError
	if errors.As(err, &werr) {
		switch werr.Kind {
		case inbetweenies.ErrorKindRateLimited, inbetweenies.ErrorKindInternal:
			return true
		default:
			return false
		}
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func backoffDelay(base time.Duration, retry int) time.Duration {
	d := base << (retry - 1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// apply lands one response in a single transaction: graft the changes,
// flag divergences the server did not already report, settle the
// tracker rows this request pushed, and persist the merged clock.
func (s *Syncer) apply(ctx context.Context, resp *inbetweenies.SyncResponse, settle map[string]time.Time, result *Result) error {
	now := time.Now()
	reported := make(map[string]*inbetweenies.ConflictReport, len(resp.Conflicts))
	for i := range resp.Conflicts {
		reported[resp.Conflicts[i].EntityID] = &resp.Conflicts[i]
	}
	return s.replica.Store().WithTx(ctx, func(tx *storage.Tx) error {
		touched := make(map[string]inbetweenies.EntityType)
		sentHead := make(map[string]string)
		for i := range resp.Changes {
			ch := &resp.Changes[i]
			created, err := tx.GraftVersion(ctx, ch.Entity, remoteDevice, "0")
			if errors.Is(err, storage.ErrDuplicateVersion) {
				if err := tx.MarkConflict(ctx, ch.Entity.ID, ch.Entity.EntityType,
					"version collision with different payload", now); err != nil {
					return err
				}
				result.Rejected++
				continue
			}
			if err != nil {
				return err
			}
			touched[ch.Entity.ID] = ch.Entity.EntityType
			sentHead[ch.Entity.ID] = ch.Entity.Version
			if !created {
				continue
			}
			for j := range ch.Relationships {
				if err := tx.PutRelationship(ctx, &ch.Relationships[j]); err != nil {
					return err
				}
			}
			result.Applied++
		}

		for id, entityType := range touched {
			if _, ok := reported[id]; ok {
				continue
			}
			lvs, err := tx.Leaves(ctx, id)
			if err != nil {
				return err
			}
			if len(lvs) > 1 {
				if err := tx.MarkConflict(ctx, id, entityType, "divergent versions", now); err != nil {
					return err
				}
				result.Conflicts++
				continue
			}
			// A merge arriving by delta heals an earlier divergence: the
			// single remaining leaf is exactly what the server sent, so
			// a row still flagged as conflicted can settle.
			if len(lvs) == 1 && lvs[0].Version == sentHead[id] {
				row, err := tx.Tracker(ctx, id)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if row.SyncStatus == storage.StatusConflict {
					if err := tx.MarkSynced(ctx, id, now); err != nil {
						return err
					}
				}
			}
		}

		for id, at := range settle {
			row, err := tx.Tracker(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if row.LastModified.After(at) {
				// modified again while the request was in flight;
				// leave it pending for the next cycle
				continue
			}
			rep, ok := reported[id]
			if !ok || (rep.Resolution != nil && rep.Resolution.MergeVersion != "") {
				if err := tx.MarkSynced(ctx, id, now); err != nil {
					return err
				}
				continue
			}
			detail := rep.Detail
			if detail == "" {
				detail = string(rep.Kind)
			}
			if err := tx.MarkConflict(ctx, id, row.EntityType, detail, now); err != nil {
				return err
			}
		}

		local, err := tx.VectorClock(ctx)
		if err != nil {
			return err
		}
		if err := tx.SaveVectorClock(ctx, local.Merge(resp.VectorClock)); err != nil {
			return err
		}
		return tx.SetLastSync(ctx, now)
	})
}

// noteFailure bumps the consecutive-failure counter and, once the
// budget is spent, parks pending rows as conflicts so they surface in
// status output instead of failing silently forever.
func (s *Syncer) noteFailure(ctx context.Context, cause error) {
	store := s.replica.Store()
	n := 0
	if raw, err := store.State(ctx, storage.StateFailures); err == nil {
		n, _ = strconv.Atoi(raw)
	}
	n++
	if err := store.SetState(ctx, storage.StateFailures, strconv.Itoa(n)); err != nil {
		s.log.Error().Err(err).Msg("record sync failure")
		return
	}
	s.log.Warn().Err(cause).Int("consecutive_failures", n).Msg("sync cycle failed")
	if n < s.maxFailures {
		return
	}
	pending, err := store.Pending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list pending rows")
		return
	}
	now := time.Now()
	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, row := range pending {
			reason := fmt.Sprintf("sync retries exhausted: %v", cause)
			if err := tx.MarkConflict(ctx, row.EntityID, row.EntityType, reason, now); err != nil {
				return err
			}
		}
		return tx.SetState(ctx, storage.StateFailures, "0")
	})
	if err != nil {
		s.log.Error().Err(err).Msg("park pending rows")
		return
	}
	s.log.Error().Err(cause).Int("parked", len(pending)).Msg("sync retry budget exhausted")
}
