package tests

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/client"
	"github.com/adrianco/the-goodies-sub002/internal/server"
	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// BenchmarkCreateEntity benchmarks local writes on a replica.
func BenchmarkCreateEntity(b *testing.B) {
	r := benchReplica(b)
	defer r.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := r.CreateEntity(ctx, inbetweenies.EntityTypeDevice,
			fmt.Sprintf("device-%d", i), map[string]any{"serial": i})
		if err != nil {
			b.Fatalf("create failed at iteration %d: %v", i, err)
		}
	}
}

// BenchmarkUpdateEntity benchmarks version appends on one growing lineage.
func BenchmarkUpdateEntity(b *testing.B) {
	r := benchReplica(b)
	defer r.Close()
	ctx := context.Background()

	ev, err := r.CreateEntity(ctx, inbetweenies.EntityTypeDevice, "thermostat",
		map[string]any{"target": 20.0})
	if err != nil {
		b.Fatalf("seed entity: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := r.UpdateEntity(ctx, ev.ID, "", map[string]any{"target": float64(i)})
		if err != nil {
			b.Fatalf("update failed at iteration %d: %v", i, err)
		}
	}
}

// BenchmarkCurrentLookup benchmarks head reads against a populated replica.
func BenchmarkCurrentLookup(b *testing.B) {
	r := benchReplica(b)
	defer r.Close()
	ctx := context.Background()

	ids := make([]string, 100)
	for i := range ids {
		ev, err := r.CreateEntity(ctx, inbetweenies.EntityTypeRoom,
			fmt.Sprintf("room-%d", i), nil)
		if err != nil {
			b.Fatalf("populate: %v", err)
		}
		ids[i] = ev.ID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Entity(ctx, ids[i%len(ids)]); err != nil {
			b.Fatalf("lookup failed: %v", err)
		}
	}
}

// BenchmarkProcessSyncDelta benchmarks the engine applying one-change
// delta batches, the steady-state shape of a chatty replica.
func BenchmarkProcessSyncDelta(b *testing.B) {
	store, engine := benchEngine(b)
	defer store.Close()
	ctx := context.Background()

	// Timestamps start a minute in the past and step one nanosecond
	// per iteration, so versions stay unique and inside the skew
	// ceiling no matter how long the run is.
	base := time.Now().UTC().Add(-time.Minute)
	prev := inbetweenies.MakeVersion(base, "bench")
	seed := &inbetweenies.EntityVersion{
		ID:         "bench-device",
		Version:    prev,
		EntityType: inbetweenies.EntityTypeDevice,
		Name:       "bench device",
		Content:    map[string]any{"n": 0},
		SourceType: inbetweenies.SourceTypeManual,
		UserID:     "bench",
	}
	if _, err := engine.ProcessSync(ctx, deltaRequest(seed, inbetweenies.ChangeTypeCreate)); err != nil {
		b.Fatalf("seed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		next := inbetweenies.MakeVersion(base.Add(time.Duration(i+1)), "bench")
		ev := &inbetweenies.EntityVersion{
			ID:             "bench-device",
			Version:        next,
			EntityType:     inbetweenies.EntityTypeDevice,
			Name:           "bench device",
			Content:        map[string]any{"n": i},
			SourceType:     inbetweenies.SourceTypeManual,
			UserID:         "bench",
			ParentVersions: []string{prev},
		}
		if _, err := engine.ProcessSync(ctx, deltaRequest(ev, inbetweenies.ChangeTypeUpdate)); err != nil {
			b.Fatalf("sync failed at iteration %d: %v", i, err)
		}
		prev = next
	}
}

// BenchmarkDeltaSince benchmarks the delta query a sync request pays
// for, against a fleet of 500 entities with half of them past the
// requester's clock.
func BenchmarkDeltaSince(b *testing.B) {
	store, engine := benchEngine(b)
	defer store.Close()
	ctx := context.Background()

	seedFleet(b, engine, 500)

	at := inbetweenies.NewVectorClock()
	at.Set("seeder", "250")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rows, err := store.Since(ctx, at, "some-other-device")
		if err != nil {
			b.Fatalf("delta query failed: %v", err)
		}
		if len(rows) != 250 {
			b.Fatalf("delta returned %d rows, want 250", len(rows))
		}
	}
}

// BenchmarkFullSnapshot benchmarks the full-sync path a fresh replica
// triggers, over the same 500-entity fleet.
func BenchmarkFullSnapshot(b *testing.B) {
	store, engine := benchEngine(b)
	defer store.Close()
	ctx := context.Background()

	seedFleet(b, engine, 500)

	req := &inbetweenies.SyncRequest{
		ProtocolVersion: inbetweenies.ProtocolVersion,
		DeviceID:        "fresh-replica",
		UserID:          "bench",
		SyncType:        inbetweenies.SyncTypeFull,
		VectorClock:     inbetweenies.NewVectorClock(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp, err := engine.ProcessSync(ctx, req)
		if err != nil {
			b.Fatalf("full sync failed: %v", err)
		}
		if len(resp.Changes) != 500 {
			b.Fatalf("snapshot carried %d heads, want 500", len(resp.Changes))
		}
	}
}

// BenchmarkSyncRoundTrip benchmarks a whole push over HTTP: one new
// entity per iteration, request, apply, response, bookkeeping.
func BenchmarkSyncRoundTrip(b *testing.B) {
	tmpDir := b.TempDir()
	store, hub := startHub(b, filepath.Join(tmpDir, "hub.db"))
	defer hub.Close()
	defer store.Close()

	r := openReplica(b, filepath.Join(tmpDir, "replica.db"), "bench-replica", "bench")
	defer r.Close()
	sy := newSyncer(r, hub.URL)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := r.CreateEntity(ctx, inbetweenies.EntityTypeDevice,
			fmt.Sprintf("meter-%d", i), map[string]any{"kwh": float64(i)})
		if err != nil {
			b.Fatalf("create failed at iteration %d: %v", i, err)
		}
		if _, err := sy.Sync(ctx); err != nil {
			b.Fatalf("sync failed at iteration %d: %v", i, err)
		}
	}
}

func benchReplica(b *testing.B) *client.Replica {
	b.Helper()
	return openReplica(b, filepath.Join(b.TempDir(), "replica.db"), "bench-replica", "bench")
}

func benchEngine(b *testing.B) (*storage.ServerStore, *server.Engine) {
	b.Helper()
	store, err := storage.OpenServer("sqlite3", filepath.Join(b.TempDir(), "hub.db"))
	if err != nil {
		b.Fatalf("open store: %v", err)
	}
	engine, err := server.NewEngine(store, server.EngineOptions{
		DeviceID: "hub",
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		b.Fatalf("build engine: %v", err)
	}
	return store, engine
}

func deltaRequest(ev *inbetweenies.EntityVersion, ct inbetweenies.ChangeType) *inbetweenies.SyncRequest {
	return &inbetweenies.SyncRequest{
		ProtocolVersion: inbetweenies.ProtocolVersion,
		DeviceID:        "bench-replica",
		UserID:          "bench",
		SyncType:        inbetweenies.SyncTypeDelta,
		VectorClock:     inbetweenies.NewVectorClock(),
		Changes:         []inbetweenies.Change{{ChangeType: ct, Entity: ev}},
	}
}

// seedFleet pushes n freshly created entities through the engine in
// one batch, stamped by a separate seeder device.
func seedFleet(b *testing.B, engine *server.Engine, n int) {
	b.Helper()
	base := time.Now().UTC().Add(-time.Minute)
	changes := make([]inbetweenies.Change, 0, n)
	for i := 0; i < n; i++ {
		changes = append(changes, inbetweenies.Change{
			ChangeType: inbetweenies.ChangeTypeCreate,
			Entity: &inbetweenies.EntityVersion{
				ID:         fmt.Sprintf("sensor-%03d", i),
				Version:    inbetweenies.MakeVersion(base.Add(time.Duration(i)), "seed"),
				EntityType: inbetweenies.EntityTypeDevice,
				Name:       fmt.Sprintf("sensor %d", i),
				SourceType: inbetweenies.SourceTypeManual,
				UserID:     "seed",
			},
		})
	}
	req := &inbetweenies.SyncRequest{
		ProtocolVersion: inbetweenies.ProtocolVersion,
		DeviceID:        "seeder",
		UserID:          "seed",
		SyncType:        inbetweenies.SyncTypeDelta,
		VectorClock:     inbetweenies.NewVectorClock(),
		Changes:         changes,
	}
	if _, err := engine.ProcessSync(context.Background(), req); err != nil {
		b.Fatalf("populate: %v", err)
	}
}

// TestPrintBenchmarkHint mirrors how these benchmarks are meant to be
// run; it only prints unless asked for.
func TestPrintBenchmarkHint(t *testing.T) {
	if os.Getenv("RUN_BENCHMARK_HINT") != "1" {
		t.Skip("Skipping benchmark hint. Set RUN_BENCHMARK_HINT=1 to print.")
	}
	t.Log("Run benchmarks with: go test -bench=. -benchmem ./tests/")
	t.Log("BenchmarkSyncRoundTrip covers the full HTTP push path; the others isolate store and engine costs.")
}
