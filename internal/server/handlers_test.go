// internal/server/handlers_test.go
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

func setupServer(t *testing.T, opts Options, engOpts EngineOptions) (*Server, *storage.ServerStore) {
	t.Helper()
	store, err := storage.OpenServer("sqlite3", filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if engOpts.DeviceID == "" {
		engOpts.DeviceID = serverDevice
	}
	engOpts.Logger = zerolog.Nop()
	eng, err := NewEngine(store, engOpts)
	require.NoError(t, err)
	opts.Logger = zerolog.Nop()
	return New(eng, store, opts), store
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeWireError(t *testing.T, rec *httptest.ResponseRecorder) inbetweenies.WireError {
	t.Helper()
	var werr inbetweenies.WireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &werr))
	return werr
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})
	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestSyncRequiresToken(t *testing.T) {
	srv, _ := setupServer(t, Options{
		Auth: NewStaticValidator(map[string]string{"sekrit": "alice"}),
	}, EngineOptions{})

	req := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock())

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindUnauthorized, decodeWireError(t, rec).Kind)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "wrong", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "sekrit", req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncMalformedBody(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindUnsupportedProtocol, decodeWireError(t, rec).Kind)
}

func TestSyncRoundTripOverHTTP(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})

	push := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(),
		createChange(entityAt("e1", "alice", baseTime, map[string]any{"temp": 20.0})))
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", push)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp inbetweenies.SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, inbetweenies.ProtocolVersion, resp.ProtocolVersion)
	assert.Equal(t, 1, resp.SyncStats.Applied)

	pull := syncReq("device-b", "bob", inbetweenies.SyncTypeFull, inbetweenies.NewVectorClock())
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", pull)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "e1", resp.Changes[0].Entity.ID)
}

func TestSyncErrorsTravelAsWireErrors(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{MaxBatch: 1})

	req := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(),
		createChange(entityAt("e1", "alice", baseTime, nil)),
		createChange(entityAt("e2", "alice", baseTime, nil)))
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindBatchTooLarge, decodeWireError(t, rec).Kind)

	bad := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock())
	bad.ProtocolVersion = "inbetweenies-v1"
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindUnsupportedProtocol, decodeWireError(t, rec).Kind)
}

func TestRateLimitPerDevice(t *testing.T) {
	srv, _ := setupServer(t, Options{RateLimit: 0.001, RateBurst: 1}, EngineOptions{})

	req := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock())
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindRateLimited, decodeWireError(t, rec).Kind)

	other := syncReq("device-b", "bob", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock())
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", other)
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per device")
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sync/status", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	push := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(),
		createChange(entityAt("e1", "alice", baseTime, nil)))
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", push).Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sync/status?device_id=device-b", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info StatusInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "device-b", info.DeviceID)
	assert.Nil(t, info.LastSync)
	assert.Equal(t, 1, info.PendingCount)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sync/status?device_id=device-a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotNil(t, info.LastSync)
	assert.Equal(t, 0, info.PendingCount)
	assert.Equal(t, "1", info.VectorClock.Counter("device-a"))
}

func TestConflictsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{Strategy: inbetweenies.StrategyManual})

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sync/conflicts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conflicts":[],"count":0}`, rec.Body.String())

	v1 := entityAt("e1", "alice", baseTime, map[string]any{"temp": 20.0})
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), createChange(v1))).Code)

	v2a := entityAt("e1", "alice", baseTime.Add(10*time.Second), map[string]any{"temp": 21.0}, v1.Version)
	v2b := entityAt("e1", "bob", baseTime.Add(20*time.Second), map[string]any{"temp": 25.0}, v1.Version)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), updateChange(v2a))).Code)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-b", "bob", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), updateChange(v2b))).Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sync/conflicts", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Conflicts []storage.ConflictRecord `json:"conflicts"`
		Count     int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "e1", body.Conflicts[0].EntityID)
	assert.Equal(t, string(inbetweenies.StrategyManual), body.Conflicts[0].Strategy)
}

func TestGraphEndpoints(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})

	home := entityAt("e-home", "alice", baseTime, map[string]any{"address": "16 Cricklewood Lane"})
	home.EntityType = inbetweenies.EntityTypeHome
	room := entityAt("e-room", "alice", baseTime.Add(time.Second), map[string]any{"floor": 1.0})
	room.EntityType = inbetweenies.EntityTypeRoom
	edge := inbetweenies.Relationship{
		ID:          "rel-1",
		FromID:      room.ID,
		FromVersion: room.Version,
		ToID:        home.ID,
		ToVersion:   home.Version,
		Type:        inbetweenies.RelationshipLocatedIn,
	}
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(),
			createChange(home), createChange(room, edge))).Code)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities?entity_type=room", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Entities []inbetweenies.EntityVersion `json:"entities"`
		Count    int                          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "e-room", listing.Entities[0].ID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e-home", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ev inbetweenies.EntityVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, home.Version, ev.Version)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e-nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, inbetweenies.ErrorKindNotFound, decodeWireError(t, rec).Kind)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e-room/versions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Equal(t, 1, versions.Count)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e-room/related?direction=from", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var related struct {
		Relationships []inbetweenies.Relationship `json:"relationships"`
		Count         int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &related))
	require.Equal(t, 1, related.Count)
	assert.Equal(t, "e-home", related.Relationships[0].ToID)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e-home/related?direction=from", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &related))
	assert.Equal(t, 0, related.Count, "the edge points away from the room, not the home")
}

func TestGraphEntityConflictAndTombstone(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{Strategy: inbetweenies.StrategyManual})

	v1 := entityAt("e1", "alice", baseTime, map[string]any{"temp": 20.0})
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), createChange(v1))).Code)

	v2a := entityAt("e1", "alice", baseTime.Add(10*time.Second), map[string]any{"temp": 21.0}, v1.Version)
	v2b := entityAt("e1", "bob", baseTime.Add(20*time.Second), map[string]any{"temp": 25.0}, v1.Version)
	doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), updateChange(v2a)))
	doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-b", "bob", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), updateChange(v2b)))

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e1", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var conflicted struct {
		InConflict bool                         `json:"in_conflict"`
		Leaves     []inbetweenies.EntityVersion `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflicted))
	assert.True(t, conflicted.InConflict)
	assert.Len(t, conflicted.Leaves, 2)
}

func TestGraphTombstoneReads(t *testing.T) {
	srv, _ := setupServer(t, Options{}, EngineOptions{})

	v1 := entityAt("e1", "alice", baseTime, map[string]any{"temp": 20.0})
	push := doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(), createChange(v1)))
	require.Equal(t, http.StatusOK, push.Code)
	var pushResp inbetweenies.SyncResponse
	require.NoError(t, json.Unmarshal(push.Body.Bytes(), &pushResp))

	del := entityAt("e1", "alice", baseTime.Add(time.Minute), map[string]any{}, v1.Version)
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "",
		syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, pushResp.VectorClock,
			inbetweenies.Change{ChangeType: inbetweenies.ChangeTypeDelete, Entity: del})).Code)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Deleted entities drop out of listings but keep their lineage.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities", "", nil)
	var listing struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 0, listing.Count)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/graph/entities/e1/versions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Equal(t, 2, versions.Count)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv, _ := setupServer(t, Options{Registry: reg}, EngineOptions{Metrics: metrics})

	push := syncReq("device-a", "alice", inbetweenies.SyncTypeDelta, inbetweenies.NewVectorClock(),
		createChange(entityAt("e1", "alice", baseTime, nil)))
	require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/sync/", "", push).Code)

	rec := doJSON(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "goodies_sync_requests_total")
	assert.Contains(t, body, "goodies_sync_changes_applied_total")
}
