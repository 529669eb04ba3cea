package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"seedbridge.ai/internal/bridge"
	"seedbridge.ai/internal/config"
	"seedbridge.ai/internal/observer"
	"seedbridge.ai/internal/protocol"
	"seedbridge.ai/internal/seedkey"
)

const overworldKey = "STONE-WATER-3C"

type fakeHost struct {
	mu         sync.Mutex
	compileErr error
	removeOK   bool
	injected   []string
	removed    []string
	commands   []string
}

func (h *fakeHost) Compile(context.Context, seedkey.Grid) (bridge.Definition, error) {
	if h.compileErr != nil {
		return nil, h.compileErr
	}
	return bridge.Definition(`{"type":"minecraft:overworld"}`), nil
}

func (h *fakeHost) Inject(_ context.Context, dimID string, _ bridge.Definition, _ seedkey.Grid) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.injected = append(h.injected, dimID)
	return true, nil
}

func (h *fakeHost) Remove(_ context.Context, dimID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, dimID)
	return h.removeOK, nil
}

func (h *fakeHost) Run(_ context.Context, cmd string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, cmd)
	return nil
}

type offlineFeed struct{}

func (offlineFeed) Subscribe(string, func(protocol.Snapshot)) (func(), error) {
	return nil, errors.New("feed offline")
}

func (offlineFeed) Get(string) (protocol.Snapshot, error) {
	return protocol.Snapshot{}, errors.New("feed offline")
}

func (offlineFeed) GetBlock(int, int, int) (string, error) { return "minecraft:air", nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.Paths = []string{filepath.Join(dir, "bridges")}
	cfg.Index.Backend = config.IndexSQLite
	cfg.Index.SQLitePath = filepath.Join(dir, "index", "seedbridge.db")
	cfg.Journal.Dir = filepath.Join(dir, "journal")
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config, h *fakeHost) *server {
	t.Helper()
	s, err := newServer(cfg, hostLinks{
		Compiler: h,
		Injector: h,
		Commands: h,
		Feed:     offlineFeed{},
		Blocks:   offlineFeed{},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const createBody = `{"grid":{"tier":1,"columns":[{"worldType":"overworld","groundBlock":"minecraft:stone","fluidBlock":"minecraft:water","unlocked":true}]},"player_id":"steve"}`

func TestAdmin_CreateListRemove(t *testing.T) {
	fh := &fakeHost{removeOK: true}
	s := newTestServer(t, testConfig(t), fh)
	mux := s.routes()

	rec := do(t, mux, http.MethodPost, "/admin/v1/bridges", createBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		OK      bool          `json:"ok"`
		SeedKey string        `json:"seed_key"`
		Bridge  bridge.Record `json:"bridge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.OK)
	assert.Equal(t, overworldKey, created.SeedKey)
	assert.Equal(t, "stone_water_3c", created.Bridge.DimensionID)
	assert.Equal(t, []string{"stone_water_3c"}, fh.injected)
	require.Len(t, fh.commands, 2)
	assert.True(t, strings.HasPrefix(fh.commands[0], `give "steve" minecraft:written_book{title:"Dimension: Stone & Water"`))

	rec = do(t, mux, http.MethodGet, "/admin/v1/bridges", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Stats   bridge.Stats    `json:"stats"`
		Bridges []bridge.Record `json:"bridges"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Stats.Count)
	assert.Equal(t, []string{overworldKey}, list.Stats.Keys)

	rec = do(t, mux, http.MethodGet, "/admin/v1/resolve?key="+url.QueryEscape(overworldKey), "")
	assert.JSONEq(t, `{"seed_key":"STONE-WATER-3C","resolved":true,"dimension_id":"stone_water_3c"}`, rec.Body.String())

	rec = do(t, mux, http.MethodGet, "/admin/v1/bridges/"+overworldKey, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodDelete, "/admin/v1/bridges/"+overworldKey, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, s.registry.HasSeedKey(overworldKey))

	rec = do(t, mux, http.MethodDelete, "/admin/v1/bridges/"+overworldKey, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, mux, http.MethodGet, "/admin/v1/bridges/"+overworldKey+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Events []bridge.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Events, 2)
	assert.Equal(t, bridge.EventCreated, hist.Events[0].Kind)
	assert.Equal(t, bridge.EventRemoved, hist.Events[1].Kind)
}

func TestAdmin_CreateErrors(t *testing.T) {
	fh := &fakeHost{compileErr: errors.New("bad grid")}
	s := newTestServer(t, testConfig(t), fh)
	mux := s.routes()

	rec := do(t, mux, http.MethodPost, "/admin/v1/bridges", createBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, mux, http.MethodPost, "/admin/v1/bridges", `{"grid":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/admin/v1/bridges", `{"grid":{},"colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_RemoveRefusedByHost(t *testing.T) {
	fh := &fakeHost{removeOK: false}
	s := newTestServer(t, testConfig(t), fh)
	mux := s.routes()

	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/admin/v1/bridges", createBody).Code)
	rec := do(t, mux, http.MethodDelete, "/admin/v1/bridges/"+overworldKey, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.True(t, s.registry.HasSeedKey(overworldKey))
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	s := newTestServer(t, testConfig(t), &fakeHost{})
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/bridges", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_Disabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.Enabled = false
	s := newTestServer(t, cfg, &fakeHost{})
	rec := do(t, s.routes(), http.MethodGet, "/admin/v1/bridges", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_TriggersAndObserver(t *testing.T) {
	fh := &fakeHost{}
	s := newTestServer(t, testConfig(t), fh)
	mux := s.routes()
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/admin/v1/bridges", createBody).Code)

	s.resolver.HandleTrigger(observer.Trigger{
		ID:       "trg-1",
		Kind:     observer.KindDimensionGeneration,
		PlayerID: "steve",
		Portal:   protocol.BlockPos{X: 1, Y: 64, Z: 2},
		Document: protocol.Document{Title: "Dimension: Stone & Water", Pages: []string{overworldKey}},
	})

	rec := do(t, mux, http.MethodGet, "/admin/v1/triggers?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Triggers []bridge.Resolution `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Triggers, 1)
	assert.True(t, out.Triggers[0].Resolved)
	assert.Equal(t, "stone_water_3c", out.Triggers[0].DimensionID)

	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, "/admin/v1/triggers?limit=x", "").Code)

	rec = do(t, mux, http.MethodGet, "/admin/v1/observer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"idle"`)
}

func TestAdmin_TriggersWithoutSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Index.Backend = config.IndexNone
	s := newTestServer(t, cfg, &fakeHost{})
	rec := do(t, s.routes(), http.MethodGet, "/admin/v1/triggers", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_StoreReloadRehydrates(t *testing.T) {
	cfg := testConfig(t)
	fh := &fakeHost{}
	first := newTestServer(t, cfg, fh)
	require.Equal(t, http.StatusOK, do(t, first.routes(), http.MethodPost, "/admin/v1/bridges", createBody).Code)
	first.Close()

	cfg.Index.Backend = config.IndexNone
	second := newTestServer(t, cfg, fh)
	dimID, ok := second.registry.ResolveDimensionID(overworldKey)
	require.True(t, ok)
	assert.Equal(t, "stone_water_3c", dimID)

	rec := do(t, second.routes(), http.MethodPost, "/admin/v1/store/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"loaded":1,"rehydrated":0}`, rec.Body.String())
}

func TestServer_StartFallsBackToPolling(t *testing.T) {
	s := newTestServer(t, testConfig(t), &fakeHost{})
	assert.Equal(t, observer.ModePolling, s.Start())
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, testConfig(t), &fakeHost{})
	mux := s.routes()
	require.Equal(t, http.StatusOK, do(t, mux, http.MethodPost, "/admin/v1/bridges", createBody).Code)

	rec := do(t, mux, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "seedbridge_bridge_active 1")
	assert.Contains(t, body, "seedbridge_store_persistent 1")
	assert.Contains(t, body, `seedbridge_observer_mode{mode="idle"} 1`)
	assert.Contains(t, body, "seedbridge_index_queue_depth")

	rec = do(t, mux, http.MethodGet, "/healthz", "")
	assert.Equal(t, "ok", rec.Body.String())
}

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *recordingUploader) PutFile(_ context.Context, key, _ string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.keys = append(u.keys, key)
	return nil
}

func TestServer_MirrorsJournalOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mirror.Enabled = true
	cfg.Mirror.Bucket = "journals"
	cfg.Mirror.Prefix = "mc-1"
	up := &recordingUploader{}
	s, err := newServer(cfg, hostLinks{
		Compiler: &fakeHost{},
		Injector: &fakeHost{},
		Feed:     offlineFeed{},
		Blocks:   offlineFeed{},
		Uploader: up,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = s.registry.CreateBridge(context.Background(), seedkey.Grid{Tier: 1, Columns: []seedkey.Column{
		{WorldType: "overworld", GroundBlock: "minecraft:stone", FluidBlock: "minecraft:water", Unlocked: true},
	}}, "")
	require.NoError(t, err)
	s.Close()

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "mc-1/journal-"), up.keys[0])
	assert.True(t, strings.HasSuffix(up.keys[0], ".jsonl.zst"), up.keys[0])
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:80"))
	assert.True(t, isLoopbackRemote("[::1]:80"))
	assert.False(t, isLoopbackRemote("10.0.0.1:80"))
	assert.False(t, isLoopbackRemote("garbage"))
}
