package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedbridge.ai/internal/bridge"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestIndex(t *testing.T) (*SQLiteIndex, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index", "seedbridge.db")
	idx, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, path
}

func TestSQLiteIndex_BridgeLifecycle(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated, SeedKey: "STONE-WATER-3C", DimensionID: "stone_water_3c", PlayerID: "steve", Title: "Dimension: Stone & Water", At: t0})
	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated, SeedKey: "DEEP SLATE-LAVA-12", DimensionID: "deep_slate_lava_12", Title: "Dimension: Deep Slate & Lava", At: t0.Add(time.Minute)})
	idx.RecordBridge(bridge.Event{Kind: bridge.EventRemoved, SeedKey: "DEEP SLATE-LAVA-12", DimensionID: "deep_slate_lava_12", At: t0.Add(2 * time.Minute)})
	require.NoError(t, idx.Flush(ctx))

	active, err := idx.Bridges(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "STONE-WATER-3C", active[0].SeedKey)
	assert.Equal(t, "steve", active[0].PlayerID)
	assert.True(t, active[0].FirstSeen.Equal(t0))
	assert.Nil(t, active[0].RemovedAt)

	all, err := idx.Bridges(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "DEEP SLATE-LAVA-12", all[0].SeedKey)
	require.NotNil(t, all[0].RemovedAt)
	assert.True(t, all[0].RemovedAt.Equal(t0.Add(2*time.Minute)))

	hist, err := idx.History(ctx, "DEEP SLATE-LAVA-12")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, bridge.EventCreated, hist[0].Kind)
	assert.Equal(t, bridge.EventRemoved, hist[1].Kind)

	st := idx.Stats()
	assert.Equal(t, uint64(6), st.Written)
	assert.Zero(t, st.Dropped)
}

func TestSQLiteIndex_RehydrateKeepsFirstSeenAndPlayer(t *testing.T) {
	idx, _ := openTestIndex(t)
	ctx := context.Background()

	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated, SeedKey: "STONE-WATER-3C", DimensionID: "stone_water_3c", PlayerID: "steve", Title: "T", At: t0})
	idx.RecordBridge(bridge.Event{Kind: bridge.EventRehydrated, SeedKey: "STONE-WATER-3C", DimensionID: "stone_water_3c", At: t0.Add(time.Hour)})
	require.NoError(t, idx.Flush(ctx))

	rows, err := idx.Bridges(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "steve", rows[0].PlayerID)
	assert.Equal(t, "T", rows[0].Title)
	assert.True(t, rows[0].FirstSeen.Equal(t0))
}

func TestSQLiteIndex_Triggers(t *testing.T) {
	idx, path := openTestIndex(t)
	ctx := context.Background()

	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated, SeedKey: "STONE-WATER-3C", DimensionID: "stone_water_3c", At: t0})
	for i, id := range []string{"trg-1", "trg-2", "trg-3"} {
		idx.RecordResolution(bridge.Resolution{
			TriggerID:   id,
			Kind:        "dimension_generation",
			PlayerID:    "steve",
			SeedKey:     "STONE-WATER-3C",
			DimensionID: "stone_water_3c",
			Resolved:    true,
			Pos:         [3]int{1, 64, -3},
			At:          t0.Add(time.Duration(i) * time.Second),
		})
	}
	idx.RecordResolution(bridge.Resolution{TriggerID: "trg-4", Kind: "collision", SeedKey: "NOPE-NOPE-00", At: t0.Add(500 * time.Millisecond)})
	require.NoError(t, idx.Flush(ctx))

	recent, err := idx.RecentTriggers(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "trg-3", recent[0].TriggerID)
	assert.Equal(t, "trg-2", recent[1].TriggerID)
	assert.Equal(t, [3]int{1, 64, -3}, recent[0].Pos)

	forKey, err := idx.RecentTriggers(ctx, "NOPE-NOPE-00", 0)
	require.NoError(t, err)
	require.Len(t, forKey, 1)
	assert.False(t, forKey[0].Resolved)

	rows, err := idx.Bridges(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Triggers)

	require.NoError(t, idx.Close())
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM triggers WHERE resolved=1`).Scan(&n))
	assert.Equal(t, 3, n)
	var version string
	require.NoError(t, db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.RecordBridge(bridge.Event{Kind: bridge.EventCreated})
	s.RecordBridge(bridge.Event{Kind: bridge.EventCreated})
	s.RecordResolution(bridge.Resolution{TriggerID: "x"})

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 1, st.QueueDepth)
	assert.Equal(t, 1, st.QueueCapacity)
}

func TestSQLiteIndex_ClosedIsNoop(t *testing.T) {
	idx, _ := openTestIndex(t)
	require.NoError(t, idx.Close())
	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated})
	require.NoError(t, idx.Flush(context.Background()))
	require.NoError(t, idx.Close())
}

func TestRemoteIndex_RetainsBatchOnFlushFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		reqCount int
		kinds    []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		n := reqCount
		mu.Unlock()
		if n <= 2 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("x-seedbridge-index-token"))
		var body struct {
			Events []struct {
				Kind     string `json:"kind"`
				ServerID string `json:"server_id"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, ev := range body.Events {
			assert.Equal(t, "mc-1", ev.ServerID)
			kinds = append(kinds, ev.Kind)
		}
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	idx, err := OpenRemote(RemoteConfig{
		Endpoint:      srv.URL,
		Token:         "secret",
		ServerID:      "mc-1",
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	idx.RecordBridge(bridge.Event{Kind: bridge.EventCreated, SeedKey: "STONE-WATER-3C", At: t0})
	idx.RecordResolution(bridge.Resolution{TriggerID: "trg-1", SeedKey: "STONE-WATER-3C", At: t0})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"bridge", "trigger"}, kinds)
	mu.Unlock()
	require.Eventually(t, func() bool { return idx.Stats().Sent == 2 }, time.Second, 10*time.Millisecond)
	st := idx.Stats()
	assert.GreaterOrEqual(t, st.FlushFailures, uint64(2))
	assert.Zero(t, st.Dropped)
}

func TestOpenRemote_Validates(t *testing.T) {
	_, err := OpenRemote(RemoteConfig{ServerID: "x"})
	require.Error(t, err)
	_, err = OpenRemote(RemoteConfig{Endpoint: "http://127.0.0.1"})
	require.Error(t, err)
}
