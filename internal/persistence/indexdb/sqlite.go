package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"seedbridge.ai/internal/bridge"
)

const schemaVersion = "1"

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteIndex is a queryable read model of bridge lifecycle events and trigger resolutions.
// All writes go through one goroutine that batches them into transactions.
type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

type reqKind int

const (
	reqBridge reqKind = iota + 1
	reqResolution
	reqFlush
)

type req struct {
	kind reqKind

	event bridge.Event
	res   bridge.Resolution
	done  chan struct{}
}

// Stats reports queue pressure for /metrics.
type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Written       uint64 `json:"written"`
	Dropped       uint64 `json:"dropped"`
	WriteFailures uint64 `json:"write_failures"`
}

// BridgeRow is the indexed view of one bridge.
type BridgeRow struct {
	SeedKey     string     `json:"seed_key"`
	DimensionID string     `json:"dimension_id"`
	Title       string     `json:"title,omitempty"`
	PlayerID    string     `json:"player_id,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	RemovedAt   *time.Time `json:"removed_at,omitempty"`
	Triggers    int        `json:"triggers"`
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLiteIndex{
		db:  db,
		log: logger.Named("indexdb"),
		ch:  make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bridges (
			seed_key TEXT PRIMARY KEY,
			dimension_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			player_id TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			removed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS bridge_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			seed_key TEXT NOT NULL,
			dimension_id TEXT NOT NULL,
			player_id TEXT NOT NULL DEFAULT '',
			at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bridge_events_key ON bridge_events(seed_key, seq);`,
		`CREATE TABLE IF NOT EXISTS triggers (
			trigger_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			player_id TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			seed_key TEXT NOT NULL DEFAULT '',
			dimension_id TEXT NOT NULL DEFAULT '',
			resolved INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_key_at ON triggers(seed_key, at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordBridge implements bridge.Journal. It drops the event when the writer falls behind.
func (s *SQLiteIndex) RecordBridge(ev bridge.Event) {
	s.enqueue(req{kind: reqBridge, event: ev})
}

// RecordResolution implements bridge.Journal.
func (s *SQLiteIndex) RecordResolution(res bridge.Resolution) {
	s.enqueue(req{kind: reqResolution, res: res})
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// Flush commits everything queued before the call.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		WriteFailures: s.failed.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertBridge, _ := s.db.Prepare(`INSERT INTO bridges(seed_key,dimension_id,title,player_id,first_seen,removed_at) VALUES(?,?,?,?,?,NULL)
		ON CONFLICT(seed_key) DO UPDATE SET
			dimension_id=excluded.dimension_id,
			title=CASE WHEN excluded.title <> '' THEN excluded.title ELSE bridges.title END,
			player_id=CASE WHEN excluded.player_id <> '' THEN excluded.player_id ELSE bridges.player_id END,
			removed_at=NULL`)
	markRemoved, _ := s.db.Prepare(`UPDATE bridges SET removed_at=? WHERE seed_key=?`)
	insertEvent, _ := s.db.Prepare(`INSERT INTO bridge_events(kind,seed_key,dimension_id,player_id,at,raw_json) VALUES(?,?,?,?,?,?)`)
	insertTrigger, _ := s.db.Prepare(`INSERT OR REPLACE INTO triggers(trigger_id,kind,player_id,entity_id,seed_key,dimension_id,resolved,x,y,z,at,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertBridge, markRemoved, insertEvent, insertTrigger} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.Error("begin index tx", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
			s.log.Error("commit index tx", zap.Int("ops", opCount), zap.Error(err))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		s.failed.Add(uint64(opCount) + 1)
		s.log.Error("index write failed; batch discarded", zap.Int("ops", opCount), zap.Error(err))
		if tx != nil {
			_ = tx.Rollback()
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback(err)
			return false
		}
		opCount++
		return true
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var (
			r  req
			ok bool
		)
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-ticker.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			s.failed.Add(1)
			continue
		}
		switch r.kind {
		case reqBridge:
			ev := r.event
			at := ev.At.UTC().Format(tsLayout)
			raw, _ := json.Marshal(ev)
			if !exec(insertEvent, string(ev.Kind), ev.SeedKey, ev.DimensionID, ev.PlayerID, at, string(raw)) {
				continue
			}
			switch ev.Kind {
			case bridge.EventCreated, bridge.EventRehydrated:
				exec(upsertBridge, ev.SeedKey, ev.DimensionID, ev.Title, ev.PlayerID, at)
			case bridge.EventRemoved:
				exec(markRemoved, at, ev.SeedKey)
			}

		case reqResolution:
			res := r.res
			raw, _ := json.Marshal(res)
			resolved := 0
			if res.Resolved {
				resolved = 1
			}
			exec(insertTrigger, res.TriggerID, res.Kind, res.PlayerID, res.EntityID, res.SeedKey, res.DimensionID,
				resolved, res.Pos[0], res.Pos[1], res.Pos[2], res.At.UTC().Format(tsLayout), string(raw))
		}
		if tx != nil && opCount >= commitEvery {
			commit()
		}
	}
}

// Bridges lists indexed bridges, most recently first seen first. Removed bridges are
// included only when withRemoved is set.
func (s *SQLiteIndex) Bridges(ctx context.Context, withRemoved bool) ([]BridgeRow, error) {
	q := `SELECT b.seed_key, b.dimension_id, b.title, b.player_id, b.first_seen, b.removed_at,
			(SELECT COUNT(*) FROM triggers t WHERE t.seed_key = b.seed_key)
		FROM bridges b`
	if !withRemoved {
		q += ` WHERE b.removed_at IS NULL`
	}
	q += ` ORDER BY b.first_seen DESC, b.seed_key`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BridgeRow
	for rows.Next() {
		var (
			row       BridgeRow
			firstSeen string
			removedAt sql.NullString
		)
		if err := rows.Scan(&row.SeedKey, &row.DimensionID, &row.Title, &row.PlayerID, &firstSeen, &removedAt, &row.Triggers); err != nil {
			return nil, err
		}
		row.FirstSeen, _ = time.Parse(tsLayout, firstSeen)
		if removedAt.Valid {
			t, _ := time.Parse(tsLayout, removedAt.String)
			row.RemovedAt = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecentTriggers returns up to limit resolutions, newest first. An empty seedKey matches all.
func (s *SQLiteIndex) RecentTriggers(ctx context.Context, seedKey string, limit int) ([]bridge.Resolution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT raw_json FROM triggers`
	args := []any{}
	if seedKey != "" {
		q += ` WHERE seed_key = ?`
		args = append(args, seedKey)
	}
	q += ` ORDER BY at DESC, trigger_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bridge.Resolution
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var res bridge.Resolution
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode trigger row: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// History returns the lifecycle events of one bridge in order.
func (s *SQLiteIndex) History(ctx context.Context, seedKey string) ([]bridge.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM bridge_events WHERE seed_key = ? ORDER BY seq`, seedKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bridge.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev bridge.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
