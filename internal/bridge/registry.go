package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"seedbridge.ai/internal/persistence/store"
	"seedbridge.ai/internal/seedkey"
)

const (
	DefaultDocumentItem = "minecraft:written_book"
	DefaultAuthor       = "Seed Bridge"
)

var (
	ErrCompile  = errors.New("bridge: compile failed")
	ErrRegister = errors.New("bridge: register failed")
)

type Origin string

const (
	OriginCreated Origin = "created"
	// OriginStore marks records rehydrated from disk; their grid is an empty placeholder.
	OriginStore Origin = "durable_store"
)

// Record is the in-memory state of an active bridge.
type Record struct {
	SeedKey      string       `json:"seed_key"`
	DimensionID  string       `json:"dimension_id"`
	Grid         seedkey.Grid `json:"grid"`
	CreatedAt    time.Time    `json:"created_at"`
	DisplayTitle string       `json:"display_title"`
	PlayerID     string       `json:"player_id,omitempty"`
	Origin       Origin       `json:"origin"`
}

func (r *Record) copy() Record {
	out := *r
	out.Grid = r.Grid.Clone()
	return out
}

type Stats struct {
	Count  int      `json:"count"`
	Keys   []string `json:"keys"`
	Oldest *Record  `json:"oldest,omitempty"`
	Newest *Record  `json:"newest,omitempty"`
}

type Options struct {
	Compiler Compiler
	Injector Injector
	Commands Commands
	Store    Store
	Journal  Journal
	Logger   *zap.Logger
	Now      func() time.Time

	// DocumentItem is the item id of the carrier document.
	DocumentItem string
	// Author is written into every carrier document.
	Author string
}

// Registry owns active bridges and drives the compiler, injector and command channel.
// Store writes are applied in order by a single persist goroutine.
type Registry struct {
	compiler Compiler
	injector Injector
	commands Commands
	store    Store
	journal  Journal
	log      *zap.Logger
	now      func() time.Time

	documentItem string
	author       string

	mu       sync.RWMutex
	records  map[string]*Record
	inflight singleflight.Group

	persistMu     sync.RWMutex
	persistClosed bool
	persistCh     chan persistOp
	persistWG     sync.WaitGroup
	closeOnce     sync.Once
}

func New(opts Options) (*Registry, error) {
	if opts.Compiler == nil || opts.Injector == nil || opts.Store == nil {
		return nil, fmt.Errorf("bridge: compiler, injector and store are required")
	}
	r := &Registry{
		compiler:     opts.Compiler,
		injector:     opts.Injector,
		commands:     opts.Commands,
		store:        opts.Store,
		journal:      opts.Journal,
		log:          opts.Logger,
		now:          opts.Now,
		documentItem: opts.DocumentItem,
		author:       opts.Author,
		records:      map[string]*Record{},
		persistCh:    make(chan persistOp, 256),
	}
	if r.journal == nil {
		r.journal = nopJournal{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.Named("bridge")
	if r.now == nil {
		r.now = time.Now
	}
	if r.documentItem == "" {
		r.documentItem = DefaultDocumentItem
	}
	if r.author == "" {
		r.author = DefaultAuthor
	}
	r.persistWG.Add(1)
	go r.persistLoop()
	return r, nil
}

// CreateBridge registers a dimension for grid and hands playerID the carrier document.
// An already active key is returned unchanged without touching any collaborator.
func (r *Registry) CreateBridge(ctx context.Context, grid seedkey.Grid, playerID string) (string, error) {
	key := seedkey.Generate(grid)
	if rec, ok := r.active(key); ok {
		r.warnCollision(rec, grid)
		return key, nil
	}
	v, err, _ := r.inflight.Do(key, func() (any, error) {
		if _, ok := r.active(key); ok {
			return key, nil
		}
		return r.create(ctx, key, grid, playerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) create(ctx context.Context, key string, grid seedkey.Grid, playerID string) (string, error) {
	dimID := seedkey.DimensionID(key)
	log := r.log.With(zap.String("seed_key", key), zap.String("dimension_id", dimID), zap.String("player_id", playerID))

	def, err := r.compiler.Compile(ctx, grid)
	if err != nil {
		log.Error("compile dimension", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrCompile, err)
	}
	ok, err := r.injector.Inject(ctx, dimID, def, grid)
	if err == nil && !ok {
		err = errors.New("injector declined")
	}
	if err != nil {
		log.Error("register dimension", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrRegister, err)
	}

	rec := &Record{
		SeedKey:      key,
		DimensionID:  dimID,
		Grid:         grid.Clone(),
		CreatedAt:    r.now().UTC(),
		DisplayTitle: seedkey.Title(grid),
		PlayerID:     playerID,
		Origin:       OriginCreated,
	}
	r.mu.Lock()
	r.records[key] = rec
	r.mu.Unlock()
	r.journal.RecordBridge(Event{
		Kind:        EventCreated,
		SeedKey:     key,
		DimensionID: dimID,
		PlayerID:    playerID,
		Title:       rec.DisplayTitle,
		At:          rec.CreatedAt,
	})

	r.issueCarrier(ctx, rec)
	r.enqueue(persistOp{kind: persistSave, key: key, rec: persisted(rec)})
	log.Info("bridge created", zap.String("title", rec.DisplayTitle))
	return key, nil
}

func (r *Registry) active(key string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	return rec, ok
}

// warnCollision logs when a different grid hashes onto an existing key. The existing bridge wins.
func (r *Registry) warnCollision(rec *Record, grid seedkey.Grid) {
	if rec.Origin != OriginCreated || seedkey.Equal(rec.Grid, grid) {
		return
	}
	r.log.Warn("seed key collision; keeping existing bridge",
		zap.String("seed_key", rec.SeedKey),
		zap.String("existing_hash", seedkey.Hash(rec.Grid)),
		zap.String("requested_hash", seedkey.Hash(grid)))
}

func (r *Registry) issueCarrier(ctx context.Context, rec *Record) {
	if r.commands == nil || rec.PlayerID == "" {
		return
	}
	give := giveDocumentCommand(rec.PlayerID, r.documentItem, rec.DisplayTitle, r.author, carrierPages(rec.SeedKey))
	if err := r.commands.Run(ctx, give); err != nil {
		r.log.Error("issue carrier document", zap.String("seed_key", rec.SeedKey), zap.String("player_id", rec.PlayerID), zap.Error(err))
		return
	}
	notice := noticeCommand(rec.PlayerID, fmt.Sprintf("Bridge ready: %s [%s]", rec.DisplayTitle, rec.SeedKey))
	if err := r.commands.Run(ctx, notice); err != nil {
		r.log.Warn("send bridge notice", zap.String("player_id", rec.PlayerID), zap.Error(err))
	}
}

func persisted(rec *Record) store.Record {
	return store.Record{
		Name:            rec.SeedKey,
		DisplayName:     rec.DisplayTitle,
		GeneratorType:   seedkey.GeneratorType(rec.Grid),
		DefaultBlock:    seedkey.DefaultBlock(rec.Grid),
		SpecialFeatures: seedkey.Features(rec.Grid),
		CreatedAt:       rec.CreatedAt,
		DimensionID:     rec.DimensionID,
	}
}

// HasSeedKey reports whether key is active in memory or known to the durable store.
func (r *Registry) HasSeedKey(key string) bool {
	if _, ok := r.active(key); ok {
		return true
	}
	_, ok := r.store.Get(key)
	return ok
}

// ResolveDimensionID looks key up in memory, then in the durable store.
func (r *Registry) ResolveDimensionID(key string) (string, bool) {
	if rec, ok := r.active(key); ok {
		return rec.DimensionID, true
	}
	if pr, ok := r.store.Get(key); ok {
		if pr.DimensionID != "" {
			return pr.DimensionID, true
		}
		return seedkey.DimensionID(key), true
	}
	return "", false
}

func (r *Registry) GetBridgeData(key string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.copy(), true
}

// GetAllBridgeData returns every active bridge, oldest first.
func (r *Registry) GetAllBridgeData() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.copy())
	}
	r.mu.RUnlock()
	sortChronological(out)
	return out
}

func sortChronological(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].SeedKey < recs[j].SeedKey
	})
}

// RemoveBridge unregisters the dimension first; state is only dropped once the injector agrees.
func (r *Registry) RemoveBridge(ctx context.Context, key string) bool {
	dimID, ok := r.ResolveDimensionID(key)
	if !ok {
		return false
	}
	log := r.log.With(zap.String("seed_key", key), zap.String("dimension_id", dimID))
	removed, err := r.injector.Remove(ctx, dimID)
	if err == nil && !removed {
		err = errors.New("injector declined")
	}
	if err != nil {
		log.Error("unregister dimension", zap.Error(err))
		return false
	}

	if _, err := r.persistDelete(ctx, key); err != nil {
		log.Error("delete durable bridge record", zap.Error(err))
	}
	r.mu.Lock()
	delete(r.records, key)
	r.mu.Unlock()
	r.journal.RecordBridge(Event{Kind: EventRemoved, SeedKey: key, DimensionID: dimID, At: r.now().UTC()})
	log.Info("bridge removed")
	return true
}

// LoadFromDurableStore rehydrates bridges persisted by a previous run. Their grid cannot be
// recovered and is left empty.
func (r *Registry) LoadFromDurableStore() int {
	n := 0
	for _, pr := range r.store.All() {
		if pr.Name == "" {
			continue
		}
		dimID := pr.DimensionID
		if dimID == "" {
			dimID = seedkey.DimensionID(pr.Name)
		}
		r.mu.Lock()
		if _, ok := r.records[pr.Name]; ok {
			r.mu.Unlock()
			continue
		}
		r.records[pr.Name] = &Record{
			SeedKey:      pr.Name,
			DimensionID:  dimID,
			Grid:         seedkey.Grid{},
			CreatedAt:    pr.CreatedAt,
			DisplayTitle: pr.DisplayName,
			Origin:       OriginStore,
		}
		r.mu.Unlock()
		r.journal.RecordBridge(Event{Kind: EventRehydrated, SeedKey: pr.Name, DimensionID: dimID, Title: pr.DisplayName, At: r.now().UTC()})
		n++
	}
	r.log.Info("bridges rehydrated", zap.Int("count", n))
	return n
}

func (r *Registry) GetStatistics() Stats {
	recs := r.GetAllBridgeData()
	st := Stats{Count: len(recs), Keys: make([]string, 0, len(recs))}
	for _, rec := range recs {
		st.Keys = append(st.Keys, rec.SeedKey)
	}
	sort.Strings(st.Keys)
	if len(recs) > 0 {
		oldest, newest := recs[0], recs[len(recs)-1]
		st.Oldest, st.Newest = &oldest, &newest
	}
	return st
}
