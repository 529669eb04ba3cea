package observer

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seedbridge.ai/internal/protocol"
)

// Feed is the host's world-state source.
type Feed interface {
	// Subscribe pushes full snapshots to cb until the returned func is called.
	// Callbacks are delivered serially.
	Subscribe(selector string, cb func(protocol.Snapshot)) (func(), error)
	Get(selector string) (protocol.Snapshot, error)
}

// BlockAccessor answers point queries against the world.
type BlockAccessor interface {
	GetBlock(x, y, z int) (string, error)
}

// Scheduler runs fn every d until stop is called.
type Scheduler interface {
	Every(d time.Duration, fn func()) (stop func())
}

// Handler consumes triggers. It is called after a pass completes, outside the observer lock.
type Handler interface {
	HandleTrigger(t Trigger)
}

type HandlerFunc func(Trigger)

func (f HandlerFunc) HandleTrigger(t Trigger) { f(t) }

type TriggerKind string

const (
	// KindDimensionGeneration: a player holding a written document stands next to a portal.
	KindDimensionGeneration TriggerKind = "dimension_generation"
	// KindCollision: a player is close to a dropped document that lies next to a portal.
	KindCollision TriggerKind = "collision"
	// KindEntityPortal: a dropped document spawned next to a portal.
	KindEntityPortal TriggerKind = "entity_portal"
)

type Trigger struct {
	ID         string            `json:"id"`
	Kind       TriggerKind       `json:"kind"`
	PlayerID   string            `json:"player_id,omitempty"`
	PlayerName string            `json:"player_name,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Position   protocol.Vec3     `json:"position"`
	Portal     protocol.BlockPos `json:"portal"`
	Document   protocol.Document `json:"document"`
	At         time.Time         `json:"at"`
}

type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePush    Mode = "push"
	ModePolling Mode = "polling"
	ModeStopped Mode = "stopped"
)

type Config struct {
	PortalBlock       string
	DocumentItem      string
	DroppedItemEntity string

	PollInterval      time.Duration
	MoveThreshold     float64
	CollisionDistance float64
	// PlayerPortalRadius is the cube half-size searched around a player (1 -> 27 cells).
	PlayerPortalRadius int
	// EntityPortalRadius is the cube half-size searched around a dropped document (2 -> 5x5x5).
	EntityPortalRadius int
}

func DefaultConfig() Config {
	return Config{
		PortalBlock:        "minecraft:nether_portal",
		DocumentItem:       "minecraft:written_book",
		DroppedItemEntity:  "minecraft:item",
		PollInterval:       100 * time.Millisecond,
		MoveThreshold:      0.1,
		CollisionDistance:  3.0,
		PlayerPortalRadius: 1,
		EntityPortalRadius: 2,
	}
}

type Options struct {
	Logger    *zap.Logger
	Scheduler Scheduler
	Now       func() time.Time
	NewID     func() string
}

type Stats struct {
	Mode              Mode   `json:"mode"`
	Passes            uint64 `json:"passes"`
	Triggers          uint64 `json:"triggers"`
	Debounced         uint64 `json:"debounced"`
	SkippedPolls      uint64 `json:"skipped_polls"`
	PollErrors        uint64 `json:"poll_errors"`
	TrackedPlayers    int    `json:"tracked_players"`
	MonitoredEntities int    `json:"monitored_entities"`
	HeldDocuments     int    `json:"held_documents"`
	LastVersion       uint64 `json:"last_version"`
}

// Observer mirrors host state and raises portal triggers. Passes run one at a time: either
// inside the push callback or on the polling tick.
type Observer struct {
	cfg     Config
	feed    Feed
	blocks  BlockAccessor
	handler Handler
	sched   Scheduler
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	passMu sync.Mutex // serializes passes

	mu        sync.RWMutex
	state     protocol.Snapshot
	positions map[string]protocol.Vec3
	monitored map[string]protocol.Entity
	held      map[string]protocol.Document
	mode      Mode
	stats     Stats

	lastVersion uint64
	lastHash    uint64
	seen        bool

	unsubscribe func()
	stopPoll    func()
}

func New(cfg Config, feed Feed, blocks BlockAccessor, handler Handler, opts Options) *Observer {
	def := DefaultConfig()
	if cfg.PortalBlock == "" {
		cfg.PortalBlock = def.PortalBlock
	}
	if cfg.DocumentItem == "" {
		cfg.DocumentItem = def.DocumentItem
	}
	if cfg.DroppedItemEntity == "" {
		cfg.DroppedItemEntity = def.DroppedItemEntity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MoveThreshold <= 0 {
		cfg.MoveThreshold = def.MoveThreshold
	}
	if cfg.CollisionDistance <= 0 {
		cfg.CollisionDistance = def.CollisionDistance
	}
	if cfg.PlayerPortalRadius <= 0 {
		cfg.PlayerPortalRadius = def.PlayerPortalRadius
	}
	if cfg.EntityPortalRadius <= 0 {
		cfg.EntityPortalRadius = def.EntityPortalRadius
	}
	o := &Observer{
		cfg:       cfg,
		feed:      feed,
		blocks:    blocks,
		handler:   handler,
		sched:     opts.Scheduler,
		log:       opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		positions: map[string]protocol.Vec3{},
		monitored: map[string]protocol.Entity{},
		held:      map[string]protocol.Document{},
		mode:      ModeIdle,
	}
	if o.sched == nil {
		o.sched = TickerScheduler{}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("observer")
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.handler == nil {
		o.handler = HandlerFunc(func(Trigger) {})
	}
	return o
}

// Start subscribes to the push feed, or falls back to polling when the subscription fails.
func (o *Observer) Start() Mode {
	unsub, err := o.feed.Subscribe(protocol.SelectorAll, o.ProcessSnapshot)
	if err == nil {
		o.mu.Lock()
		o.unsubscribe = unsub
		o.mode = ModePush
		o.mu.Unlock()
		o.log.Info("observing push feed")
		return ModePush
	}
	o.log.Warn("push subscription failed; polling instead",
		zap.Error(err), zap.Duration("interval", o.cfg.PollInterval))
	stop := o.sched.Every(o.cfg.PollInterval, o.poll)
	o.mu.Lock()
	o.stopPoll = stop
	o.mode = ModePolling
	o.mu.Unlock()
	return ModePolling
}

// poll fetches the full state and processes it only when it changed since the last pass.
func (o *Observer) poll() {
	snap, err := o.feed.Get(protocol.SelectorAll)
	if err != nil {
		o.mu.Lock()
		o.stats.PollErrors++
		o.mu.Unlock()
		o.log.Debug("poll state", zap.Error(err))
		return
	}
	if o.unchanged(snap) {
		o.mu.Lock()
		o.stats.SkippedPolls++
		o.mu.Unlock()
		return
	}
	o.ProcessSnapshot(snap)
}

func (o *Observer) unchanged(snap protocol.Snapshot) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.seen {
		return false
	}
	if snap.Version != 0 {
		return snap.Version == o.lastVersion
	}
	return snap.Hash() == o.lastHash
}

// ProcessSnapshot replaces the mirrored state with snap and runs one pass over it.
// Block queries run outside the state lock; tracking is published once the pass is done.
func (o *Observer) ProcessSnapshot(snap protocol.Snapshot) {
	o.passMu.Lock()
	defer o.passMu.Unlock()

	snap = snap.Clone()
	o.mu.Lock()
	o.state = snap
	o.lastVersion = snap.Version
	if snap.Version == 0 {
		o.lastHash = snap.Hash()
	}
	o.seen = true
	p := &pass{
		o:         o,
		state:     snap,
		positions: maps.Clone(o.positions),
		monitored: maps.Clone(o.monitored),
		held:      o.held,
	}
	o.mu.Unlock()

	p.scanPlayers()
	p.scanEntities()
	p.scanInventories()
	p.scanDimensionChanges()

	o.mu.Lock()
	o.positions = p.positions
	o.monitored = p.monitored
	o.held = p.held
	o.stats.Passes++
	o.stats.Debounced += p.debounced
	o.stats.Triggers += uint64(len(p.triggers))
	o.mu.Unlock()

	for _, t := range p.triggers {
		o.log.Info("trigger raised",
			zap.String("trigger_id", t.ID),
			zap.String("kind", string(t.Kind)),
			zap.String("player_id", t.PlayerID),
			zap.String("entity_id", t.EntityID),
			zap.String("title", t.Document.Title))
		o.handler.HandleTrigger(t)
	}
}

// GetServerState returns a copy of the mirrored snapshot.
func (o *Observer) GetServerState() protocol.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Clone()
}

// GetMonitoredEntities returns the tracked dropped documents ordered by id.
func (o *Observer) GetMonitoredEntities() []protocol.Entity {
	o.mu.RLock()
	out := make([]protocol.Entity, 0, len(o.monitored))
	for _, e := range o.monitored {
		out = append(out, e)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HeldDocuments returns the documents players currently hold, keyed by player id.
func (o *Observer) HeldDocuments() map[string]protocol.Document {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]protocol.Document, len(o.held))
	for k, v := range o.held {
		out[k] = v
	}
	return out
}

func (o *Observer) GetMonitoringStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st := o.stats
	st.Mode = o.mode
	st.TrackedPlayers = len(o.positions)
	st.MonitoredEntities = len(o.monitored)
	st.HeldDocuments = len(o.held)
	st.LastVersion = o.lastVersion
	return st
}

// Shutdown stops the feed or polling timer and forgets all transient tracking.
func (o *Observer) Shutdown() {
	o.mu.Lock()
	unsub, stop := o.unsubscribe, o.stopPoll
	o.unsubscribe, o.stopPoll = nil, nil
	o.mode = ModeStopped
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stop != nil {
		stop()
	}

	o.passMu.Lock()
	defer o.passMu.Unlock()
	o.mu.Lock()
	o.positions = map[string]protocol.Vec3{}
	o.monitored = map[string]protocol.Entity{}
	o.held = map[string]protocol.Document{}
	o.mu.Unlock()
	o.log.Info("observer stopped")
}
