package bridge

import (
	"context"
	"encoding/json"
	"time"

	"seedbridge.ai/internal/persistence/store"
	"seedbridge.ai/internal/seedkey"
)

// Definition is the compiled dimension document produced by the host compiler.
type Definition = json.RawMessage

// Compiler turns a grid into a dimension definition.
type Compiler interface {
	Compile(ctx context.Context, grid seedkey.Grid) (Definition, error)
}

// Injector installs and removes dimensions in the running host.
type Injector interface {
	Inject(ctx context.Context, dimensionID string, def Definition, grid seedkey.Grid) (bool, error)
	Remove(ctx context.Context, dimensionID string) (bool, error)
}

// Commands executes a host console command.
type Commands interface {
	Run(ctx context.Context, command string) error
}

// Store is the durable key -> record cache.
type Store interface {
	Save(key string, rec store.Record) error
	Get(key string) (store.Record, bool)
	Delete(key string) (bool, error)
	All() []store.Record
}

type EventKind string

const (
	EventCreated       EventKind = "created"
	EventRemoved       EventKind = "removed"
	EventPersistFailed EventKind = "persist_failed"
	EventRehydrated    EventKind = "rehydrated"
)

// Event is one bridge lifecycle transition.
type Event struct {
	Kind        EventKind `json:"kind"`
	SeedKey     string    `json:"seed_key"`
	DimensionID string    `json:"dimension_id"`
	PlayerID    string    `json:"player_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	At          time.Time `json:"at"`
}

// Resolution is the outcome of resolving a portal trigger to a dimension.
type Resolution struct {
	TriggerID   string    `json:"trigger_id"`
	Kind        string    `json:"kind"`
	PlayerID    string    `json:"player_id,omitempty"`
	EntityID    string    `json:"entity_id,omitempty"`
	SeedKey     string    `json:"seed_key,omitempty"`
	DimensionID string    `json:"dimension_id,omitempty"`
	Resolved    bool      `json:"resolved"`
	Pos         [3]int    `json:"pos"`
	At          time.Time `json:"at"`
}

// Journal receives lifecycle events and trigger resolutions. Implementations must not block.
type Journal interface {
	RecordBridge(ev Event)
	RecordResolution(res Resolution)
}

type nopJournal struct{}

func (nopJournal) RecordBridge(Event)         {}
func (nopJournal) RecordResolution(Resolution) {}
