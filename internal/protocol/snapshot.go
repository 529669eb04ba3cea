package protocol

import (
	"encoding/json"
	"math"

	"github.com/cespare/xxhash/v2"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Block is the integer cell containing v.
func (v Vec3) Block() BlockPos {
	return BlockPos{X: int(math.Floor(v.X)), Y: int(math.Floor(v.Y)), Z: int(math.Floor(v.Z))}
}

type BlockPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (p BlockPos) Add(dx, dy, dz int) BlockPos {
	return BlockPos{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz}
}

type ItemStack struct {
	TypeID string          `json:"type_id"`
	Amount int             `json:"amount,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (i *ItemStack) clone() *ItemStack {
	if i == nil {
		return nil
	}
	out := *i
	out.Data = append(json.RawMessage(nil), i.Data...)
	return &out
}

type Player struct {
	ID           string     `json:"id"`
	Name         string     `json:"name,omitempty"`
	Dimension    string     `json:"dimension,omitempty"`
	Position     Vec3       `json:"position"`
	SelectedItem *ItemStack `json:"selected_item,omitempty"`
}

type Entity struct {
	ID       string     `json:"id"`
	TypeID   string     `json:"type_id"`
	Position Vec3       `json:"position"`
	Item     *ItemStack `json:"item,omitempty"`
}

// Snapshot is the full host state at one instant. Version is assigned by the host and
// increases with every change; zero means the host does not version its feed.
type Snapshot struct {
	Version  uint64   `json:"version,omitempty"`
	Players  []Player `json:"players"`
	Entities []Entity `json:"entities"`
}

// Hash is a content hash used when the host does not version snapshots.
func (s Snapshot) Hash() uint64 {
	b, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// Clone deep-copies s so a mirrored snapshot never shares memory with the feed.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Version: s.Version}
	if s.Players != nil {
		out.Players = make([]Player, len(s.Players))
		for i, p := range s.Players {
			p.SelectedItem = p.SelectedItem.clone()
			out.Players[i] = p
		}
	}
	if s.Entities != nil {
		out.Entities = make([]Entity, len(s.Entities))
		for i, e := range s.Entities {
			e.Item = e.Item.clone()
			out.Entities[i] = e
		}
	}
	return out
}
