package observer

import (
	"sort"

	"go.uber.org/zap"

	"seedbridge.ai/internal/protocol"
)

// pass is one processing run over a freshly mirrored snapshot. It owns private copies of the
// tracking maps and runs under the observer's pass lock only.
type pass struct {
	o         *Observer
	state     protocol.Snapshot
	positions map[string]protocol.Vec3
	monitored map[string]protocol.Entity
	held      map[string]protocol.Document
	debounced uint64
	triggers  []Trigger
}

func (p *pass) raise(t Trigger) {
	t.ID = p.o.newID()
	t.At = p.o.now().UTC()
	p.triggers = append(p.triggers, t)
}

// scanPlayers debounces movement, then checks the cells around each moved player for a portal
// and every monitored document for a portal collision.
func (p *pass) scanPlayers() {
	o := p.o
	present := make(map[string]struct{}, len(p.state.Players))
	for _, pl := range p.state.Players {
		present[pl.ID] = struct{}{}
		last, tracked := p.positions[pl.ID]
		if tracked && last.Distance(pl.Position) < o.cfg.MoveThreshold {
			p.debounced++
			continue
		}
		p.positions[pl.ID] = pl.Position

		if portal, ok := p.portalNear(pl.Position.Block(), o.cfg.PlayerPortalRadius); ok {
			if item := pl.SelectedItem; p.isDocument(item) {
				p.raise(Trigger{
					Kind:       KindDimensionGeneration,
					PlayerID:   pl.ID,
					PlayerName: pl.Name,
					Position:   pl.Position,
					Portal:     portal,
					Document:   protocol.ExtractDocument(item.Data),
				})
			}
		}

		for _, id := range sortedKeys(p.monitored) {
			e := p.monitored[id]
			if e.Position.Distance(pl.Position) >= o.cfg.CollisionDistance {
				continue
			}
			portal, ok := p.portalNear(e.Position.Block(), o.cfg.EntityPortalRadius)
			if !ok {
				continue
			}
			p.raise(Trigger{
				Kind:       KindCollision,
				PlayerID:   pl.ID,
				PlayerName: pl.Name,
				EntityID:   e.ID,
				Position:   e.Position,
				Portal:     portal,
				Document:   protocol.ExtractDocument(itemData(e.Item)),
			})
		}
	}
	for id := range p.positions {
		if _, ok := present[id]; !ok {
			delete(p.positions, id)
		}
	}
}

// scanEntities tracks newly spawned dropped documents and forgets entities that are gone.
func (p *pass) scanEntities() {
	o := p.o
	present := make(map[string]struct{}, len(p.state.Entities))
	for _, e := range p.state.Entities {
		present[e.ID] = struct{}{}
		if _, tracked := p.monitored[e.ID]; tracked {
			p.monitored[e.ID] = e
			continue
		}
		if e.TypeID != o.cfg.DroppedItemEntity || !p.isDocument(e.Item) {
			continue
		}
		p.monitored[e.ID] = e
		o.log.Debug("tracking dropped document", zap.String("entity_id", e.ID))
		if portal, ok := p.portalNear(e.Position.Block(), o.cfg.EntityPortalRadius); ok {
			p.raise(Trigger{
				Kind:     KindEntityPortal,
				EntityID: e.ID,
				Position: e.Position,
				Portal:   portal,
				Document: protocol.ExtractDocument(itemData(e.Item)),
			})
		}
	}
	for id := range p.monitored {
		if _, ok := present[id]; !ok {
			delete(p.monitored, id)
			o.log.Debug("dropped document gone", zap.String("entity_id", id))
		}
	}
}

// scanInventories surfaces the documents players hold. It never raises triggers.
func (p *pass) scanInventories() {
	o := p.o
	held := make(map[string]protocol.Document, len(p.held))
	for _, pl := range p.state.Players {
		if !p.isDocument(pl.SelectedItem) {
			continue
		}
		doc := protocol.ExtractDocument(pl.SelectedItem.Data)
		if prev, ok := p.held[pl.ID]; !ok || !sameDocument(prev, doc) {
			o.log.Debug("player holds document",
				zap.String("player_id", pl.ID),
				zap.String("title", doc.Title),
				zap.String("author", doc.Author),
				zap.Int("pages", len(doc.Pages)))
		}
		held[pl.ID] = doc
	}
	p.held = held
}

// scanDimensionChanges is reserved for reacting to players switching dimension.
func (p *pass) scanDimensionChanges() {}

func (p *pass) isDocument(item *protocol.ItemStack) bool {
	return item != nil && item.TypeID == p.o.cfg.DocumentItem
}

// portalNear searches the cube of half-size r around center.
func (p *pass) portalNear(center protocol.BlockPos, r int) (protocol.BlockPos, bool) {
	for dx := -r; dx <= r; dx++ {
		for dy := -r; dy <= r; dy++ {
			for dz := -r; dz <= r; dz++ {
				pos := center.Add(dx, dy, dz)
				if p.isPortal(pos) {
					return pos, true
				}
			}
		}
	}
	return protocol.BlockPos{}, false
}

// isPortal treats any block query failure as "not a portal".
func (p *pass) isPortal(pos protocol.BlockPos) bool {
	if p.o.blocks == nil {
		return false
	}
	id, err := p.o.blocks.GetBlock(pos.X, pos.Y, pos.Z)
	if err != nil {
		return false
	}
	return id == p.o.cfg.PortalBlock
}

func itemData(item *protocol.ItemStack) []byte {
	if item == nil {
		return nil
	}
	return item.Data
}

func sameDocument(a, b protocol.Document) bool {
	if a.Title != b.Title || a.Author != b.Author || a.Resolved != b.Resolved || len(a.Pages) != len(b.Pages) {
		return false
	}
	for i := range a.Pages {
		if a.Pages[i] != b.Pages[i] {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
