package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"seedbridge.ai/internal/observer"
	"seedbridge.ai/internal/protocol"
	"seedbridge.ai/internal/seedkey"
)

// Resolver turns observer triggers into dimension lookups and tells the player the outcome.
type Resolver struct {
	reg      *Registry
	commands Commands
	journal  Journal
	log      *zap.Logger
	timeout  time.Duration
}

func NewResolver(reg *Registry, commands Commands, journal Journal, logger *zap.Logger) *Resolver {
	if journal == nil {
		journal = nopJournal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		reg:      reg,
		commands: commands,
		journal:  journal,
		log:      logger.Named("resolver"),
		timeout:  5 * time.Second,
	}
}

// KeyFromDocument finds the seed key carried by doc: the first page line shaped like a key,
// else the first non-empty page line, else the title.
func KeyFromDocument(doc protocol.Document) string {
	var first string
	for _, page := range doc.Pages {
		for _, line := range strings.Split(page, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if seedkey.IsKey(line) {
				return line
			}
			if first == "" {
				first = line
			}
		}
	}
	if first != "" {
		return first
	}
	return strings.TrimSpace(doc.Title)
}

// Resolve looks up the dimension for t without side effects on the host.
func (r *Resolver) Resolve(t observer.Trigger) Resolution {
	key := KeyFromDocument(t.Document)
	res := Resolution{
		TriggerID: t.ID,
		Kind:      string(t.Kind),
		PlayerID:  t.PlayerID,
		EntityID:  t.EntityID,
		SeedKey:   key,
		Pos:       [3]int{t.Portal.X, t.Portal.Y, t.Portal.Z},
		At:        t.At,
	}
	if dimID, ok := r.reg.ResolveDimensionID(key); ok {
		res.DimensionID = dimID
		res.Resolved = true
	}
	return res
}

func (r *Resolver) HandleTrigger(t observer.Trigger) {
	res := r.Resolve(t)
	r.journal.RecordResolution(res)

	log := r.log.With(
		zap.String("trigger_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("seed_key", res.SeedKey))
	if !res.Resolved {
		log.Info("no dimension for document")
	} else {
		log.Info("trigger resolved", zap.String("dimension_id", res.DimensionID))
	}

	if r.commands == nil || t.PlayerID == "" {
		return
	}
	text := fmt.Sprintf("No dimension is bound to %q.", res.SeedKey)
	if res.Resolved {
		text = fmt.Sprintf("Portal attuned to %s (%s).", res.SeedKey, res.DimensionID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.commands.Run(ctx, noticeCommand(t.PlayerID, text)); err != nil {
		log.Warn("send resolution notice", zap.String("player_id", t.PlayerID), zap.Error(err))
	}
}
