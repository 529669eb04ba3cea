package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"seedbridge.ai/internal/bridge"
	"seedbridge.ai/internal/config"
	"seedbridge.ai/internal/observer"
	persistlog "seedbridge.ai/internal/persistence/log"
	"seedbridge.ai/internal/persistence/mirror"
	"seedbridge.ai/internal/persistence/store"
)

// hostLinks are the outbound collaborators; main wires the HTTP and websocket clients,
// tests wire fakes.
type hostLinks struct {
	Compiler bridge.Compiler
	Injector bridge.Injector
	Commands bridge.Commands
	Feed     observer.Feed
	Blocks   observer.BlockAccessor
	// Uploader overrides the S3 client of the journal mirror.
	Uploader mirror.Uploader
}

type server struct {
	cfg config.Config
	log *zap.Logger

	store    *store.Store
	index    indexHandles
	journal  *persistlog.Journal
	mirror   *mirror.Mirror
	registry *bridge.Registry
	resolver *bridge.Resolver
	observer *observer.Observer
}

func newServer(cfg config.Config, links hostLinks, logger *zap.Logger) (*server, error) {
	s := &server{cfg: cfg, log: logger}

	s.store = store.Open(store.OSFS{}, cfg.Store.Paths, logger)

	idx, err := openRuntimeIndex(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open index backend: %w", err)
	}
	s.index = idx

	var sinks persistlog.Multi
	if cfg.Journal.Dir != "" {
		s.journal = persistlog.NewJournal(cfg.Journal.Dir, logger)
		sinks = append(sinks, s.journal)
		if cfg.Mirror.Enabled {
			if err := s.openMirror(links.Uploader); err != nil {
				s.closeSinks()
				return nil, err
			}
		}
	}
	if idx.idx != nil {
		sinks = append(sinks, idx.idx)
	}

	s.registry, err = bridge.New(bridge.Options{
		Compiler:     links.Compiler,
		Injector:     links.Injector,
		Commands:     links.Commands,
		Store:        s.store,
		Journal:      sinks,
		Logger:       logger,
		DocumentItem: cfg.Observer.DocumentItem,
		Author:       cfg.Bridge.Author,
	})
	if err != nil {
		s.closeSinks()
		return nil, err
	}
	s.registry.LoadFromDurableStore()

	s.resolver = bridge.NewResolver(s.registry, links.Commands, sinks, logger)
	s.observer = observer.New(observer.Config{
		PortalBlock:        cfg.Observer.PortalBlock,
		DocumentItem:       cfg.Observer.DocumentItem,
		DroppedItemEntity:  cfg.Observer.DroppedItemEntity,
		PollInterval:       cfg.Observer.PollInterval,
		MoveThreshold:      cfg.Observer.MoveThreshold,
		CollisionDistance:  cfg.Observer.CollisionDistance,
		PlayerPortalRadius: cfg.Observer.PlayerPortalRadius,
		EntityPortalRadius: cfg.Observer.EntityPortalRadius,
	}, links.Feed, links.Blocks, s.resolver, observer.Options{Logger: logger})
	return s, nil
}

func (s *server) openMirror(up mirror.Uploader) error {
	mc := s.cfg.Mirror
	if up == nil {
		s3up, err := mirror.NewS3Uploader(context.Background(), mirror.S3Config{
			Bucket:          mc.Bucket,
			Region:          mc.Region,
			Endpoint:        mc.Endpoint,
			PathStyle:       mc.PathStyle,
			AccessKeyID:     mc.AccessKeyID,
			SecretAccessKey: mc.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("journal mirror: %w", err)
		}
		up = s3up
	}
	s.mirror = mirror.New(up, s.cfg.Journal.Dir, mc.Prefix, mirror.Options{Workers: mc.Workers, Logger: s.log})
	s.journal.OnFileClosed(s.mirror.Enqueue)
	s.log.Info("journal mirror enabled", zap.String("bucket", mc.Bucket), zap.String("prefix", mc.Prefix))
	return nil
}

func (s *server) Start() observer.Mode {
	return s.observer.Start()
}

// Close stops observing, drains pending store writes, then closes the journal sinks.
func (s *server) Close() {
	s.observer.Shutdown()
	s.registry.Close()
	s.closeSinks()
}

func (s *server) closeSinks() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.log.Warn("close journal", zap.Error(err))
		}
	}
	s.mirror.Close()
	if err := s.index.Close(); err != nil {
		s.log.Warn("close index backend", zap.Error(err))
	}
}
