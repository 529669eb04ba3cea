package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SEEDBRIDGE_FEED_WS_URL.
const EnvPrefix = "SEEDBRIDGE_"

const (
	IndexNone   = "none"
	IndexSQLite = "sqlite"
	IndexRemote = "remote"
)

type Config struct {
	Listen    string `yaml:"listen" env:"LISTEN"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	ServerID  string `yaml:"server_id" env:"SERVER_ID"`

	Store    StoreConfig    `yaml:"store" envPrefix:"STORE_"`
	Index    IndexConfig    `yaml:"index" envPrefix:"INDEX_"`
	Journal  JournalConfig  `yaml:"journal" envPrefix:"JOURNAL_"`
	Feed     FeedConfig     `yaml:"feed" envPrefix:"FEED_"`
	Host     HostConfig     `yaml:"host" envPrefix:"HOST_"`
	Observer ObserverConfig `yaml:"observer" envPrefix:"OBSERVER_"`
	Bridge   BridgeConfig   `yaml:"bridge" envPrefix:"BRIDGE_"`
	Admin    AdminConfig    `yaml:"admin" envPrefix:"ADMIN_"`
	Mirror   MirrorConfig   `yaml:"mirror" envPrefix:"MIRROR_"`
}

type StoreConfig struct {
	// Paths are tried in order; the first that exists or can be created wins.
	Paths []string `yaml:"paths" env:"PATHS" envSeparator:","`
}

type IndexConfig struct {
	Backend       string        `yaml:"backend" env:"BACKEND"`
	SQLitePath    string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Endpoint      string        `yaml:"endpoint" env:"ENDPOINT"`
	Token         string        `yaml:"token" env:"TOKEN"`
	BatchSize     int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

type JournalConfig struct {
	// Dir holds hourly journal files. Empty disables the journal.
	Dir string `yaml:"dir" env:"DIR"`
}

type FeedConfig struct {
	WSURL   string        `yaml:"ws_url" env:"WS_URL"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type HostConfig struct {
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type ObserverConfig struct {
	PortalBlock        string        `yaml:"portal_block" env:"PORTAL_BLOCK"`
	DocumentItem       string        `yaml:"document_item" env:"DOCUMENT_ITEM"`
	DroppedItemEntity  string        `yaml:"dropped_item_entity" env:"DROPPED_ITEM_ENTITY"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MoveThreshold      float64       `yaml:"move_threshold" env:"MOVE_THRESHOLD"`
	CollisionDistance  float64       `yaml:"collision_distance" env:"COLLISION_DISTANCE"`
	PlayerPortalRadius int           `yaml:"player_portal_radius" env:"PLAYER_PORTAL_RADIUS"`
	EntityPortalRadius int           `yaml:"entity_portal_radius" env:"ENTITY_PORTAL_RADIUS"`
}

type BridgeConfig struct {
	Author string `yaml:"author" env:"AUTHOR"`
}

// AdminConfig gates the loopback-only /admin/v1 and /debug/pprof endpoints.
type AdminConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Pprof   bool `yaml:"pprof" env:"PPROF"`
}

// MirrorConfig uploads finished journal files to S3-compatible object storage.
type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	PathStyle       bool   `yaml:"path_style" env:"PATH_STYLE"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

// Load reads path over the defaults, applies SEEDBRIDGE_* environment overrides, then
// normalizes and validates. An empty path uses defaults and environment only.
func Load(path string) (Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Listen:    "127.0.0.1:8090",
		LogLevel:  "info",
		LogFormat: "json",
		ServerID:  "seedbridge",
		Store: StoreConfig{
			Paths: []string{
				filepath.Join("data", "bridges"),
				filepath.Join(os.TempDir(), "seedbridge", "bridges"),
			},
		},
		Index: IndexConfig{
			Backend:       IndexSQLite,
			SQLitePath:    filepath.Join("data", "index", "seedbridge.db"),
			BatchSize:     128,
			FlushInterval: 500 * time.Millisecond,
		},
		Journal: JournalConfig{Dir: filepath.Join("data", "journal")},
		Feed: FeedConfig{
			WSURL:   "ws://127.0.0.1:25580/v1/feed",
			BaseURL: "http://127.0.0.1:25580",
			Timeout: 5 * time.Second,
		},
		Host: HostConfig{
			BaseURL: "http://127.0.0.1:25580",
			Timeout: 30 * time.Second,
		},
		Observer: ObserverConfig{
			PortalBlock:        "minecraft:nether_portal",
			DocumentItem:       "minecraft:written_book",
			DroppedItemEntity:  "minecraft:item",
			PollInterval:       100 * time.Millisecond,
			MoveThreshold:      0.1,
			CollisionDistance:  3.0,
			PlayerPortalRadius: 1,
			EntityPortalRadius: 2,
		},
		Bridge: BridgeConfig{Author: "Seed Bridge"},
		Admin:  AdminConfig{Enabled: true},
		Mirror: MirrorConfig{Workers: 2},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen = strings.TrimSpace(c.Listen)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.ServerID = strings.TrimSpace(c.ServerID)

	paths := c.Store.Paths[:0]
	for _, p := range c.Store.Paths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	c.Store.Paths = paths

	c.Index.Backend = strings.ToLower(strings.TrimSpace(c.Index.Backend))
	c.Index.SQLitePath = strings.TrimSpace(c.Index.SQLitePath)
	c.Index.Endpoint = strings.TrimSpace(c.Index.Endpoint)
	if c.Index.Backend == "" {
		switch {
		case c.Index.Endpoint != "":
			c.Index.Backend = IndexRemote
		case c.Index.SQLitePath != "":
			c.Index.Backend = IndexSQLite
		default:
			c.Index.Backend = IndexNone
		}
	}
	c.Journal.Dir = strings.TrimSpace(c.Journal.Dir)

	c.Feed.WSURL = strings.TrimSpace(c.Feed.WSURL)
	c.Feed.BaseURL = strings.TrimRight(strings.TrimSpace(c.Feed.BaseURL), "/")
	c.Host.BaseURL = strings.TrimRight(strings.TrimSpace(c.Host.BaseURL), "/")

	o := &c.Observer
	o.PortalBlock = namespaced(o.PortalBlock)
	o.DocumentItem = namespaced(o.DocumentItem)
	o.DroppedItemEntity = namespaced(o.DroppedItemEntity)
	c.Bridge.Author = strings.TrimSpace(c.Bridge.Author)

	c.Mirror.Bucket = strings.TrimSpace(c.Mirror.Bucket)
	c.Mirror.Endpoint = strings.TrimSpace(c.Mirror.Endpoint)
	c.Mirror.Prefix = strings.TrimSpace(c.Mirror.Prefix)
	if c.Mirror.Prefix == "" && c.Mirror.Enabled {
		c.Mirror.Prefix = c.ServerID
	}
}

// namespaced adds the minecraft namespace to bare ids.
func namespaced(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, ":") {
		return id
	}
	return "minecraft:" + id
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log_format: want json or console, got %q", c.LogFormat)
	}
	if len(c.Store.Paths) == 0 {
		return fmt.Errorf("store.paths: at least one candidate is required")
	}
	switch c.Index.Backend {
	case IndexNone:
	case IndexSQLite:
		if c.Index.SQLitePath == "" {
			return fmt.Errorf("index.sqlite_path is required for the sqlite backend")
		}
	case IndexRemote:
		if c.Index.Endpoint == "" {
			return fmt.Errorf("index.endpoint is required for the remote backend")
		}
		if c.ServerID == "" {
			return fmt.Errorf("server_id is required for the remote backend")
		}
	default:
		return fmt.Errorf("index.backend: unknown %q", c.Index.Backend)
	}
	if c.Feed.BaseURL == "" {
		return fmt.Errorf("feed.base_url is required")
	}
	if c.Host.BaseURL == "" {
		return fmt.Errorf("host.base_url is required")
	}
	o := c.Observer
	if o.PortalBlock == "" || o.DocumentItem == "" || o.DroppedItemEntity == "" {
		return fmt.Errorf("observer: portal_block, document_item and dropped_item_entity are required")
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("observer.poll_interval must be > 0")
	}
	if o.MoveThreshold <= 0 || o.CollisionDistance <= 0 {
		return fmt.Errorf("observer: move_threshold and collision_distance must be > 0")
	}
	if o.PlayerPortalRadius < 1 || o.EntityPortalRadius < 1 {
		return fmt.Errorf("observer: portal radii must be >= 1")
	}
	if c.Mirror.Enabled {
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required when the mirror is enabled")
		}
		if c.Journal.Dir == "" {
			return fmt.Errorf("mirror needs journal.dir")
		}
	}
	return nil
}
