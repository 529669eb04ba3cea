package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seedbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := load(filepath.Join("..", "..", "configs", "seedbridge.yaml"), map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, IndexSQLite, cfg.Index.Backend)
	assert.Equal(t, "minecraft:nether_portal", cfg.Observer.PortalBlock)
	assert.Equal(t, 100*time.Millisecond, cfg.Observer.PollInterval)
	assert.Len(t, cfg.Store.Paths, 2)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := load("", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, Defaults().Listen, cfg.Listen)
	assert.Equal(t, 3.0, cfg.Observer.CollisionDistance)
	assert.Equal(t, 2, cfg.Observer.EntityPortalRadius)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeYAML(t, `
listen: " 0.0.0.0:9000 "
log_level: DEBUG
observer:
  portal_block: end_portal
  move_threshold: 0.5
feed:
  base_url: http://host:1/
`)
	cfg, err := load(path, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "minecraft:end_portal", cfg.Observer.PortalBlock)
	assert.Equal(t, 0.5, cfg.Observer.MoveThreshold)
	assert.Equal(t, "http://host:1", cfg.Feed.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(t, "minecraft:written_book", cfg.Observer.DocumentItem)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "index:\n  backend: sqlite\n")
	cfg, err := load(path, map[string]string{
		"SEEDBRIDGE_INDEX_BACKEND":          "remote",
		"SEEDBRIDGE_INDEX_ENDPOINT":         "https://index.example/ingest",
		"SEEDBRIDGE_STORE_PATHS":            "/a, ,/b",
		"SEEDBRIDGE_OBSERVER_POLL_INTERVAL": "250ms",
		"SEEDBRIDGE_SERVER_ID":              "mc-7",
		"SEEDBRIDGE_ADMIN_ENABLED":          "false",
	})
	require.NoError(t, err)
	assert.Equal(t, IndexRemote, cfg.Index.Backend)
	assert.Equal(t, "https://index.example/ingest", cfg.Index.Endpoint)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Store.Paths)
	assert.Equal(t, 250*time.Millisecond, cfg.Observer.PollInterval)
	assert.Equal(t, "mc-7", cfg.ServerID)
	assert.False(t, cfg.Admin.Enabled)
}

func TestLoad_BackendInferred(t *testing.T) {
	path := writeYAML(t, "index:\n  backend: \"\"\n  sqlite_path: \"\"\n")
	cfg, err := load(path, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, IndexNone, cfg.Index.Backend)

	cfg, err = load(path, map[string]string{"SEEDBRIDGE_INDEX_ENDPOINT": "http://x"})
	require.NoError(t, err)
	assert.Equal(t, IndexRemote, cfg.Index.Backend)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"log level":    "log_level: loud\n",
		"log format":   "log_format: xml\n",
		"backend":      "index:\n  backend: postgres\n",
		"remote":       "index:\n  backend: remote\n",
		"poll":         "observer:\n  poll_interval: 0s\n",
		"radius":       "observer:\n  player_portal_radius: 0\n",
		"no paths":     "store:\n  paths: []\n",
		"bad yaml":     "listen: [\n",
		"no host base": "host:\n  base_url: \"\"\n",
		"mirror":       "mirror:\n  enabled: true\n",
		"mirror dir":   "mirror:\n  enabled: true\n  bucket: b\njournal:\n  dir: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := load(writeYAML(t, body), map[string]string{})
			require.Error(t, err)
		})
	}
}

func TestLoad_MirrorPrefixDefaultsToServerID(t *testing.T) {
	cfg, err := load("", map[string]string{
		"SEEDBRIDGE_MIRROR_ENABLED": "true",
		"SEEDBRIDGE_MIRROR_BUCKET":  "journals",
		"SEEDBRIDGE_SERVER_ID":      "mc-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "mc-7", cfg.Mirror.Prefix)
	assert.Equal(t, 2, cfg.Mirror.Workers)
}

func TestLoad_BadEnvValue(t *testing.T) {
	_, err := load("", map[string]string{"SEEDBRIDGE_OBSERVER_MOVE_THRESHOLD": "far"})
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.yaml"), map[string]string{})
	require.Error(t, err)
}
