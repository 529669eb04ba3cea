package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"seedbridge.ai/internal/seedkey"
)

const (
	filePrefix = "bridge_"
	fileSuffix = ".json"
)

var ErrEmptyKey = errors.New("store: empty key")

// Record is the on-disk projection of a bridge. The grid itself is not kept.
type Record struct {
	Name            string    `json:"name"`
	DisplayName     string    `json:"displayName"`
	GeneratorType   string    `json:"generatorType"`
	DefaultBlock    string    `json:"defaultBlock"`
	SpecialFeatures []string  `json:"specialFeatures"`
	CreatedAt       time.Time `json:"createdAt"`
	DimensionID     string    `json:"dimensionId"`
}

// Store is a directory of one JSON file per seed key, mirrored in memory.
//
// The base directory is the first candidate that exists or can be created. When none
// can, the store keeps working from memory only and nothing survives a restart.
type Store struct {
	fs  FS
	log *zap.Logger

	mu      sync.RWMutex
	dir     string
	records map[string]Record
	// paths holds the file each loaded key was read from, which may predate fileName.
	paths map[string]string
}

func Open(fsys FS, candidates []string, logger *zap.Logger) *Store {
	if fsys == nil {
		fsys = OSFS{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		fs:      fsys,
		log:     logger.Named("store"),
		records: map[string]Record{},
		paths:   map[string]string{},
	}
	s.dir = s.resolveDir(candidates)
	if s.dir == "" {
		s.log.Warn("no writable store directory; bridges will not survive a restart",
			zap.Strings("candidates", candidates))
		return s
	}
	s.log.Info("store directory resolved", zap.String("dir", s.dir))
	_, _ = s.Reload()
	return s
}

func (s *Store) resolveDir(candidates []string) string {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if s.fs.Exists(c) {
			return c
		}
		if err := s.fs.MkdirAll(c); err != nil {
			s.log.Debug("store candidate unusable", zap.String("dir", c), zap.Error(err))
			continue
		}
		return c
	}
	return ""
}

// Dir is the resolved base directory, empty in memory-only mode.
func (s *Store) Dir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

func (s *Store) Persistent() bool {
	return s.Dir() != ""
}

// fileName hex-encodes key so distinct keys never share a file, even when their
// dimension ids coincide.
func fileName(key string) string {
	return filePrefix + hex.EncodeToString([]byte(key)) + fileSuffix
}

// Save writes rec as pretty-printed JSON, replacing any previous file for key.
func (s *Store) Save(key string, rec Record) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	rec.Name = key
	rec.SpecialFeatures = append([]string{}, rec.SpecialFeatures...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		path := filepath.Join(s.dir, fileName(key))
		if err := s.fs.WriteFile(path, append(b, '\n')); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if old, ok := s.paths[key]; ok && old != path {
			if err := s.fs.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("remove superseded bridge record", zap.String("path", old), zap.Error(err))
			}
		}
		s.paths[key] = path
	}
	s.records[key] = rec
	return nil
}

func (s *Store) Get(key string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns the stored seed keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// All returns every stored record ordered by key.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes the file and the mirrored record. It reports whether either existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.records[key]
	if s.dir != "" {
		paths := []string{filepath.Join(s.dir, fileName(key))}
		if old, ok := s.paths[key]; ok && old != paths[0] {
			paths = append(paths, old)
		}
		for _, path := range paths {
			if !s.fs.Exists(path) {
				continue
			}
			existed = true
			if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return existed, fmt.Errorf("remove %s: %w", path, err)
			}
		}
	}
	delete(s.records, key)
	delete(s.paths, key)
	return existed, nil
}

// Reload clears the mirror and rescans the directory. Unreadable or malformed files are
// logged and skipped; the returned count is the number of records loaded.
func (s *Store) Reload() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = map[string]Record{}
	s.paths = map[string]string{}
	if s.dir == "" {
		return 0, nil
	}
	names, err := s.fs.ReadDir(s.dir)
	if err != nil {
		s.log.Error("scan store directory", zap.String("dir", s.dir), zap.Error(err))
		return 0, fmt.Errorf("scan %s: %w", s.dir, err)
	}
	loaded := 0
	for _, name := range names {
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		path := filepath.Join(s.dir, name)
		rec, err := s.readRecord(path)
		if err != nil {
			s.log.Error("skip corrupt bridge record", zap.String("path", path), zap.Error(err))
			continue
		}
		if prev, dup := s.paths[rec.Name]; dup {
			// a legacy file and a current one carry the same key; keep the current one
			stale := path
			if name == fileName(rec.Name) {
				stale = prev
				s.records[rec.Name] = rec
				s.paths[rec.Name] = path
			}
			if err := s.fs.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Warn("remove superseded bridge record", zap.String("path", stale), zap.Error(err))
			}
			continue
		}
		s.records[rec.Name] = rec
		s.paths[rec.Name] = path
		loaded++
	}
	return loaded, nil
}

func (s *Store) readRecord(path string) (Record, error) {
	b, err := s.fs.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, err
	}
	if strings.TrimSpace(rec.Name) == "" {
		return Record{}, fmt.Errorf("missing name")
	}
	if rec.DimensionID == "" {
		rec.DimensionID = seedkey.DimensionID(rec.Name)
	}
	if rec.SpecialFeatures == nil {
		rec.SpecialFeatures = []string{}
	}
	return rec, nil
}
