package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"seedbridge.ai/internal/bridge"
)

// JSONLZstdWriter appends JSON lines to hourly zstd-compressed files.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	curPath string
	onClose func(path string)
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// OnClose registers fn to receive the path of every file the writer finishes, either on
// rotation or on Close.
func (w *JSONLZstdWriter) OnClose(fn func(path string)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.closeLocked()
	w.curHour = ""
	return err
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	w.curPath = path
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	if w.curPath != "" && w.onClose != nil {
		w.onClose(w.curPath)
	}
	w.curPath = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Entry is one journal line. Exactly one of Bridge and Trigger is set.
type Entry struct {
	Type    string             `json:"type"`
	Bridge  *bridge.Event      `json:"bridge,omitempty"`
	Trigger *bridge.Resolution `json:"trigger,omitempty"`
}

const (
	EntryBridge  = "bridge"
	EntryTrigger = "trigger"
)

// Journal writes bridge lifecycle events and trigger resolutions as compressed JSONL.
// It implements bridge.Journal; write failures are logged and swallowed.
type Journal struct {
	w   *JSONLZstdWriter
	log *zap.Logger
}

func NewJournal(dir string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		w:   NewJSONLZstdWriter(dir, "journal"),
		log: logger.Named("journal"),
	}
}

func (j *Journal) RecordBridge(ev bridge.Event) {
	j.write(Entry{Type: EntryBridge, Bridge: &ev})
}

func (j *Journal) RecordResolution(res bridge.Resolution) {
	j.write(Entry{Type: EntryTrigger, Trigger: &res})
}

func (j *Journal) write(e Entry) {
	if err := j.w.Write(e); err != nil {
		j.log.Error("write journal entry", zap.String("type", e.Type), zap.Error(err))
	}
}

// OnFileClosed hands every finished journal file to fn, e.g. an archive mirror.
func (j *Journal) OnFileClosed(fn func(path string)) { j.w.OnClose(fn) }

func (j *Journal) Close() error { return j.w.Close() }

// ReadEntries decodes every entry of one journal file.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	jd := json.NewDecoder(dec)
	for {
		var e Entry
		if err := jd.Decode(&e); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, e)
	}
}

// Multi fans journal writes out to several sinks.
type Multi []bridge.Journal

func (m Multi) RecordBridge(ev bridge.Event) {
	for _, j := range m {
		j.RecordBridge(ev)
	}
}

func (m Multi) RecordResolution(res bridge.Resolution) {
	for _, j := range m {
		j.RecordResolution(res)
	}
}
