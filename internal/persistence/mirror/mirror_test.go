package mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("503 slow down")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
}

func TestMirror_UploadsWithRetryAndPrefix(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "journal-2026-03-01-12.jsonl.zst")
	writeFile(t, file)

	up := &fakeUploader{failures: 2}
	m := New(up, base, "/servers/mc-1/", Options{Backoff: time.Millisecond})
	m.Enqueue(file)
	m.Close()

	assert.Equal(t, 3, up.calls)
	assert.Equal(t, []string{"servers/mc-1/journal-2026-03-01-12.jsonl.zst"}, up.keys)
	st := m.Stats()
	assert.Equal(t, uint64(1), st.EnqueuedTotal)
	assert.Equal(t, uint64(1), st.UploadSuccessTotal)
	assert.Zero(t, st.UploadFailTotal)
	assert.NotZero(t, st.LastSuccessUnix)
}

func TestMirror_GivesUpAfterMaxAttempts(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "a.zst")
	writeFile(t, file)

	core, logs := observer.New(zap.ErrorLevel)
	up := &fakeUploader{failures: 10}
	m := New(up, base, "", Options{MaxAttempts: 2, Backoff: time.Millisecond, Logger: zap.New(core)})
	m.Enqueue(file)
	m.Close()

	assert.Equal(t, 2, up.calls)
	assert.Equal(t, uint64(1), m.Stats().UploadFailTotal)
	assert.Equal(t, 1, logs.FilterMessage("mirror upload failed").Len())
}

func TestMirror_SkipsFilesOutsideBase(t *testing.T) {
	base := t.TempDir()
	outside := filepath.Join(t.TempDir(), "x.zst")
	writeFile(t, outside)

	up := &fakeUploader{}
	m := New(up, base, "", Options{})
	m.Enqueue(outside)
	m.Enqueue(filepath.Join(base, "missing.zst"))
	m.Close()

	assert.Zero(t, up.calls)
	assert.Equal(t, uint64(2), m.Stats().EnqueuedTotal)
}

type blockingUploader struct{ release chan struct{} }

func (b *blockingUploader) PutFile(context.Context, string, string) error {
	<-b.release
	return nil
}

func TestMirror_DropsWhenSaturated(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "a.zst")
	writeFile(t, file)

	up := &blockingUploader{release: make(chan struct{})}
	m := New(up, base, "", Options{QueueCapacity: 1, EnqueueWait: time.Millisecond})
	// one in flight, one queued, the rest overflow
	for i := 0; i < 5; i++ {
		m.Enqueue(file)
	}
	close(up.release)
	m.Close()

	st := m.Stats()
	assert.Equal(t, uint64(5), st.EnqueuedTotal)
	assert.GreaterOrEqual(t, st.DroppedTotal, uint64(2))
	assert.Equal(t, st.EnqueuedTotal-st.DroppedTotal, st.UploadSuccessTotal)
}

func TestMirror_NilIsSafe(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	assert.Equal(t, Stats{}, m.Stats())
}

type recordingTransport struct {
	mu     sync.Mutex
	method string
	path   string
	body   []byte
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.method = req.Method
	rt.path = req.URL.Path
	if req.Body != nil {
		rt.body, _ = io.ReadAll(req.Body)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": []string{`"abc"`}},
		Body:       io.NopCloser(bytes.NewReader(nil)),
		Request:    req,
	}, nil
}

func TestS3Uploader_PutFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "journal.jsonl.zst")
	writeFile(t, file)

	rt := &recordingTransport{}
	up, err := NewS3Uploader(context.Background(), S3Config{
		Bucket:          "archive",
		Region:          "us-east-1",
		Endpoint:        "https://s3.test.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: rt},
	})
	require.NoError(t, err)
	require.NoError(t, up.PutFile(context.Background(), "servers/mc-1/journal.jsonl.zst", file))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, http.MethodPut, rt.method)
	assert.Equal(t, "/archive/servers/mc-1/journal.jsonl.zst", rt.path)
	assert.Contains(t, string(rt.body), "data")
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(context.Background(), S3Config{})
	require.Error(t, err)
}
