package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelbatch.io/orchestrator/internal/config"
	"reelbatch.io/orchestrator/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	tests := []struct {
		name    string
		baseURL string
		key     string
		wantRef string
	}{
		{"file ref", "", "batches/b1/abc.m3u8", "file://" + root + "/batches/b1/abc.m3u8"},
		{"base url ref", "https://cdn.example.com/", "rows/r1/def.mp4", "https://cdn.example.com/rows/r1/def.mp4"},
		{"traversal stays under root", "", "../../escape.txt", "file://" + root + "/escape.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewLocalStore(root, tt.baseURL)
			require.NoError(t, err)

			ref, err := s.Put(ctx, tt.key, strings.NewReader("payload"), "text/plain")
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, ref)

			rc, err := s.Get(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, "payload", readAll(t, rc))
		})
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{Driver: "tape"})
	assert.Error(t, err)
}

// fakeS3 serves path-style PutObject and GetObject.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = string(body)
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = io.WriteString(w, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewS3Store(ctx, config.StorageConfig{
		Driver: "s3",
		S3: config.S3Storage{
			Bucket:          "artifacts",
			Region:          "us-east-1",
			Endpoint:        srv.URL,
			AccessKeyID:     "test",
			SecretAccessKey: "test",
			Prefix:          "/reelbatch/",
			UsePathStyle:    true,
			MaxRetries:      1,
		},
	})
	require.NoError(t, err)

	ref, err := s.Put(ctx, "batches/b1/abc.m3u8", strings.NewReader("#EXTM3U"), "application/vnd.apple.mpegurl")
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/reelbatch/batches/b1/abc.m3u8", ref)

	fake.mu.Lock()
	assert.Equal(t, "#EXTM3U", fake.objects["/artifacts/reelbatch/batches/b1/abc.m3u8"])
	assert.Equal(t, "application/vnd.apple.mpegurl", fake.types["/artifacts/reelbatch/batches/b1/abc.m3u8"])
	fake.mu.Unlock()

	rc, err := s.Get(ctx, "batches/b1/abc.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U", readAll(t, rc))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), config.StorageConfig{Driver: "s3"})
	assert.Error(t, err)
}
