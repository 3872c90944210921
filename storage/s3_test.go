package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the path-style subset of the S3 API the backend uses.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Backend(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{bucket: "ledger-archive", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend, err := NewS3Backend(S3Config{
		Bucket:    "ledger-archive",
		Prefix:    "prod",
		Region:    "eu-west-1",
		Endpoint:  srv.URL,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	}, testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.NotContains(t, backend.LocationURI(), "secret")

	data := []byte(`[{"seq":1},{"seq":2}]`)
	id, err := backend.Store(ctx, data, interfaces.SegmentType)
	require.NoError(t, err)
	assert.Contains(t, fake.objects, "prod/segments/"+id.String())

	got, err := backend.Fetch(ctx, id, interfaces.SegmentType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = backend.Fetch(ctx, id, interfaces.CheckpointType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestS3Backend_ReadOnly(t *testing.T) {
	fake := &fakeS3{bucket: "public", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	backend, err := NewS3Backend(S3Config{Bucket: "public", Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)

	_, err = backend.Store(context.Background(), []byte("x"), interfaces.SegmentType)
	assert.ErrorContains(t, err, "read-only")
	assert.Empty(t, fake.objects)
}
