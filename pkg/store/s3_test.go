package store

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
)

// fakeS3 serves the path-style object calls the blob store makes
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	created bool
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == f.bucket || path == f.bucket+"/" {
		switch r.Method {
		case http.MethodHead:
			if !f.created {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodPut:
			f.created = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	key := strings.TrimPrefix(path, f.bucket+"/")
	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", wasmContentType)
		w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = data
		f.puts++
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFakeS3Store(t *testing.T) (*S3BlobStore, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	fake := &fakeS3{bucket: "wasm", objects: map[string][]byte{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	s, err := NewS3BlobStore(context.Background(), S3Config{
		Bucket:       "wasm",
		Region:       "us-east-1",
		Endpoint:     server.URL,
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
		CreateBucket: true,
	}, nil, StoreMetrics{})
	require.NoError(t, err)
	return s, fake
}

func TestS3BlobStore(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3Store(t)
	assert.True(t, fake.created)

	data := []byte("\x00asm\x01\x00\x00\x00")
	key, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, BlobKey(data), key)

	_, err = s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, key))
	exists, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	assert.NoError(t, s.HealthCheck(ctx))
}

func TestS3BlobStoreRejectsBadKeys(t *testing.T) {
	s, _ := newFakeS3Store(t)
	_, err := s.Get(context.Background(), "plugins/../../x")
	assert.ErrorIs(t, err, ErrInvalidBlobKey)
	assert.ErrorIs(t, s.Delete(context.Background(), "x"), ErrInvalidBlobKey)
}

func TestS3BlobStoreAsResolverBackend(t *testing.T) {
	ctx := context.Background()
	s, _ := newFakeS3Store(t)
	key, err := s.Put(ctx, []byte("bytecode"))
	require.NoError(t, err)

	data, err := NewBlobResolver(s, 0, 0, nil).Resolve(ctx, blobConfig(key))
	require.NoError(t, err)
	assert.Equal(t, []byte("bytecode"), data)
}

func TestNewS3BlobStoreRequiresBucket(t *testing.T) {
	_, err := NewS3BlobStore(context.Background(), S3Config{Region: "us-east-1"}, nil, StoreMetrics{})
	assert.Error(t, err)
}
