package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

// countingBlobs wraps a BlobStore and counts Get calls
type countingBlobs struct {
	BlobStore
	gets  atomic.Int32
	delay time.Duration
}

func (c *countingBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	c.gets.Add(1)
	time.Sleep(c.delay)
	return c.BlobStore.Get(ctx, key)
}

func newCountingBlobs(t *testing.T, delay time.Duration) *countingBlobs {
	t.Helper()
	fs, err := NewFileBlobStore(t.TempDir(), nil, StoreMetrics{})
	require.NoError(t, err)
	return &countingBlobs{BlobStore: fs, delay: delay}
}

func blobConfig(key string) *plugins.PluginConfig {
	return &plugins.PluginConfig{
		Metadata: plugins.PluginMetadata{Name: "blob-plugin", Version: "1.0.0"},
		BlobKey:  key,
	}
}

func TestBlobResolverCaches(t *testing.T) {
	ctx := context.Background()
	blobs := newCountingBlobs(t, 0)
	key, err := blobs.Put(ctx, []byte("module"))
	require.NoError(t, err)

	r := NewBlobResolver(blobs, 0, 0, nil)
	for i := 0; i < 3; i++ {
		data, err := r.Resolve(ctx, blobConfig(key))
		require.NoError(t, err)
		assert.Equal(t, []byte("module"), data)
	}
	assert.Equal(t, int32(1), blobs.gets.Load())

	r.Purge()
	_, err = r.Resolve(ctx, blobConfig(key))
	require.NoError(t, err)
	assert.Equal(t, int32(2), blobs.gets.Load())
}

func TestBlobResolverSharesConcurrentFetches(t *testing.T) {
	ctx := context.Background()
	blobs := newCountingBlobs(t, 50*time.Millisecond)
	key, err := blobs.Put(ctx, []byte("shared"))
	require.NoError(t, err)

	r := NewBlobResolver(blobs, 0, 0, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := r.Resolve(ctx, blobConfig(key))
			assert.NoError(t, err)
			assert.Equal(t, []byte("shared"), data)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, blobs.gets.Load(), int32(2))
}

func TestBlobResolverErrors(t *testing.T) {
	ctx := context.Background()
	blobs := newCountingBlobs(t, 0)
	r := NewBlobResolver(blobs, 0, 0, nil)

	_, err := r.Resolve(ctx, blobConfig("not-a-key"))
	assert.ErrorIs(t, err, plugins.ErrSource)
	assert.ErrorIs(t, err, ErrInvalidBlobKey)

	_, err = r.Resolve(ctx, blobConfig(BlobKey([]byte("missing"))))
	assert.ErrorIs(t, err, plugins.ErrSource)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// bytes stored under the wrong address fail verification
	fs := blobs.BlobStore.(*FileBlobStore)
	key := BlobKey([]byte("expected"))
	require.NoError(t, writeRaw(fs, key, []byte("tampered")))
	_, err = r.Resolve(ctx, blobConfig(key))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestBlobResolverThroughSourceSet(t *testing.T) {
	ctx := context.Background()
	blobs := newCountingBlobs(t, 0)
	key, err := blobs.Put(ctx, []byte("via-set"))
	require.NoError(t, err)

	set := plugins.NewSourceSet(nil)
	NewBlobResolver(blobs, 0, 0, nil).Register(set)

	data, kind, err := set.Resolve(ctx, blobConfig(key))
	require.NoError(t, err)
	assert.Equal(t, plugins.SourceBlob, kind)
	assert.Equal(t, []byte("via-set"), data)
}
