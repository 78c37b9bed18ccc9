package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/plugins"
)

const (
	defaultResolverCacheSize = 64
	defaultResolverCacheTTL  = 10 * time.Minute
)

// BlobResolver resolves blobKey sources through a BlobStore. Fetches for the
// same key are shared and verified bytecode is cached for a while.
type BlobResolver struct {
	blobs  BlobStore
	group  singleflight.Group
	cache  *expirable.LRU[string, []byte]
	logger *logrus.Logger
}

// NewBlobResolver creates a resolver. Zero size or ttl selects the defaults.
func NewBlobResolver(blobs BlobStore, size int, ttl time.Duration, logger *logrus.Logger) *BlobResolver {
	if size <= 0 {
		size = defaultResolverCacheSize
	}
	if ttl <= 0 {
		ttl = defaultResolverCacheTTL
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &BlobResolver{
		blobs:  blobs,
		cache:  expirable.NewLRU[string, []byte](size, nil, ttl),
		logger: logger,
	}
}

// Resolve implements plugins.SourceResolver
func (r *BlobResolver) Resolve(ctx context.Context, cfg *plugins.PluginConfig) ([]byte, error) {
	key := cfg.BlobKey
	name := cfg.Metadata.Name

	if err := ValidateBlobKey(key); err != nil {
		return nil, plugins.NewError(plugins.KindSource, name, "invalid blobKey", err)
	}
	if data, ok := r.cache.Get(key); ok {
		return data, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		data, err := r.blobs.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if err := VerifyBlob(key, data); err != nil {
			return nil, err
		}
		r.cache.Add(key, data)
		return data, nil
	})
	if err != nil {
		return nil, plugins.NewError(plugins.KindSource, name, fmt.Sprintf("failed to fetch blob %s", key), err)
	}
	if shared {
		r.logger.Debugf("Shared blob fetch for %s", key)
	}
	return v.([]byte), nil
}

// Register installs the resolver on set for blobKey sources
func (r *BlobResolver) Register(set *plugins.SourceSet) {
	set.Register(plugins.SourceBlob, r)
}

// Purge drops every cached blob
func (r *BlobResolver) Purge() {
	r.cache.Purge()
}
