package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
)

const blobPrefix = "plugins/sha256/"

var (
	// ErrBlobNotFound is returned when no blob exists under a key
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidBlobKey is returned for keys that are not content addresses
	ErrInvalidBlobKey = errors.New("invalid blob key")
	// ErrDigestMismatch is returned when stored bytes do not hash to their key
	ErrDigestMismatch = errors.New("blob digest mismatch")
)

var blobKeyPattern = regexp.MustCompile(`^plugins/sha256/[0-9a-f]{2}/[0-9a-f]{62}$`)

// BlobStore holds plugin bytecode by content address
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// BlobKey returns the content address of data
func BlobKey(data []byte) string {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	return blobPrefix + digest[:2] + "/" + digest[2:]
}

// ValidateBlobKey checks that key is a content address
func ValidateBlobKey(key string) error {
	if !blobKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidBlobKey, key)
	}
	return nil
}

// DigestOf returns the hex sha256 encoded in key
func DigestOf(key string) (string, error) {
	if err := ValidateBlobKey(key); err != nil {
		return "", err
	}
	return strings.ReplaceAll(strings.TrimPrefix(key, blobPrefix), "/", ""), nil
}

// VerifyBlob checks that data hashes to key
func VerifyBlob(key string, data []byte) error {
	if BlobKey(data) != key {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, key)
	}
	return nil
}

// StoreMetrics is the instrumentation shared by the store backends
type StoreMetrics struct {
	Metrics *observability.Metrics
	OTel    *observability.OTelMetrics
}

func (m StoreMetrics) record(ctx context.Context, backend, op string, start time.Time, err error) {
	m.Metrics.RecordStorageOperation(backend, op, time.Since(start), err)
	m.OTel.RecordStorageOperation(ctx, backend, op, err)
}
