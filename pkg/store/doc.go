// Package store persists webhook state outside the process.
//
// RedisRegistryStore keeps the registered plugin configs so every webhook
// replica restores the same set at startup. BlobStore implementations hold
// plugin bytecode by content address:
//
//	plugins/sha256/ab/cdef0123...
//
// S3BlobStore is meant for multi-replica deployments and FileBlobStore for a
// single replica with a persistent volume. BlobResolver plugs a BlobStore into
// plugins.SourceSet for configs that carry a blobKey.
//
// RedisStatusPatcher receives the node status updates produced by database
// trigger plugins.
package store
