// Package cache provides local and remote storage for compiled build
// artifacts, keyed by a content hash of the sources that produced them.
//
// Entries are immutable: a key is never overwritten with different content,
// only replaced by a new key when the sources change. Stale entries are
// invalidated implicitly because no future build computes their hash again.
// The cache never fails a build: a broken remote tier degrades to local
// storage, a broken local entry is a miss.
package cache

import "context"

// BuildType segments the cache by compilation pipeline.
type BuildType string

const (
	// BuildTypeCPP covers the native C/C++ compilation step.
	BuildTypeCPP BuildType = "cpp"
	// BuildTypeZig covers the Zig compilation step.
	BuildTypeZig BuildType = "zig"
)

// Key identifies one cache entry.
type Key struct {
	BuildType BuildType
	// Hash is the hex content hash of the relevant source file set combined
	// with the source-control revision.
	Hash string
}

func (k Key) String() string {
	return string(k.BuildType) + "-" + k.Hash
}

// LocalCache stores artifact sets on the local filesystem.
type LocalCache interface {
	// Location returns the entry directory for a key and whether it exists.
	Location(key Key) (path string, exists bool)

	// Retrieve copies the cached artifacts for key into outputDir and
	// returns their destination paths.
	Retrieve(key Key, outputDir string) ([]string, error)

	// Store copies the given artifact files into the entry for key.
	Store(key Key, artifacts []string) error
}

// RemoteCache moves artifact sets between the local cache and remote storage.
// All operations are best-effort; a miss or failure is not an error the build
// should see.
type RemoteCache interface {
	// Download fetches the entry for key into dst. Returns false on a miss.
	Download(ctx context.Context, dst LocalCache, key Key) (bool, error)

	// Upload publishes the local entry for key.
	Upload(ctx context.Context, src LocalCache, key Key) error
}

// ObjectStorage abstracts the object store backing a remote cache, so the S3
// implementation stays swappable.
type ObjectStorage interface {
	// HasObject checks if an object exists
	HasObject(ctx context.Context, key string) (bool, error)

	// GetObject downloads an object to a local file
	GetObject(ctx context.Context, key string, dest string) (int64, error)

	// UploadObject uploads a local file to remote storage
	UploadObject(ctx context.Context, key string, src string) error
}

// NoRemoteCache implements the default no-remote cache behavior.
type NoRemoteCache struct{}

// Download always misses.
func (NoRemoteCache) Download(ctx context.Context, dst LocalCache, key Key) (bool, error) {
	return false, nil
}

// Upload does nothing.
func (NoRemoteCache) Upload(ctx context.Context, src LocalCache, key Key) error {
	return nil
}
