package remote

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
	"github.com/oven-sh/macvm/pkg/macvm/cache/local"
)

// memoryStorage is an in-memory object store for tests.
type memoryStorage struct {
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (m *memoryStorage) HasObject(ctx context.Context, key string) (bool, error) {
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memoryStorage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	fc, ok := m.objects[key]
	if !ok {
		return 0, os.ErrNotExist
	}
	if err := os.WriteFile(dest, fc, 0644); err != nil {
		return 0, err
	}
	return int64(len(fc)), nil
}

func (m *memoryStorage) UploadObject(ctx context.Context, key string, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fc, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	m.objects[key] = fc
	return nil
}

func testKey() cache.Key {
	return cache.Key{BuildType: cache.BuildTypeZig, Hash: "0123456789abcdef"}
}

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	storage := newMemoryStorage()
	s3c := NewS3CacheWithStorage(storage)
	key := testKey()

	src, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, src.Store(key, []string{
		writeArtifact(t, "bun-zig.o", "zig object"),
		writeArtifact(t, "build.log", "log"),
	}))

	require.NoError(t, s3c.Upload(context.Background(), src, key))
	require.Contains(t, storage.objects, "build-results/zig-0123456789abcdef.tar.gz")

	dst, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)
	found, err := s3c.Download(context.Background(), dst, key)
	require.NoError(t, err)
	require.True(t, found)

	restored, err := dst.Retrieve(key, t.TempDir())
	require.NoError(t, err)
	require.Len(t, restored, 2)

	for _, fn := range restored {
		if filepath.Base(fn) == "bun-zig.o" {
			fc, err := os.ReadFile(fn)
			require.NoError(t, err)
			require.Equal(t, "zig object", string(fc))
		}
	}
}

func TestDownloadMiss(t *testing.T) {
	s3c := NewS3CacheWithStorage(newMemoryStorage())

	dst, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	found, err := s3c.Download(context.Background(), dst, testKey())
	require.NoError(t, err)
	require.False(t, found)
}

func TestUploadRequiresALocalEntry(t *testing.T) {
	s3c := NewS3CacheWithStorage(newMemoryStorage())

	src, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	require.Error(t, s3c.Upload(context.Background(), src, testKey()))
}
