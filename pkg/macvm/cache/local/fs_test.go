package local

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
)

func testKey() cache.Key {
	return cache.Key{BuildType: cache.BuildTypeCPP, Hash: "0123456789abcdef"}
}

func writeArtifact(t *testing.T, name, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestStoreAndRetrieve(t *testing.T) {
	fsc, err := NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	key := testKey()
	_, exists := fsc.Location(key)
	require.False(t, exists)

	artifacts := []string{
		writeArtifact(t, "bun-cpp-objects.a", "objects"),
		writeArtifact(t, "build.log", "log"),
	}
	require.NoError(t, fsc.Store(key, artifacts))

	dir, exists := fsc.Location(key)
	require.True(t, exists)
	require.DirExists(t, dir)

	outputDir := filepath.Join(t.TempDir(), "restore")
	restored, err := fsc.Retrieve(key, outputDir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(outputDir, "build.log"),
		filepath.Join(outputDir, "bun-cpp-objects.a"),
	}, restored)

	fc, err := os.ReadFile(filepath.Join(outputDir, "bun-cpp-objects.a"))
	require.NoError(t, err)
	require.Equal(t, "objects", string(fc))
}

func TestStoreReplacesExistingEntries(t *testing.T) {
	fsc, err := NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	key := testKey()
	require.NoError(t, fsc.Store(key, []string{writeArtifact(t, "old.a", "old")}))
	require.NoError(t, fsc.Store(key, []string{writeArtifact(t, "new.a", "new")}))

	restored, err := fsc.Retrieve(key, t.TempDir())
	require.NoError(t, err)
	require.Len(t, restored, 1)
	require.Equal(t, "new.a", filepath.Base(restored[0]))
}

func TestEmptyEntryCountsAsAbsent(t *testing.T) {
	root := t.TempDir()
	fsc, err := NewFilesystemCache(root)
	require.NoError(t, err)

	key := testKey()
	dir, _ := fsc.Location(key)
	require.NoError(t, os.MkdirAll(dir, 0755))

	_, exists := fsc.Location(key)
	require.False(t, exists, "an entry directory without files is a miss")

	_, err = fsc.Retrieve(key, t.TempDir())
	require.Error(t, err)
}
