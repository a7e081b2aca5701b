package macvm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
	"github.com/oven-sh/macvm/pkg/macvm/cache/local"
)

type countingRemote struct {
	uploads   int
	downloads int
}

func (c *countingRemote) Download(ctx context.Context, dst cache.LocalCache, key cache.Key) (bool, error) {
	c.downloads++
	return false, nil
}

func (c *countingRemote) Upload(ctx context.Context, src cache.LocalCache, key cache.Key) error {
	c.uploads++
	return nil
}

func testArtifactCache(t *testing.T) (*BuildArtifactCache, string) {
	t.Helper()
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "src"), 0755))

	localCache, err := local.NewFilesystemCache(t.TempDir())
	require.NoError(t, err)

	return &BuildArtifactCache{
		Local:  localCache,
		Remote: cache.NoRemoteCache{},
		Config: &Config{WorkspaceRoot: workspace},
	}, workspace
}

func TestKeyIsStableOverIdenticalSources(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "CMakeLists.txt"), []byte("project(bun)\n"), 0644))

	first, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)
	second, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestKeyChangesWithAnyByte(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	src := filepath.Join(workspace, "src", "main.cpp")
	require.NoError(t, os.WriteFile(src, []byte("int main() {}\n"), 0644))

	before, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src, []byte("int main() {}\n// touched\n"), 0644))
	after, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)

	require.NotEqual(t, before.Hash, after.Hash)
}

func TestKeySeparatesBuildTypes(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.zig"), []byte("pub fn main() void {}\n"), 0644))

	cpp, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)
	zig, err := ac.Key(cache.BuildTypeZig)
	require.NoError(t, err)

	require.Equal(t, "cpp-"+cpp.Hash, cpp.String())
	require.Equal(t, "zig-"+zig.Hash, zig.String())
	require.NotEqual(t, cpp.Hash, zig.Hash, "build types must not share cache entries")
}

func TestKeyIgnoresUnrelatedFiles(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))

	before, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "notes.md"), []byte("scratch\n"), 0644))
	after, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)

	require.Equal(t, before.Hash, after.Hash)
}

func TestKeyRejectsUnknownBuildType(t *testing.T) {
	ac, _ := testArtifactCache(t)
	_, err := ac.Key(cache.BuildType("rust"))
	require.Error(t, err)
}

func TestLookupAndStoreRoundTrip(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))

	key, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "build")

	_, hit, err := ac.Lookup(context.Background(), key, outputDir)
	require.NoError(t, err)
	require.False(t, hit, "empty cache must read as a miss")

	artifact := filepath.Join(t.TempDir(), "bun-cpp-objects.a")
	require.NoError(t, os.WriteFile(artifact, []byte("compiled"), 0644))
	require.NoError(t, ac.Store(context.Background(), key, []string{artifact}))

	restored, hit, err := ac.Lookup(context.Background(), key, outputDir)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []string{filepath.Join(outputDir, "bun-cpp-objects.a")}, restored)

	fc, err := os.ReadFile(restored[0])
	require.NoError(t, err)
	require.Equal(t, "compiled", string(fc))
}

func TestStoreSkipsRemoteUploadForDirtyWorkingCopies(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))

	remote := &countingRemote{}
	ac.Remote = remote

	key, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)
	artifact := filepath.Join(t.TempDir(), "bun-cpp-objects.a")
	require.NoError(t, os.WriteFile(artifact, []byte("compiled"), 0644))

	ac.Git = &GitInfo{Commit: "abc123", Dirty: true}
	require.NoError(t, ac.Store(context.Background(), key, []string{artifact}))
	require.Equal(t, 0, remote.uploads, "a dirty working copy must not publish artifacts")

	ac.Git = &GitInfo{Commit: "abc123", Dirty: false}
	require.NoError(t, ac.Store(context.Background(), key, []string{artifact}))
	require.Equal(t, 1, remote.uploads)
}

func TestPrimeOnlyFetchesMisses(t *testing.T) {
	ac, workspace := testArtifactCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.cpp"), []byte("int main() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "src", "main.zig"), []byte("pub fn main() void {}\n"), 0644))

	remote := &countingRemote{}
	ac.Remote = remote

	cppKey, err := ac.Key(cache.BuildTypeCPP)
	require.NoError(t, err)
	artifact := filepath.Join(t.TempDir(), "bun-cpp-objects.a")
	require.NoError(t, os.WriteFile(artifact, []byte("compiled"), 0644))
	require.NoError(t, ac.Local.Store(cppKey, []string{artifact}))

	require.NoError(t, ac.Prime(context.Background(), []cache.BuildType{cache.BuildTypeCPP, cache.BuildTypeZig}))
	require.Equal(t, 1, remote.downloads, "only the zig entry is missing locally")
}
