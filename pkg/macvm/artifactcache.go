package macvm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
)

// sourceSet describes which files feed the cache key of a build type.
type sourceSet struct {
	// roots are workspace-relative directories to walk.
	roots []string
	// extensions select files within the roots.
	extensions []string
	// extras are individual workspace-relative files that also key the build.
	extras []string
}

var sourceSets = map[cache.BuildType]sourceSet{
	cache.BuildTypeCPP: {
		roots:      []string{"src"},
		extensions: []string{".c", ".cc", ".cpp", ".h", ".hpp", ".S"},
		extras:     []string{"CMakeLists.txt"},
	},
	cache.BuildTypeZig: {
		roots:      []string{"src"},
		extensions: []string{".zig"},
		extras:     []string{"build.zig"},
	},
}

// BuildArtifactCache keys compiled artifacts by a content hash of their
// sources. It is independent of VM image caching: a hit skips the VM-based
// compile step entirely.
type BuildArtifactCache struct {
	Local  cache.LocalCache
	Remote cache.RemoteCache
	Config *Config
	Git    *GitInfo
}

// Key computes the cache key for a build type: sha256 over the sorted list of
// relevant source files (relative path and content) combined with the current
// revision. Any changed byte in any tracked file yields a different key, so
// entries never need explicit invalidation.
func (c *BuildArtifactCache) Key(buildType cache.BuildType) (cache.Key, error) {
	set, ok := sourceSets[buildType]
	if !ok {
		return cache.Key{}, xerrors.Errorf("unknown build type %s", buildType)
	}

	files, err := c.collectSources(set)
	if err != nil {
		return cache.Key{}, err
	}

	hash := sha256.New()
	for _, file := range files {
		rel, err := filepath.Rel(c.Config.WorkspaceRoot, file)
		if err != nil {
			return cache.Key{}, err
		}
		if _, err := io.WriteString(hash, rel); err != nil {
			return cache.Key{}, err
		}
		if _, err := hash.Write([]byte{0}); err != nil {
			return cache.Key{}, err
		}
		if err := hashFileContent(hash, file); err != nil {
			return cache.Key{}, xerrors.Errorf("cannot hash %s: %w", rel, err)
		}
	}
	if c.Git != nil {
		if _, err := io.WriteString(hash, c.Git.Commit); err != nil {
			return cache.Key{}, err
		}
	}

	key := cache.Key{BuildType: buildType, Hash: hex.EncodeToString(hash.Sum(nil))}
	log.WithFields(log.Fields{"key": key.String(), "files": len(files)}).Debug("computed artifact cache key")
	return key, nil
}

func (c *BuildArtifactCache) collectSources(set sourceSet) ([]string, error) {
	var files []string
	for _, root := range set.roots {
		base := filepath.Join(c.Config.WorkspaceRoot, root)
		if _, err := os.Stat(base); os.IsNotExist(err) {
			continue
		}
		err := godirwalk.Walk(base, &godirwalk.Options{
			Callback: func(osPathname string, de *godirwalk.Dirent) error {
				if de.IsDir() {
					return nil
				}
				for _, ext := range set.extensions {
					if strings.HasSuffix(osPathname, ext) {
						files = append(files, osPathname)
						return nil
					}
				}
				return nil
			},
			Unsorted: true,
			ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
				return godirwalk.SkipNode
			},
		})
		if err != nil {
			return nil, err
		}
	}
	for _, extra := range set.extras {
		fn := filepath.Join(c.Config.WorkspaceRoot, extra)
		if _, err := os.Stat(fn); err == nil {
			files = append(files, fn)
		}
	}

	sort.Strings(files)
	return files, nil
}

func hashFileContent(dst io.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

// Lookup restores the cached artifacts for key into outputDir. It tries the
// local tier first, then the remote tier. A hit means the caller skips
// compilation; a miss of any kind means a normal build.
func (c *BuildArtifactCache) Lookup(ctx context.Context, key cache.Key, outputDir string) ([]string, bool, error) {
	if _, exists := c.Local.Location(key); exists {
		artifacts, err := c.Local.Retrieve(key, outputDir)
		if err != nil {
			return nil, false, err
		}
		log.WithField("key", key.String()).Info("artifact cache hit (local)")
		return artifacts, true, nil
	}

	found, err := c.Remote.Download(ctx, c.Local, key)
	if err != nil {
		// remote trouble degrades to a miss, never to a failed build
		log.WithError(err).WithField("key", key.String()).Warn("cannot query remote artifact cache")
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}

	artifacts, err := c.Local.Retrieve(key, outputDir)
	if err != nil {
		return nil, false, err
	}
	log.WithField("key", key.String()).Info("artifact cache hit (remote)")
	return artifacts, true, nil
}

// Store records the artifacts of a successful compile step under key. The
// local tier is authoritative; the remote upload is best-effort and skipped
// for dirty working copies, which must not pollute the shared cache.
func (c *BuildArtifactCache) Store(ctx context.Context, key cache.Key, artifacts []string) error {
	if err := c.Local.Store(key, artifacts); err != nil {
		return xerrors.Errorf("cannot store artifacts for %s: %w", key, err)
	}

	if c.Git != nil && c.Git.Dirty {
		log.WithField("key", key.String()).Debug("dirty working copy, skipping remote artifact upload")
		return nil
	}
	if err := c.Remote.Upload(ctx, c.Local, key); err != nil {
		log.WithError(err).WithField("key", key.String()).Warn("cannot upload artifacts to remote cache")
	}
	return nil
}

// Prime warms the local cache for several build types in parallel, without
// restoring anything. Used before a build round to overlap downloads with VM
// preparation.
func (c *BuildArtifactCache) Prime(ctx context.Context, buildTypes []cache.BuildType) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, buildType := range buildTypes {
		eg.Go(func() error {
			key, err := c.Key(buildType)
			if err != nil {
				return err
			}
			if _, exists := c.Local.Location(key); exists {
				return nil
			}
			if _, err := c.Remote.Download(ctx, c.Local, key); err != nil {
				log.WithError(err).WithField("key", key.String()).Debug("cannot prime artifact cache")
			}
			return nil
		})
	}
	return eg.Wait()
}
