// Package local implements the filesystem tier of the artifact cache.
package local

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
)

const buildResultsDir = "build-results"

// FilesystemCache lays entries out as
// <root>/build-results/<buildType>-<hash>/<artifactFileName>.
type FilesystemCache struct {
	Origin string
}

// NewFilesystemCache creates the cache root if necessary.
func NewFilesystemCache(location string) (*FilesystemCache, error) {
	if err := os.MkdirAll(filepath.Join(location, buildResultsDir), 0755); err != nil {
		return nil, err
	}
	return &FilesystemCache{Origin: location}, nil
}

// Location returns the entry directory for a key. An entry directory without
// files counts as absent; a crashed store must read as a miss.
func (fsc *FilesystemCache) Location(key cache.Key) (path string, exists bool) {
	dir := filepath.Join(fsc.Origin, buildResultsDir, key.String())
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return dir, false
	}
	return dir, true
}

// Retrieve copies all artifacts of an entry into outputDir.
func (fsc *FilesystemCache) Retrieve(key cache.Key, outputDir string) ([]string, error) {
	dir, exists := fsc.Location(key)
	if !exists {
		return nil, xerrors.Errorf("no cache entry for %s", key)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var res []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dst := filepath.Join(outputDir, entry.Name())
		if err := copyFile(filepath.Join(dir, entry.Name()), dst); err != nil {
			return nil, xerrors.Errorf("cannot restore cached artifact %s: %w", entry.Name(), err)
		}
		res = append(res, dst)
	}
	log.WithFields(log.Fields{"key": key.String(), "artifacts": len(res)}).Debug("restored artifacts from local cache")
	return res, nil
}

// Store copies artifacts into the entry for key. The entry is written to a
// temporary directory and renamed into place so concurrent readers never see
// a half-written entry.
func (fsc *FilesystemCache) Store(key cache.Key, artifacts []string) error {
	dir := filepath.Join(fsc.Origin, buildResultsDir, key.String())
	tmp, err := os.MkdirTemp(filepath.Join(fsc.Origin, buildResultsDir), key.String()+".tmp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	for _, artifact := range artifacts {
		if err := copyFile(artifact, filepath.Join(tmp, filepath.Base(artifact))); err != nil {
			return xerrors.Errorf("cannot cache artifact %s: %w", artifact, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return err
	}
	log.WithFields(log.Fields{"key": key.String(), "artifacts": len(artifacts)}).Debug("stored artifacts in local cache")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
