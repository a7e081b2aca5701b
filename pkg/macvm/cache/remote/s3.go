// Package remote implements the S3 tier of the artifact cache.
package remote

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/oven-sh/macvm/pkg/macvm/cache"
)

const (
	// defaultRateLimit bounds S3 API calls per second
	defaultRateLimit = 50
	// defaultBurstLimit is the rate limiter burst allowance
	defaultBurstLimit = 100

	objectPrefix = "build-results/"
)

// S3Cache implements cache.RemoteCache on top of an object store. Entries are
// transferred as gzip tarballs of the local entry directory under the key
// build-results/<buildType>-<hash>.tar.gz.
type S3Cache struct {
	storage     cache.ObjectStorage
	rateLimiter *rate.Limiter
}

// NewS3Cache connects to the bucket using ambient AWS configuration.
func NewS3Cache(ctx context.Context, bucketName string) (*S3Cache, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	return &S3Cache{
		storage:     NewS3Storage(bucketName, &awsCfg),
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}, nil
}

// NewS3CacheWithStorage wires an explicit storage backend, mostly for tests.
func NewS3CacheWithStorage(storage cache.ObjectStorage) *S3Cache {
	return &S3Cache{
		storage:     storage,
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}
}

func objectKey(key cache.Key) string {
	return objectPrefix + key.String() + ".tar.gz"
}

// Download fetches an entry into the local cache. A miss or a failed transfer
// reads as (false, nil) respectively an error the caller downgrades; the
// build carries on either way.
func (s *S3Cache) Download(ctx context.Context, dst cache.LocalCache, key cache.Key) (bool, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return false, err
	}
	exists, err := s.storage.HasObject(ctx, objectKey(key))
	if err != nil || !exists {
		return false, err
	}

	tmp, err := os.CreateTemp("", "macvm-cache-*.tar.gz")
	if err != nil {
		return false, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := s.storage.GetObject(ctx, objectKey(key), tmp.Name())
	if err != nil {
		return false, fmt.Errorf("cannot download %s: %w", objectKey(key), err)
	}
	log.WithFields(log.Fields{"key": key.String(), "bytes": n}).Debug("downloaded artifact archive")

	dir, err := os.MkdirTemp("", "macvm-cache-unpack-")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(dir)

	artifacts, err := unpackArchive(tmp.Name(), dir)
	if err != nil {
		return false, fmt.Errorf("cannot unpack %s: %w", objectKey(key), err)
	}
	if err := dst.Store(key, artifacts); err != nil {
		return false, err
	}
	return true, nil
}

// Upload publishes the local entry for key.
func (s *S3Cache) Upload(ctx context.Context, src cache.LocalCache, key cache.Key) error {
	dir, exists := src.Location(key)
	if !exists {
		return fmt.Errorf("no local cache entry for %s", key)
	}

	tmp, err := os.CreateTemp("", "macvm-cache-*.tar.gz")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := packArchive(dir, tmp); err != nil {
		return fmt.Errorf("cannot pack cache entry %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.storage.UploadObject(ctx, objectKey(key), tmp.Name()); err != nil {
		return fmt.Errorf("cannot upload %s: %w", objectKey(key), err)
	}
	log.WithField("key", key.String()).Debug("uploaded artifact archive")
	return nil
}

func packArchive(dir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = entry.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func unpackArchive(archive, dir string) ([]string, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var res []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg || strings.Contains(hdr.Name, "/") {
			// entries are flat by construction, anything else is foreign
			continue
		}
		dst := filepath.Join(dir, hdr.Name)
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, err
		}
		out.Close()
		res = append(res, dst)
	}
	return res, nil
}

// S3Storage implements cache.ObjectStorage using the AWS SDK.
type S3Storage struct {
	bucketName string
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Storage creates a storage backend for the given bucket.
func NewS3Storage(bucketName string, cfg *aws.Config) *S3Storage {
	client := s3.NewFromConfig(*cfg)
	return &S3Storage{
		bucketName: bucketName,
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}
}

// HasObject checks if an object exists.
func (s *S3Storage) HasObject(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject downloads an object to a local file.
func (s *S3Storage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
}

// UploadObject uploads a local file to remote storage.
func (s *S3Storage) UploadObject(ctx context.Context, key string, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
