package artifactcache

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/objectstore"
)

// objectAPI is the subset of *minio.Client used by MinioStore.
type objectAPI interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
}

// MinioStore keeps cache entries as objects in an S3 compatible bucket. A
// single PutObject call publishes an entry, so readers never see a partial one.
type MinioStore struct {
	client objectAPI
	cfg    objectstore.Config
	tmpDir string
}

// NewMinioStore returns a store writing under cfg.Bucket/cfg.Prefix. Archives
// are spooled through tmpDir ("" means the system default).
func NewMinioStore(client objectAPI, cfg objectstore.Config, tmpDir string) *MinioStore {
	return &MinioStore{client: client, cfg: cfg, tmpDir: tmpDir}
}

func (s *MinioStore) objectName(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return s.cfg.ObjectName(key + entryExt), nil
}

// Restore implements Cache.
func (s *MinioStore) Restore(ctx context.Context, key string, paths []string) (bool, error) {
	logger := ctxlog.FromContext(ctx).With("cache_key", key, "bucket", s.cfg.Bucket)

	object, err := s.objectName(key)
	if err != nil {
		return false, err
	}

	spool, err := os.CreateTemp(s.tmpDir, "burstgridci-restore-*"+entryExt)
	if err != nil {
		return false, err
	}
	spool.Close()
	defer os.Remove(spool.Name())

	if err := s.client.FGetObject(ctx, s.cfg.Bucket, object, spool.Name(), minio.GetObjectOptions{}); err != nil {
		if objectstore.IsNotFound(err) {
			logger.Debug("Cache miss.", "object", object)
		} else {
			logger.Warn("Cache entry could not be downloaded, treating as miss.", "object", object, "error", err)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	f, err := os.Open(spool.Name())
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := extractArchive(f, paths); err != nil {
		logger.Warn("Cache entry could not be extracted, treating as miss.", "object", object, "error", err)
		return false, nil
	}
	logger.Debug("Cache hit.", "object", object)
	return true, nil
}

// Save implements Cache.
func (s *MinioStore) Save(ctx context.Context, key string, paths []string) error {
	logger := ctxlog.FromContext(ctx).With("cache_key", key, "bucket", s.cfg.Bucket)

	object, err := s.objectName(key)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{}); err == nil {
		logger.Debug("Cache entry already present, skipping save.", "object", object)
		return nil
	} else if !objectstore.IsNotFound(err) {
		return fmt.Errorf("stat %s: %w", object, err)
	}

	spool, err := os.CreateTemp(s.tmpDir, "burstgridci-save-*"+entryExt)
	if err != nil {
		return err
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	if err := writeArchive(spool, paths); err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	size, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.cfg.Bucket, object, spool, size, minio.PutObjectOptions{
		ContentType:  "application/zstd",
		UserMetadata: map[string]string{"cache-key": key},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", object, err)
	}
	logger.Debug("Cache entry saved.", "object", object, "size", size)
	return nil
}
