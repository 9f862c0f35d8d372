package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/specialistvlad/burstgridci/internal/ctxlog"
	"github.com/specialistvlad/burstgridci/internal/executor"
	"github.com/specialistvlad/burstgridci/internal/objectstore"
)

// objectAPI is the subset of *minio.Client used by Minio.
type objectAPI interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Minio uploads artifacts to <prefix>/<run-id>/<job>/<path> in a bucket.
type Minio struct {
	client objectAPI
	cfg    objectstore.Config
	runID  string
}

// NewMinio returns a sink uploading through client.
func NewMinio(client objectAPI, cfg objectstore.Config, runID string) *Minio {
	return &Minio{client: client, cfg: cfg, runID: runID}
}

// ObjectName returns where a lands in the bucket.
func (s *Minio) ObjectName(a executor.Artifact) string {
	return s.cfg.ObjectName(s.runID, a.Job, filepath.ToSlash(a.Rel))
}

// Put implements Sink.
func (s *Minio) Put(ctx context.Context, a executor.Artifact) error {
	object := s.ObjectName(a)
	info, err := s.client.FPutObject(ctx, s.cfg.Bucket, object, a.Path, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"job":    a.Job,
			"status": a.Status.String(),
			"size":   strconv.FormatInt(a.Size, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading artifact %s of job %q: %w", a.Rel, a.Job, err)
	}
	ctxlog.FromContext(ctx).Debug("Artifact uploaded.", "job", a.Job, "bucket", s.cfg.Bucket, "object", object, "etag", info.ETag)
	return nil
}
