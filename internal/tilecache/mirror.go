package tilecache

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// minioPutter is the subset of minio.Client used by S3Mirror. Splitting it
// out, the way the teacher's storageClient interface does for its read
// path, lets tests substitute a fake instead of a network client.
type minioPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Mirror writes every cached tile through to an S3-compatible bucket in
// addition to local disk, so a CDN can pull tiles from object storage
// instead of this process (SPEC_FULL.md DOMAIN STACK, minio-go row).
type S3Mirror struct {
	client minioPutter
	bucket string
}

// NewS3Mirror wraps an existing minio client for use as a Cache Mirror.
func NewS3Mirror(client *minio.Client, bucket string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket}
}

func (m *S3Mirror) PutTile(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
