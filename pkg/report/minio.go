package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marquee-labs/marquee/pkg/activation"
)

// ObjectPutter is the part of the MinIO client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIOArchiver writes reports to an S3-compatible bucket.
type MinIOArchiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

var _ activation.Archiver = (*MinIOArchiver)(nil)

// NewMinIOArchiver connects to the endpoint and makes sure the bucket exists.
func NewMinIOArchiver(ctx context.Context, cfg Config) (*MinIOArchiver, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio archive requires endpoint and bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Bucket, err)
	}
	return NewMinIOArchiverWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewMinIOArchiverWithClient wraps an existing client.
func NewMinIOArchiverWithClient(client ObjectPutter, bucket, prefix string) *MinIOArchiver {
	return &MinIOArchiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive implements activation.Archiver.
func (a *MinIOArchiver) Archive(ctx context.Context, r *activation.DiffReport) (string, error) {
	data, err := encode(r)
	if err != nil {
		return "", err
	}

	key := ObjectKey(a.prefix, r)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id":         r.RunID,
			"policy-version": fmt.Sprintf("%d", r.NewVersion),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
