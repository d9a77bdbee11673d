// Package upload copies finished outputs to S3-compatible object storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

type Uploader struct {
	client *miniogo.Client
	bucket string
	prefix string
}

func New(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("upload: bucket is required")
	}
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if !exists {
		if err := u.client.MakeBucket(ctx, u.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", u.bucket, err)
		}
	}
	return nil
}

// Upload stores the file at localPath under the run's key and returns the
// object URI.
func (u *Uploader) Upload(ctx context.Context, runID, localPath string) (string, error) {
	key := ObjectKey(u.prefix, runID, localPath)
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, miniogo.PutObjectOptions{
		ContentType:  ContentType(localPath),
		UserMetadata: map[string]string{"run-id": runID},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// ObjectKey is "<prefix>/<runID>/<file name>" with empty parts omitted.
func ObjectKey(prefix, runID, localPath string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	if runID != "" {
		parts = append(parts, runID)
	}
	parts = append(parts, filepath.Base(localPath))
	return path.Join(parts...)
}

func ContentType(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	switch ext {
	case ".mkv":
		return "video/x-matroska"
	case ".ts", ".m2ts", ".mts":
		return "video/mp2t"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
