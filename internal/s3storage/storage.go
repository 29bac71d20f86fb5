// Package s3storage is the MinIO/S3 backed implementation of upload.Uploader.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/upload"
)

// Storage wraps MinIO/S3 interactions for listing and post images.
type Storage struct {
	client        *minio.Client
	bucket        string
	region        string
	publicBaseURL string
	logger        *zap.Logger
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config, logger *zap.Logger) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:        client,
		bucket:        cfg.S3Bucket,
		region:        cfg.S3Region,
		publicBaseURL: strings.TrimSuffix(cfg.S3PublicBaseURL, "/"),
		logger:        logging.OrNop(logger),
	}, nil
}

// EnsureBucket makes sure the media bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

var _ upload.Uploader = (*Storage)(nil)

// Upload implements upload.Uploader.
func (s *Storage) Upload(ctx context.Context, obj upload.Object) (string, error) {
	start := time.Now()
	size := obj.Size
	if size <= 0 {
		size = -1
	}
	opts := minio.PutObjectOptions{ContentType: obj.ContentType}
	info, err := s.client.PutObject(ctx, s.bucket, obj.Key, upload.TrackProgress(obj), size, opts)
	if err != nil {
		return "", fmt.Errorf("upload object %s: %w", obj.Key, err)
	}
	s.logger.Info("object uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", obj.Key),
		zap.Int64("bytes", info.Size),
		zap.Duration("took", time.Since(start)))
	return s.objectURL(obj.Key), nil
}

// objectURL returns the durable address of key: under the public base URL
// when one is configured, otherwise path-style on the endpoint.
func (s *Storage) objectURL(key string) string {
	escaped := escapeKey(key)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escaped
	}
	endpoint := s.client.EndpointURL()
	u := url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host, Path: "/" + s.bucket + "/" + key}
	return u.String()
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
