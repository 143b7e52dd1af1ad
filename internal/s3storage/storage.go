package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JannisBe/imagetopdfconverter/internal/config"
)

// Storage wraps MinIO/S3 interactions for source images and produced PDFs.
type Storage struct {
	client       *minio.Client
	sourceBucket string
	pdfBucket    string
	region       string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:       client,
		sourceBucket: cfg.SourceBucket,
		pdfBucket:    cfg.PDFBucket,
		region:       cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the source/pdf buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.sourceBucket, s.pdfBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadSource streams the raster image into the source bucket.
func (s *Storage) UploadSource(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.sourceBucket, key, reader, size, opts); err != nil {
		return fmt.Errorf("upload source object: %w", err)
	}
	return nil
}

// UploadPDF stores the converted document in the pdf bucket.
func (s *Storage) UploadPDF(ctx context.Context, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/pdf"}
	if _, err := s.client.PutObject(ctx, s.pdfBucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("upload pdf object: %w", err)
	}
	return nil
}

// DownloadSource fetches the raster image bytes from storage.
func (s *Storage) DownloadSource(ctx context.Context, key string) ([]byte, error) {
	return s.download(ctx, s.sourceBucket, key)
}

// DownloadPDF fetches a previously produced PDF, used when the cached artifact
// is re-sent instead of re-encoded.
func (s *Storage) DownloadPDF(ctx context.Context, key string) ([]byte, error) {
	return s.download(ctx, s.pdfBucket, key)
}

// RemoveSource deletes the raster image blob.
func (s *Storage) RemoveSource(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.sourceBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove source object: %w", err)
	}
	return nil
}

// RemovePDF deletes the produced PDF blob.
func (s *Storage) RemovePDF(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.pdfBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove pdf object: %w", err)
	}
	return nil
}

func (s *Storage) download(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return buf, nil
}
