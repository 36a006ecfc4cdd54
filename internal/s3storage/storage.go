// Package s3storage implements storage.ObjectStore and storage.URLSigner on
// MinIO or any S3-compatible endpoint.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/ConvertDrop/internal/config"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

// Storage wraps MinIO/S3 interactions for uploaded and processed objects.
type Storage struct {
	client  *minio.Client
	buckets []string
	region  string
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
		client:  client,
		buckets: []string{cfg.UploadBucket, cfg.ProcessedBucket},
		region:  cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the upload/processed buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range s.buckets {
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

// Upload writes the object, replacing any existing version.
func (s *Storage) Upload(ctx context.Context, bucket, name string, reader io.Reader, size int64, contentType string) (string, error) {
	if size < 0 {
		data, err := io.ReadAll(reader)
		if err != nil {
			return "", fmt.Errorf("buffer object %s: %w", storage.Locator(bucket, name), err)
		}
		reader, size = bytes.NewReader(data), int64(len(data))
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, bucket, name, reader, size, opts); err != nil {
		return "", fmt.Errorf("put object %s: %w", storage.Locator(bucket, name), err)
	}
	return storage.Locator(bucket, name), nil
}

// Download fetches the object bytes.
func (s *Storage) Download(ctx context.Context, bucket, name string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", storage.Locator(bucket, name), mapErr(err))
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", storage.Locator(bucket, name), mapErr(err))
	}
	return buf, nil
}

// Exists stats the object.
func (s *Storage) Exists(ctx context.Context, bucket, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", storage.Locator(bucket, name), err)
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *Storage) Delete(ctx context.Context, bucket, name string) error {
	if err := s.client.RemoveObject(ctx, bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", storage.Locator(bucket, name), err)
	}
	return nil
}

// GenerateReadURL returns a presigned GET URL for an existing object.
func (s *Storage) GenerateReadURL(ctx context.Context, bucket, name string, ttl time.Duration) (string, error) {
	ok, err := s.Exists(ctx, bucket, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", storage.Locator(bucket, name), storage.ErrNotFound)
	}
	u, err := s.client.PresignedGetObject(ctx, bucket, name, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", storage.Locator(bucket, name), err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
}

func mapErr(err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%v: %w", err, storage.ErrNotFound)
	}
	return err
}
