// Package storage defines the object storage contract used by the pipeline and
// an in-memory implementation of it.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when a bucket/name pair holds no object.
	ErrNotFound = errors.New("object not found")
)

// ObjectStore stores whole objects in flat buckets. Upload overwrites any
// existing object of the same name.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, name string, r io.Reader, size int64, contentType string) (string, error)
	Download(ctx context.Context, bucket, name string) ([]byte, error)
	Exists(ctx context.Context, bucket, name string) (bool, error)
	Delete(ctx context.Context, bucket, name string) error
}

// URLSigner issues time-limited read links. It fails with ErrNotFound when the
// object does not exist.
type URLSigner interface {
	GenerateReadURL(ctx context.Context, bucket, name string, ttl time.Duration) (string, error)
}

// Locator formats the location string returned by Upload.
func Locator(bucket, name string) string {
	return bucket + "/" + name
}
