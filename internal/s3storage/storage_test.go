package s3storage

import (
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ConvertDrop/internal/config"
	"github.com/dharsanguruparan/ConvertDrop/internal/storage"
)

func TestMapErrNotFound(t *testing.T) {
	for _, err := range []error{
		minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound},
		minio.ErrorResponse{Code: "NoSuchBucket"},
		minio.ErrorResponse{StatusCode: http.StatusNotFound},
	} {
		assert.True(t, isNotFound(err))
		assert.ErrorIs(t, mapErr(err), storage.ErrNotFound)
	}

	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	assert.False(t, isNotFound(denied))
	assert.False(t, errors.Is(mapErr(denied), storage.ErrNotFound))
}

func TestNewTracksConfiguredBuckets(t *testing.T) {
	cfg := config.Default()
	cfg.S3Endpoint = "localhost:9000"
	cfg.UploadBucket = "in"
	cfg.ProcessedBucket = "out"

	s, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"in", "out"}, s.buckets)
	assert.Equal(t, "us-east-1", s.region)
}
