package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMemoryDefaults(t *testing.T) {
	t.Setenv("CONVERTDROP_MEMORY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, int64(50<<20), cfg.MaxFileSize)
	assert.Equal(t, "fileupload", cfg.RequestQueue)
	assert.Equal(t, "fileprocessing", cfg.ResultQueue)
	assert.Equal(t, 3, cfg.MaxDeliveryAttempts)
	assert.Equal(t, "upload", cfg.UploadBucket)
	assert.Equal(t, "processed", cfg.ProcessedBucket)
	assert.NotEmpty(t, cfg.SigningSecret)
	assert.Equal(t, "http://localhost:8080", cfg.PublicBaseURL)
	assert.False(t, cfg.NotificationsEnabled())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "convertdrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory: true
workers: 9
signed_ttl: 30m
request_queue: uploads-from-file
notify_email_to: [ops@example.com]
`), 0o600))
	t.Setenv("CONVERTDROP_CONFIG", path)
	t.Setenv("CONVERTDROP_REQUEST_QUEUE", "uploads-from-env")
	t.Setenv("CONVERTDROP_NOTIFY_EMAIL_FROM", "noreply@example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, 30*time.Minute, cfg.SignedURLTTL)
	assert.Equal(t, "uploads-from-env", cfg.RequestQueue)
	assert.Equal(t, []string{"ops@example.com"}, cfg.NotifyEmailTo)
	assert.True(t, cfg.NotificationsEnabled())
}

func TestValidateRequiresBackendsOutsideMemoryMode(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "REDIS_ADDR")
	assert.Contains(t, err.Error(), "S3_ENDPOINT")
}

func TestValidateRejectsSameQueue(t *testing.T) {
	cfg := Default()
	cfg.Memory = true
	cfg.ResultQueue = cfg.RequestQueue
	assert.Error(t, cfg.Validate())
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("CONVERTDROP_MEMORY", "1")
	t.Setenv("CONVERTDROP_WORKERS", "many")
	t.Setenv("CONVERTDROP_MAX_FILE_BYTES", "-5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultWorkerCount, cfg.Workers)
	assert.Equal(t, int64(defaultMaxFileSize), cfg.MaxFileSize)
}

func TestLoadOverridesApplyBeforeValidation(t *testing.T) {
	t.Setenv("CONVERTDROP_MEMORY", "false")
	t.Setenv("CONVERTDROP_DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)

	cfg, err := Load(func(c *Config) { c.Memory = true })
	require.NoError(t, err)
	assert.True(t, cfg.Memory)
}

func TestMaxImagePixelsFromEnv(t *testing.T) {
	t.Setenv("CONVERTDROP_MEMORY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxImagePixels), cfg.MaxImagePixels)

	t.Setenv("CONVERTDROP_MAX_IMAGE_PIXELS", "1000000")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), cfg.MaxImagePixels)

	t.Setenv("CONVERTDROP_MAX_IMAGE_PIXELS", "0")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxImagePixels), cfg.MaxImagePixels)
}
