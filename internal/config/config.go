// Package config centralizes how ConvertDrop reads its settings: defaults, an
// optional YAML file, a .env file and finally CONVERTDROP_* environment
// variables, in increasing order of precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CONVERTDROP_"

// Config represents runtime configuration shared by every role.
type Config struct {
	Address       string `yaml:"address"`
	PublicBaseURL string `yaml:"public_base_url"`
	MaxFileSize   int64  `yaml:"max_file_bytes"`
	Memory        bool   `yaml:"memory"`

	RequestQueue        string        `yaml:"request_queue"`
	ResultQueue         string        `yaml:"result_queue"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	QueueMaxDeliveries  int           `yaml:"queue_max_deliveries"`
	MessageTTL          time.Duration `yaml:"message_ttl"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	Workers             int           `yaml:"workers"`

	UploadBucket    string `yaml:"upload_bucket"`
	ProcessedBucket string `yaml:"processed_bucket"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
	S3Region        string `yaml:"s3_region"`
	S3UseSSL        bool   `yaml:"s3_use_ssl"`

	SigningSecret string        `yaml:"signing_secret"`
	SignedURLTTL  time.Duration `yaml:"signed_ttl"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SofficeBinary     string        `yaml:"soffice_bin"`
	ConvertTimeout    time.Duration `yaml:"convert_timeout"`
	MaxImageDimension int           `yaml:"max_image_dimension"`
	MaxImagePixels    int64         `yaml:"max_image_pixels"`

	NotifyEmailFrom string   `yaml:"notify_email_from"`
	NotifyEmailTo   []string `yaml:"notify_email_to"`
	AWSRegion       string   `yaml:"aws_region"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

const (
	defaultAddress           = ":8080"
	defaultMaxFileSize       = 50 << 20 // 50 MiB
	defaultRequestQueue      = "fileupload"
	defaultResultQueue       = "fileprocessing"
	defaultDeliveryAttempts  = 3
	defaultQueueMaxDelivery  = 10
	defaultMessageTTL        = 14 * 24 * time.Hour
	defaultRetryDelay        = 5 * time.Second
	defaultWorkerCount       = 4
	defaultUploadBucket      = "upload"
	defaultProcessedBucket   = "processed"
	defaultS3Region          = "us-east-1"
	defaultSignedTTL         = 15 * time.Minute
	defaultSoffice           = "soffice"
	defaultConvertTimeout    = 2 * time.Minute
	defaultMaxImageDimension = 2048
	defaultMaxImagePixels    = 64 << 20
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
)

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		Address:             defaultAddress,
		MaxFileSize:         defaultMaxFileSize,
		RequestQueue:        defaultRequestQueue,
		ResultQueue:         defaultResultQueue,
		MaxDeliveryAttempts: defaultDeliveryAttempts,
		QueueMaxDeliveries:  defaultQueueMaxDelivery,
		MessageTTL:          defaultMessageTTL,
		RetryDelay:          defaultRetryDelay,
		Workers:             defaultWorkerCount,
		UploadBucket:        defaultUploadBucket,
		ProcessedBucket:     defaultProcessedBucket,
		S3Region:            defaultS3Region,
		SignedURLTTL:        defaultSignedTTL,
		SofficeBinary:       defaultSoffice,
		ConvertTimeout:      defaultConvertTimeout,
		MaxImageDimension:   defaultMaxImageDimension,
		MaxImagePixels:      defaultMaxImagePixels,
		LogLevel:            defaultLogLevel,
		LogFormat:           defaultLogFormat,
	}
}

// Load reads configuration from the optional YAML file named by
// CONVERTDROP_CONFIG, a .env file in the working directory and the
// environment. Overrides, typically from command-line flags, are applied last.
func Load(overrides ...func(*Config)) (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	for _, o := range overrides {
		o(cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Address = readEnv("ADDRESS", c.Address)
	c.PublicBaseURL = readEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.MaxFileSize = parseInt64("MAX_FILE_BYTES", c.MaxFileSize)
	c.Memory = parseBool("MEMORY", c.Memory)

	c.RequestQueue = readEnv("REQUEST_QUEUE", c.RequestQueue)
	c.ResultQueue = readEnv("RESULT_QUEUE", c.ResultQueue)
	c.MaxDeliveryAttempts = parseInt("MAX_DELIVERY_ATTEMPTS", c.MaxDeliveryAttempts)
	c.QueueMaxDeliveries = parseInt("QUEUE_MAX_DELIVERIES", c.QueueMaxDeliveries)
	c.MessageTTL = parseDuration("MESSAGE_TTL", c.MessageTTL)
	c.RetryDelay = parseDuration("RETRY_DELAY", c.RetryDelay)
	c.Workers = parseInt("WORKERS", c.Workers)

	c.UploadBucket = readEnv("UPLOAD_BUCKET", c.UploadBucket)
	c.ProcessedBucket = readEnv("PROCESSED_BUCKET", c.ProcessedBucket)
	c.S3Endpoint = readEnv("S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = readEnv("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = readEnv("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = readEnv("S3_REGION", c.S3Region)
	c.S3UseSSL = parseBool("S3_USE_SSL", c.S3UseSSL)

	c.SigningSecret = readEnv("SIGNING_SECRET", c.SigningSecret)
	c.SignedURLTTL = parseDuration("SIGNED_TTL", c.SignedURLTTL)

	c.DatabaseURL = readEnv("DATABASE_URL", c.DatabaseURL)

	c.RedisAddr = readEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = readEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = parseInt("REDIS_DB", c.RedisDB)

	c.SofficeBinary = readEnv("SOFFICE_BIN", c.SofficeBinary)
	c.ConvertTimeout = parseDuration("CONVERT_TIMEOUT", c.ConvertTimeout)
	c.MaxImageDimension = parseInt("MAX_IMAGE_DIMENSION", c.MaxImageDimension)
	c.MaxImagePixels = parseInt64("MAX_IMAGE_PIXELS", c.MaxImagePixels)

	c.NotifyEmailFrom = readEnv("NOTIFY_EMAIL_FROM", c.NotifyEmailFrom)
	c.NotifyEmailTo = parseList("NOTIFY_EMAIL_TO", c.NotifyEmailTo)
	c.AWSRegion = readEnv("AWS_REGION", c.AWSRegion)

	c.LogLevel = readEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = readEnv("LOG_FORMAT", c.LogFormat)
}

// normalize replaces non-positive numeric settings with their defaults and
// generates a signing secret when none was supplied.
func (c *Config) normalize() {
	if c.SigningSecret == "" {
		c.SigningSecret = randomSecret()
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.SignedURLTTL <= 0 {
		c.SignedURLTTL = defaultSignedTTL
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = defaultDeliveryAttempts
	}
	if c.QueueMaxDeliveries <= 0 {
		c.QueueMaxDeliveries = defaultQueueMaxDelivery
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = defaultMessageTTL
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.ConvertTimeout <= 0 {
		c.ConvertTimeout = defaultConvertTimeout
	}
	if c.MaxImageDimension <= 0 {
		c.MaxImageDimension = defaultMaxImageDimension
	}
	if c.MaxImagePixels <= 0 {
		c.MaxImagePixels = defaultMaxImagePixels
	}
	if c.PublicBaseURL == "" {
		c.PublicBaseURL = "http://localhost" + c.Address
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

// Validate reports every setting that prevents the service from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.RequestQueue == "" || c.ResultQueue == "" {
		errs = append(errs, errors.New("request and result queue names are required"))
	}
	if c.RequestQueue == c.ResultQueue {
		errs = append(errs, fmt.Errorf("request and result queue must differ (both %q)", c.RequestQueue))
	}
	if c.UploadBucket == "" || c.ProcessedBucket == "" {
		errs = append(errs, errors.New("upload and processed bucket names are required"))
	}
	if c.MaxDeliveryAttempts > c.QueueMaxDeliveries {
		errs = append(errs, fmt.Errorf("max delivery attempts (%d) exceeds queue max deliveries (%d)", c.MaxDeliveryAttempts, c.QueueMaxDeliveries))
	}
	if !c.Memory {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New(envPrefix+"DATABASE_URL is required unless running in memory mode"))
		}
		if c.RedisAddr == "" {
			errs = append(errs, errors.New(envPrefix+"REDIS_ADDR is required unless running in memory mode"))
		}
		if c.S3Endpoint == "" {
			errs = append(errs, errors.New(envPrefix+"S3_ENDPOINT is required unless running in memory mode"))
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// NotificationsEnabled reports whether email alerts are configured.
func (c *Config) NotificationsEnabled() bool {
	return c.NotifyEmailFrom != "" && len(c.NotifyEmailTo) > 0
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func parseList(key string, def []string) []string {
	val := readEnv(key, "")
	if val == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	if v := readEnv(key, ""); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v := readEnv(key, ""); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v := readEnv(key, ""); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v := readEnv(key, ""); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
