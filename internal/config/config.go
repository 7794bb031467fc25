// Package config loads the service configuration from the environment.
//
// Every variable is prefixed with EUROPA_, e.g. EUROPA_DATABASE_URL. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable name.
const Prefix = "europa"

// Config is the full runtime configuration of the backend. Sections are
// embedded so that every variable shares the single EUROPA_ prefix.
type Config struct {
	Env     string `envconfig:"ENV" default:"development"`
	Addr    string `envconfig:"ADDR" default:":8080"`
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8080"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`

	Blob
	Upload
	Links
	Cleanup
}

// Blob selects and configures the object storage backend.
type Blob struct {
	Backend          string `envconfig:"BLOB_BACKEND" default:"minio"`
	Endpoint         string `envconfig:"S3_ENDPOINT"`
	Region           string `envconfig:"S3_REGION" default:"us-east-1"`
	AccessKey        string `envconfig:"S3_ACCESS_KEY"`
	SecretKey        string `envconfig:"S3_SECRET_KEY"`
	StagingContainer string `envconfig:"STAGING_CONTAINER" default:"tempuploads"`
	FilesContainer   string `envconfig:"FILES_CONTAINER" default:"encryptedfiles"`
}

// Upload tunes the chunked upload session manager.
type Upload struct {
	MaxBytes      int64         `envconfig:"MAX_UPLOAD_BYTES" default:"2147483648"`
	MaxChunkBytes int64         `envconfig:"MAX_CHUNK_BYTES" default:"16777216"`
	SessionTTL    time.Duration `envconfig:"SESSION_TTL" default:"30m"`
	MaxSessions   int           `envconfig:"MAX_SESSIONS" default:"10000"`
}

// Links tunes short-link resolution caches.
type Links struct {
	CacheTTL         time.Duration `envconfig:"LINK_CACHE_TTL" default:"10m"`
	FileInfoCacheTTL time.Duration `envconfig:"FILE_INFO_CACHE_TTL" default:"5m"`
	CacheSize        int           `envconfig:"LINK_CACHE_SIZE" default:"10000"`
	DisableCache     bool          `envconfig:"DISABLE_CACHE" default:"false"`
}

// Cleanup tunes the expiration sweep.
type Cleanup struct {
	Enabled        bool          `envconfig:"CLEANUP_ENABLED" default:"true"`
	Interval       time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
	BatchSize      int           `envconfig:"CLEANUP_BATCH_SIZE" default:"100"`
	FlushEvery     int           `envconfig:"CLEANUP_FLUSH_EVERY" default:"10"`
	RetryAttempts  int           `envconfig:"CLEANUP_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"CLEANUP_RETRY_BASE_DELAY" default:"2s"`
	StagingMaxAge  time.Duration `envconfig:"CLEANUP_STAGING_MAX_AGE" default:"1h"`
	OrphanGrace    time.Duration `envconfig:"CLEANUP_ORPHAN_GRACE" default:"1h"`
	LockFile       string        `envconfig:"CLEANUP_LOCK_FILE" default:"/tmp/europa-sweep.lock"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Production reports whether the service runs in a production environment.
func (c *Config) Production() bool {
	return c.Env == "production"
}
