package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError names one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates configuration problems so all of them are reported
// at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// AddError records a problem with field.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Err returns nil when no problem was recorded.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%s", v.ErrorString())
}

// ErrorString returns a numbered list of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateRequired records an error when value is empty.
func (v *Validator) ValidateRequired(key, value string) {
	if value == "" {
		v.AddError(key, "required value not set")
	}
}

// ValidateURL checks that value is an absolute URL with one of the schemes.
func (v *Validator) ValidateURL(key, value string, schemes ...string) {
	if value == "" {
		return
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("URL must use one of: %s", strings.Join(schemes, ", ")))
}

// ValidateAddr checks a listen address of the form "host:port" or ":port".
func (v *Validator) ValidateAddr(key, value string) {
	if value == "" {
		return
	}
	i := strings.LastIndex(value, ":")
	if i < 0 {
		v.AddError(key, "address must contain a port")
		return
	}

	port, err := strconv.Atoi(value[i+1:])
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// ValidateEnum checks that value is one of allowed.
func (v *Validator) ValidateEnum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositive checks that n is greater than zero.
func (v *Validator) ValidatePositive(key string, n int64) {
	if n <= 0 {
		v.AddError(key, "must be a positive number")
	}
}

// Validate checks the settings that cannot be expressed as struct tags.
func (c *Config) Validate() error {
	v := NewValidator()

	v.ValidateAddr("EUROPA_ADDR", c.Addr)
	v.ValidateURL("EUROPA_BASE_URL", c.BaseURL)
	v.ValidateEnum("EUROPA_LOG_FORMAT", c.LogFormat, []string{"text", "json"})
	v.ValidateEnum("EUROPA_LOG_LEVEL", strings.ToLower(c.LogLevel), []string{"debug", "info", "warn", "error"})

	v.ValidateEnum("EUROPA_BLOB_BACKEND", c.Blob.Backend, []string{"minio", "s3", "memory"})
	if c.Blob.Backend == "minio" {
		v.ValidateRequired("EUROPA_S3_ENDPOINT", c.Blob.Endpoint)
		v.ValidateRequired("EUROPA_S3_ACCESS_KEY", c.Blob.AccessKey)
		v.ValidateRequired("EUROPA_S3_SECRET_KEY", c.Blob.SecretKey)
	}
	if c.Blob.Backend == "s3" && c.Blob.Endpoint != "" {
		v.ValidateURL("EUROPA_S3_ENDPOINT", c.Blob.Endpoint)
	}
	v.ValidateRequired("EUROPA_STAGING_CONTAINER", c.Blob.StagingContainer)
	v.ValidateRequired("EUROPA_FILES_CONTAINER", c.Blob.FilesContainer)
	if c.Blob.StagingContainer != "" && c.Blob.StagingContainer == c.Blob.FilesContainer {
		v.AddError("EUROPA_STAGING_CONTAINER", "must differ from EUROPA_FILES_CONTAINER")
	}

	v.ValidateEnum("EUROPA_STORE_BACKEND", c.StoreBackend, []string{"postgres", "memory"})
	if c.StoreBackend == "postgres" {
		v.ValidateRequired("EUROPA_DATABASE_URL", c.DatabaseURL)
		v.ValidateURL("EUROPA_DATABASE_URL", c.DatabaseURL, "postgres", "postgresql")
	}

	v.ValidatePositive("EUROPA_MAX_UPLOAD_BYTES", c.Upload.MaxBytes)
	v.ValidatePositive("EUROPA_MAX_CHUNK_BYTES", c.Upload.MaxChunkBytes)
	v.ValidatePositive("EUROPA_SESSION_TTL", int64(c.Upload.SessionTTL))
	v.ValidatePositive("EUROPA_LINK_CACHE_TTL", int64(c.Links.CacheTTL))
	v.ValidatePositive("EUROPA_FILE_INFO_CACHE_TTL", int64(c.Links.FileInfoCacheTTL))

	v.ValidatePositive("EUROPA_CLEANUP_INTERVAL", int64(c.Cleanup.Interval))
	v.ValidatePositive("EUROPA_CLEANUP_BATCH_SIZE", int64(c.Cleanup.BatchSize))
	v.ValidatePositive("EUROPA_CLEANUP_FLUSH_EVERY", int64(c.Cleanup.FlushEvery))
	v.ValidatePositive("EUROPA_CLEANUP_RETRY_ATTEMPTS", int64(c.Cleanup.RetryAttempts))
	if c.Cleanup.StagingMaxAge < c.Upload.SessionTTL {
		v.AddError("EUROPA_CLEANUP_STAGING_MAX_AGE", "must not be shorter than EUROPA_SESSION_TTL")
	}

	return v.Err()
}
