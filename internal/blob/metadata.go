package blob

import (
	"strconv"
	"strings"
	"time"
)

// User-metadata keys as stored on the object. Backends may change their case.
const (
	metaExpirationDate = "expiration-date"
	metaIV             = "iv"
	metaSalt           = "salt"
	metaIsMultiFile    = "is-multi-file"
)

// Metadata is attached to finalized objects. Staged chunks carry none.
type Metadata struct {
	ExpirationDate time.Time
	IV             string
	Salt           string
	IsMultiFile    bool
}

// Encode renders m as object user metadata, omitting zero fields.
func (m Metadata) Encode() map[string]string {
	out := make(map[string]string, 4)
	if !m.ExpirationDate.IsZero() {
		out[metaExpirationDate] = m.ExpirationDate.UTC().Format(time.RFC3339)
	}
	if m.IV != "" {
		out[metaIV] = m.IV
	}
	if m.Salt != "" {
		out[metaSalt] = m.Salt
	}
	if m.IsMultiFile {
		out[metaIsMultiFile] = "true"
	}
	return out
}

// DecodeMetadata parses user metadata returned by a backend. Keys are matched
// case-insensitively and an optional x-amz-meta- prefix is ignored; unknown
// or malformed values are skipped.
func DecodeMetadata(raw map[string]string) Metadata {
	var m Metadata
	for k, v := range raw {
		key := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		switch key {
		case metaExpirationDate:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				m.ExpirationDate = t
			}
		case metaIV:
			m.IV = v
		case metaSalt:
			m.Salt = v
		case metaIsMultiFile:
			m.IsMultiFile, _ = strconv.ParseBool(v)
		}
	}
	return m
}

// Expired reports whether m carries an expiration date at or before now.
func (m Metadata) Expired(now time.Time) bool {
	return !m.ExpirationDate.IsZero() && !now.Before(m.ExpirationDate)
}
