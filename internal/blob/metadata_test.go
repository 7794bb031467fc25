package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataEncodeDecode(t *testing.T) {
	exp := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)
	m := Metadata{ExpirationDate: exp, IV: "aXY=", Salt: "c2FsdA==", IsMultiFile: true}

	enc := m.Encode()
	require.Equal(t, "2024-03-10T08:30:00Z", enc["expiration-date"])
	require.Equal(t, "true", enc["is-multi-file"])

	got := DecodeMetadata(enc)
	assert.True(t, got.ExpirationDate.Equal(exp))
	assert.Equal(t, m.IV, got.IV)
	assert.Equal(t, m.Salt, got.Salt)
	assert.True(t, got.IsMultiFile)
}

func TestMetadataEncodeOmitsZero(t *testing.T) {
	assert.Empty(t, Metadata{}.Encode())
}

func TestDecodeMetadataBackendCasing(t *testing.T) {
	raw := map[string]string{
		"X-Amz-Meta-Expiration-Date": "2024-03-10T08:30:00Z",
		"Iv":                         "abc",
		"SALT":                       "def",
		"Is-Multi-File":              "false",
		"Unrelated":                  "x",
	}
	got := DecodeMetadata(raw)
	assert.Equal(t, 2024, got.ExpirationDate.Year())
	assert.Equal(t, "abc", got.IV)
	assert.Equal(t, "def", got.Salt)
	assert.False(t, got.IsMultiFile)
}

func TestDecodeMetadataMalformedDate(t *testing.T) {
	got := DecodeMetadata(map[string]string{"expiration-date": "tomorrow"})
	assert.True(t, got.ExpirationDate.IsZero())
}

func TestMetadataExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, Metadata{}.Expired(now))
	assert.True(t, Metadata{ExpirationDate: now.Add(-time.Second)}.Expired(now))
	assert.False(t, Metadata{ExpirationDate: now.Add(time.Hour)}.Expired(now))
}
