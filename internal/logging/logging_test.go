package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestJSONIncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", "info")

	ctx := WithRequestID(context.Background(), "abc123")
	log.InfoContext(ctx, "chunk_uploaded", "index", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "chunk_uploaded", rec["msg"])
	assert.Equal(t, "abc123", rec["request_id"])
	assert.Equal(t, float64(2), rec["index"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "json", "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestTextHandlerNoColorOnBuffer(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "text", "debug").With("component", "upload")
	log.Debug("session_created", "token", "t1")

	out := buf.String()
	assert.Contains(t, out, "session_created")
	assert.Contains(t, out, "component=upload")
	assert.NotContains(t, out, "\x1b[")
}

func TestRequestIDMissing(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
	assert.NotNil(t, OrDefault(nil))
	Discard().Info("dropped")
}
