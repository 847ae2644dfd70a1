package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contextLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(buf, nil)))
}

func TestContextHandler_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := contextLogger(&buf)

	ctx := ContextWithRequestID(context.Background(), "test-req-123")
	logger.InfoContext(ctx, "test message")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "test-req-123", entry["request_id"])
	assert.Equal(t, "test message", entry["msg"])
}

func TestContextHandler_NoRequestID_OmitsField(t *testing.T) {
	var buf bytes.Buffer
	logger := contextLogger(&buf)

	logger.InfoContext(context.Background(), "no request id")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Nil(t, entry["request_id"])
}

func TestContextHandler_WithAttrs_Preserves(t *testing.T) {
	var buf bytes.Buffer
	logger := contextLogger(&buf).With("service", "rosterd")

	ctx := ContextWithRequestID(context.Background(), "req-456")
	logger.InfoContext(ctx, "with attrs")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-456", entry["request_id"])
	assert.Equal(t, "rosterd", entry["service"])
}
