package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"checkout-service/internal/config"
	"checkout-service/internal/logcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLogger_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := localLogger(&buf)

	ctx := logcontext.AppendCtx(context.Background(), slog.String("orderCode", "EVT001-ABC"))
	ctx = logcontext.AppendCtx(ctx, slog.String("origin", "server"))
	logger.InfoContext(ctx, "Reconciling payment", "providerStatus", "PAID")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Reconciling payment", record["msg"])
	assert.Equal(t, "EVT001-ABC", record["orderCode"])
	assert.Equal(t, "server", record["origin"])
	assert.Equal(t, "PAID", record["providerStatus"])
	assert.Equal(t, serviceName, record["service"])
}

func TestLocalLogger_WithoutContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := localLogger(&buf).With("component", "test")

	logger.Info("plain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "test", record["component"])
	assert.NotContains(t, record, "orderCode")
}

func TestGetLogger_Local(t *testing.T) {
	assert.NotNil(t, GetLogger(config.Logs{}))
}
