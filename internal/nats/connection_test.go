package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")

	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.True(t, cfg.RetryOnFailedConnect)
	assert.NotEmpty(t, cfg.Options(nil))

	cfg.Token = "secret"
	assert.Len(t, cfg.Options(zaptest.NewLogger(t)), len(DefaultConnectionConfig("x").Options(nil))+1)
}

func TestConnect_Validation(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = Connect(context.Background(), &ConnectionConfig{}, nil)
	assert.ErrorContains(t, err, "URL cannot be empty")
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.RetryOnFailedConnect = false
	cfg.Timeout = 200 * time.Millisecond

	_, err := Connect(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestHelpers_NilConnection(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
	assert.Error(t, WaitForConnection(context.Background(), nil, time.Millisecond))
}
