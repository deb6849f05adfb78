package pubsub

import (
	"testing"

	"github.com/platformkit/platform/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPubSub(t *testing.T) {
	t.Run("creates local pubsub for empty backend", func(t *testing.T) {
		cfg := &config.Config{}

		ps, err := NewPubSub(cfg, nil, nil)
		require.NoError(t, err)
		defer ps.Close()

		local, ok := ps.(*LocalPubSub)
		require.True(t, ok, "should be LocalPubSub")
		assert.Equal(t, DefaultBufferSize, local.bufferSize)
	})

	t.Run("honours configured buffer size", func(t *testing.T) {
		cfg := &config.Config{PubSub: config.PubSubConfig{Backend: "local", BufferSize: 7}}

		ps, err := NewPubSub(cfg, nil, nil)
		require.NoError(t, err)
		defer ps.Close()

		assert.Equal(t, 7, ps.(*LocalPubSub).bufferSize)
	})

	t.Run("errors for postgres backend without pool", func(t *testing.T) {
		cfg := &config.Config{PubSub: config.PubSubConfig{Backend: "postgres"}}

		ps, err := NewPubSub(cfg, nil, nil)
		require.Error(t, err)
		assert.Nil(t, ps)
		assert.Contains(t, err.Error(), "database pool is required")
	})

	t.Run("errors for redis backend without url", func(t *testing.T) {
		cfg := &config.Config{PubSub: config.PubSubConfig{Backend: "redis"}}

		ps, err := NewPubSub(cfg, nil, nil)
		require.Error(t, err)
		assert.Nil(t, ps)
		assert.Contains(t, err.Error(), "redis.url is required")
	})

	t.Run("errors for unknown backend", func(t *testing.T) {
		cfg := &config.Config{PubSub: config.PubSubConfig{Backend: "nats"}}

		ps, err := NewPubSub(cfg, nil, nil)
		require.Error(t, err)
		assert.Nil(t, ps)
		assert.Contains(t, err.Error(), "unknown pub/sub backend")
	})
}
