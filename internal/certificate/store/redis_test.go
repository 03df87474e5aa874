package store

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisStoreValidatesArguments(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	tests := []struct {
		name    string
		client  *redis.Client
		timeout time.Duration
		codec   Codec
		wantErr string
	}{
		{"nil client", nil, time.Hour, GobCodec{}, "client"},
		{"nil codec", client, time.Hour, nil, "codec"},
		{"zero timeout", client, 0, GobCodec{}, "timeout must be positive"},
		{"negative timeout", client, -time.Second, GobCodec{}, "timeout must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := NewRedisStore(tt.client, tt.timeout, tt.codec, nil)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, st)
		})
	}

	st, err := NewRedisStore(client, time.Hour, GobCodec{}, nil, WithKeyPrefix("t:"))
	require.NoError(t, err)
	assert.Equal(t, "t:blob", st.blobKey())
}
