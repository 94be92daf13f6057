package persistence

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/config"
)

func TestNewRedisConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	r := NewRedis(config.RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	t.Cleanup(r.Close)

	require.NoError(t, r.Ping(context.Background()))
}

func TestNewRedisStartupPingIsBounded(t *testing.T) {
	// Accepts connections but never answers, so only the deadline ends the ping.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	held := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				close(held)
				return
			}
			held <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		for conn := range held {
			_ = conn.Close()
		}
	})

	start := time.Now()
	r := NewRedis(config.RedisConfig{Addr: ln.Addr().String(), DialTimeoutSeconds: 1}, zap.NewNop())
	t.Cleanup(r.Close)

	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	require.NotNil(t, r.Client)
}

func TestRedisPingWithoutClient(t *testing.T) {
	var r *Redis
	assert.Error(t, r.Ping(context.Background()))
	r.Close()
}
