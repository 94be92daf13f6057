package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T, mr *miniredis.Miniredis, origin string) (*RedisBridge, *collector) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &collector{}
	local := NewInMemoryDispatcher()
	local.Subscribe(WildcardKey, c.handle)
	bridge := NewRedisBridge(client, local, nil, BridgeOptions{Origin: origin})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-bridge.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never subscribed")
	}
	return bridge, c
}

func TestRedisBridgeRelaysToOtherReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	a, fromA := startBridge(t, mr, "replica-a")
	_, fromB := startBridge(t, mr, "replica-b")

	ev := signedInEvent("user-1", "sess-1")
	require.NoError(t, a.Publish(context.Background(), ev))

	require.Eventually(t, func() bool { return len(fromB.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := fromB.events()[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "replica-a", got.Origin)
	assert.Equal(t, "sess-1", got.Session.ID)

	// the publishing replica sees its own event exactly once
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fromA.events(), 1)
}

func TestRedisBridgeDropsGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	_, c := startBridge(t, mr, "replica-a")

	mr.Publish(DefaultChannel, "{not json")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.events())
}

func TestRedisBridgeDefaults(t *testing.T) {
	b := NewRedisBridge(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), NewInMemoryDispatcher(), nil, BridgeOptions{})
	assert.Equal(t, DefaultChannel, b.channel)
	assert.NotEmpty(t, b.Origin())
}
