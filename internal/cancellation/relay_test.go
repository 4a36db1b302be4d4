package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisRelayForwardsToOwner(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	owner := NewRegistry(Config{Shards: 2}, logger)
	other := NewRegistry(Config{Shards: 2}, logger)
	defer owner.Close()
	defer other.Close()

	ownerRelay := NewRedisRelay(client, owner, "test:cancel", logger)
	ownerRelay.origin = "owner"
	otherRelay := NewRedisRelay(client, other, "test:cancel", logger)
	otherRelay.origin = "other"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ownerRelay.Run(ctx) }()

	// Wait until the owner is subscribed.
	require.Eventually(t, func() bool {
		n, _ := client.PubSubNumSub(ctx, "test:cancel").Result()
		return n["test:cancel"] > 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = owner.Create("req-remote")
	require.NoError(t, err)

	accepted, err := otherRelay.Cancel(ctx, "req-remote", "from another node")
	assert.False(t, accepted)
	assert.ErrorIs(t, err, ErrNotFound)

	require.Eventually(t, func() bool {
		return owner.IsCancelled("req-remote")
	}, 2*time.Second, 10*time.Millisecond)

	snap, ok := owner.Snapshot("req-remote")
	require.True(t, ok)
	assert.Equal(t, "from another node", snap.Reason)
}

func TestRedisRelayAppliesLocallyFirst(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	reg := NewRegistry(Config{Shards: 2}, zaptest.NewLogger(t))
	defer reg.Close()
	relay := NewRedisRelay(client, reg, "", zaptest.NewLogger(t))

	_, err = reg.Create("req-local")
	require.NoError(t, err)

	accepted, err := relay.Cancel(context.Background(), "req-local", "stop")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = relay.Cancel(context.Background(), "req-local", "stop again")
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestRelayIgnoresMalformedAndOwnMessages(t *testing.T) {
	reg := NewRegistry(Config{Shards: 1}, zaptest.NewLogger(t))
	defer reg.Close()
	relay := NewRedisRelay(nil, reg, "", zaptest.NewLogger(t))
	relay.origin = "self"

	_, err := reg.Create("req-1")
	require.NoError(t, err)

	relay.apply("{not json")
	relay.apply(`{"request_id":"req-1","reason":"echo","origin":"self"}`)
	assert.False(t, reg.IsCancelled("req-1"))

	relay.apply(`{"request_id":"req-1","reason":"remote","origin":"peer"}`)
	assert.True(t, reg.IsCancelled("req-1"))
}

func TestRelaySkipsFinishedRequests(t *testing.T) {
	reg := NewRegistry(Config{Shards: 1, ReleaseGrace: time.Minute}, zaptest.NewLogger(t))
	defer reg.Close()
	relay := NewRedisRelay(nil, reg, "", zaptest.NewLogger(t))
	relay.origin = "self"

	_, err := reg.Create("req-done")
	require.NoError(t, err)
	reg.Release("req-done")

	relay.apply(`{"request_id":"req-done","reason":"remote","origin":"peer"}`)
	assert.False(t, reg.IsCancelled("req-done"))

	accepted, err := relay.Cancel(context.Background(), "req-done", "local")
	require.NoError(t, err, "finished locally, nothing to publish")
	assert.False(t, accepted)

	snap, ok := reg.Snapshot("req-done")
	require.True(t, ok)
	assert.True(t, snap.Releasing)
	assert.Equal(t, "ACTIVE", snap.State)
}
