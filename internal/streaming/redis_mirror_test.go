package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
)

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(circuitbreaker.NewRedisWrapper(client, "redis-mirror-test", zap.NewNop()), "test:events:", 100, time.Hour)
	m := NewManager(Options{Buffer: 4}, mirror, zaptest.NewLogger(t))
	s, err := m.Create("req-9")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, Event{Type: EventStatus, Seq: 1, Payload: json.RawMessage(`{"status":"ROUTING"}`)}))
	require.NoError(t, s.Publish(ctx, Event{Type: EventSearchProgress, Seq: 2}))
	require.NoError(t, s.Publish(ctx, Event{Type: EventCompleted, Seq: 3, Payload: json.RawMessage(`{"status":"COMPLETED"}`)}))

	t.Run("ReadSince", func(t *testing.T) {
		evs, err := mirror.ReadSince(ctx, "req-9", 1)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, EventSearchProgress, evs[0].Type)
		assert.Equal(t, uint64(3), evs[1].Seq)
		assert.JSONEq(t, `{"status":"COMPLETED"}`, string(evs[1].Payload))
		assert.Equal(t, "req-9", evs[1].RequestID)
	})

	t.Run("terminal sets ttl", func(t *testing.T) {
		assert.True(t, mr.TTL("test:events:req-9") > 0)
	})

	t.Run("unknown request is empty", func(t *testing.T) {
		evs, err := mirror.ReadSince(ctx, "nope", 0)
		require.NoError(t, err)
		assert.Empty(t, evs)
	})
}
