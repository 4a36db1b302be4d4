package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
)

// RedisMirror copies events into a capped Redis Stream per request so that a
// consumer connected to another instance can read them.
type RedisMirror struct {
	rw     *circuitbreaker.RedisWrapper
	prefix string
	maxLen int64
	ttl    time.Duration
}

// NewRedisMirror creates a mirror writing to "<prefix><request_id>".
func NewRedisMirror(rw *circuitbreaker.RedisWrapper, prefix string, maxLen int64, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "goldfinch:events:"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{rw: rw, prefix: prefix, maxLen: maxLen, ttl: ttl}
}

func (m *RedisMirror) key(requestID string) string { return m.prefix + requestID }

// Append implements Mirror. The key expires ttl after the terminal event.
func (m *RedisMirror) Append(ctx context.Context, evt Event) error {
	key := m.key(evt.RequestID)
	return m.rw.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: m.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"seq":       strconv.FormatUint(evt.Seq, 10),
				"type":      string(evt.Type),
				"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
				"payload":   string(evt.Payload),
			},
		})
		if evt.Type.Terminal() {
			p.Expire(ctx, key, m.ttl)
		}
		return nil
	})
}

// ReadSince returns mirrored events of requestID with Seq > since, oldest first.
func (m *RedisMirror) ReadSince(ctx context.Context, requestID string, since uint64) ([]Event, error) {
	var msgs []redis.XMessage
	err := m.rw.Do(ctx, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		msgs, err = c.XRange(ctx, m.key(requestID), "-", "+").Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read mirrored events: %w", err)
	}

	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := decodeMessage(requestID, msg)
		if err != nil {
			return nil, err
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

func decodeMessage(requestID string, msg redis.XMessage) (Event, error) {
	str := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("mirrored event %s: bad seq: %w", msg.ID, err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, str("timestamp"))
	evt := Event{RequestID: requestID, Type: EventType(str("type")), Seq: seq, Timestamp: ts}
	if p := str("payload"); p != "" {
		evt.Payload = json.RawMessage(p)
	}
	return evt, nil
}
