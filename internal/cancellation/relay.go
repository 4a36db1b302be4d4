package cancellation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
)

// DefaultRelayChannel is the Pub/Sub channel cancel requests travel on.
const DefaultRelayChannel = "goldfinch:cancel"

// relayMessage is the wire form of a relayed cancel request.
type relayMessage struct {
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason"`
	Origin    string    `json:"origin"`
	SentAt    time.Time `json:"sent_at"`
}

// RedisRelay forwards cancel requests between orchestrator instances. A request is
// owned by exactly one instance; the others only know it through the relay.
type RedisRelay struct {
	client   redis.UniversalClient
	registry *Registry
	channel  string
	origin   string
	logger   *zap.Logger
}

// NewRedisRelay builds a relay bound to the local registry.
func NewRedisRelay(client redis.UniversalClient, registry *Registry, channel string, logger *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	return &RedisRelay{
		client:   client,
		registry: registry,
		channel:  channel,
		origin:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:   logger,
	}
}

// Cancel applies the cancel locally when the token lives here, otherwise publishes it
// for the owning instance. The bool is the local answer; a relayed cancel reports
// false with a nil error because the outcome is decided elsewhere.
func (rr *RedisRelay) Cancel(ctx context.Context, requestID, reason string) (bool, error) {
	accepted, err := rr.registry.CancelActive(requestID, reason)
	if err == nil {
		return accepted, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	payload, mErr := json.Marshal(relayMessage{
		RequestID: requestID,
		Reason:    reason,
		Origin:    rr.origin,
		SentAt:    time.Now().UTC(),
	})
	if mErr != nil {
		return false, fmt.Errorf("marshal relay message: %w", mErr)
	}
	receivers, pErr := rr.client.Publish(ctx, rr.channel, payload).Result()
	if pErr != nil {
		metrics.CancelRelayMessages.WithLabelValues("out", "error").Inc()
		return false, fmt.Errorf("publish cancel: %w", pErr)
	}
	metrics.CancelRelayMessages.WithLabelValues("out", "published").Inc()
	rr.logger.Debug("Cancel relayed",
		zap.String("request_id", requestID),
		zap.Int64("receivers", receivers),
	)
	return false, ErrNotFound
}

// Run subscribes to the relay channel and applies cancels for locally owned requests
// until ctx is done.
func (rr *RedisRelay) Run(ctx context.Context) error {
	sub := rr.client.Subscribe(ctx, rr.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so publishers racing startup are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", rr.channel, err)
	}
	rr.logger.Info("Cancel relay subscribed", zap.String("channel", rr.channel), zap.String("origin", rr.origin))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rr.apply(msg.Payload)
		}
	}
}

func (rr *RedisRelay) apply(payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		metrics.CancelRelayMessages.WithLabelValues("in", "malformed").Inc()
		rr.logger.Warn("Dropping malformed relay message", zap.Error(err))
		return
	}
	if m.Origin == rr.origin {
		return
	}
	// Requests that already finished here keep their token only for the grace window.
	accepted, err := rr.registry.CancelActive(m.RequestID, m.Reason)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.CancelRelayMessages.WithLabelValues("in", "not_owner").Inc()
	case accepted:
		metrics.CancelRelayMessages.WithLabelValues("in", "accepted").Inc()
		rr.logger.Info("Relayed cancel applied",
			zap.String("request_id", m.RequestID),
			zap.String("origin", m.Origin),
		)
	default:
		metrics.CancelRelayMessages.WithLabelValues("in", "already_cancelled").Inc()
	}
}
