package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

// Manager keeps per-session chat history in a capped Redis list.
type Manager struct {
	client   *circuitbreaker.RedisWrapper
	logger   *zap.Logger
	prefix   string
	ttl      time.Duration
	maxItems int64
}

// Options tune history retention.
type Options struct {
	Prefix   string
	TTL      time.Duration
	MaxItems int64
}

// NewManager creates a history manager on an existing wrapped client.
func NewManager(client *circuitbreaker.RedisWrapper, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "goldfinch:session:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 50
	}
	return &Manager{
		client:   client,
		logger:   logger,
		prefix:   opts.Prefix,
		ttl:      opts.TTL,
		maxItems: opts.MaxItems,
	}
}

func (m *Manager) historyKey(sessionID string) string {
	return m.prefix + sessionID + ":history"
}

// Recent returns up to limit of the newest messages, oldest first.
func (m *Manager) Recent(ctx context.Context, sessionID string, limit int) ([]workflow.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	if limit <= 0 {
		return []workflow.Message{}, nil
	}

	var raw []string
	err := m.client.Do(ctx, func(ctx context.Context, c redis.UniversalClient) error {
		var err error
		raw, err = c.LRange(ctx, m.historyKey(sessionID), int64(-limit), -1).Result()
		return err
	})
	if err != nil {
		metrics.SessionHistoryOps.WithLabelValues("read", "error").Inc()
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	metrics.SessionHistoryOps.WithLabelValues("read", "ok").Inc()

	out := make([]workflow.Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			m.logger.Warn("Skipping malformed history entry",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, workflow.Message{Role: msg.Role, Content: msg.Content, Timestamp: msg.Timestamp})
	}
	return out, nil
}

// Append adds messages, trims the list to the newest MaxItems and refreshes the TTL.
func (m *Manager) Append(ctx context.Context, sessionID string, msgs ...workflow.Message) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	if len(msgs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		data, err := json.Marshal(Message{
			ID:        uuid.NewString(),
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: ts,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	key := m.historyKey(sessionID)
	err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, values...)
		p.LTrim(ctx, key, -m.maxItems, -1)
		p.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		metrics.SessionHistoryOps.WithLabelValues("append", "error").Inc()
		return fmt.Errorf("failed to append session history: %w", err)
	}
	metrics.SessionHistoryOps.WithLabelValues("append", "ok").Inc()
	m.logger.Debug("Appended session history",
		zap.String("session_id", sessionID),
		zap.Int("messages", len(msgs)),
	)
	return nil
}

// Delete removes a session's history.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	err := m.client.Do(ctx, func(ctx context.Context, c redis.UniversalClient) error {
		return c.Del(ctx, m.historyKey(sessionID)).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.logger.Info("Deleted session history", zap.String("session_id", sessionID))
	return nil
}

// RedisWrapper returns the underlying Redis circuit breaker wrapper for health checks.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper {
	return m.client
}
