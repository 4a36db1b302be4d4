package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/goldfinch-research/orchestrator/internal/streaming"
)

const insertEventLog = `
	INSERT INTO event_logs (id, request_id, type, seq, payload, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (request_id, seq) DO NOTHING`

func eventLogFrom(evt streaming.Event) EventLog {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return EventLog{
		ID:        uuid.New(),
		RequestID: evt.RequestID,
		Type:      string(evt.Type),
		Seq:       evt.Seq,
		Payload:   JSON(evt.Payload),
		Timestamp: ts,
		CreatedAt: time.Now().UTC(),
	}
}

// SaveEventLogs inserts a batch of event rows. Rows already present are kept.
func (c *Client) SaveEventLogs(ctx context.Context, logs []EventLog) error {
	if len(logs) == 0 {
		return nil
	}
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(insertEventLog)
		for _, e := range logs {
			if _, err := tx.ExecContext(ctx, query,
				e.ID, e.RequestID, e.Type, e.Seq, e.Payload, e.Timestamp, e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
	recordWrite("event_log", err)
	return err
}

// ReadSince returns persisted events of requestID with Seq > since, in order.
func (c *Client) ReadSince(ctx context.Context, requestID string, since uint64) ([]streaming.Event, error) {
	var rows []EventLog
	err := c.db.SelectContext(ctx, &rows,
		`SELECT * FROM event_logs WHERE request_id = ? AND seq > ? ORDER BY seq`, requestID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load events of %s: %w", requestID, err)
	}
	out := make([]streaming.Event, 0, len(rows))
	for _, row := range rows {
		evt := streaming.Event{
			RequestID: row.RequestID,
			Type:      streaming.EventType(row.Type),
			Seq:       row.Seq,
			Timestamp: row.Timestamp,
		}
		if len(row.Payload) > 0 {
			evt.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, evt)
	}
	return out, nil
}
