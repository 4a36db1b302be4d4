package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSON is a json/jsonb column. A nil value is stored as SQL NULL.
type JSON json.RawMessage

// Value implements the driver.Valuer interface. The value is sent as text so
// postgres can cast it to jsonb.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements the sql.Scanner interface
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into JSON", value)
	}
	return nil
}

func toJSON(v interface{}) (JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return JSON(b), nil
}

func fromJSON(j JSON, dest interface{}) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, dest)
}

// RequestRow is a research_requests row.
type RequestRow struct {
	RequestID        string     `db:"request_id"`
	SessionID        string     `db:"session_id"`
	Question         string     `db:"question"`
	WorkflowType     string     `db:"workflow_type"`
	Status           string     `db:"status"`
	TotalQueries     int        `db:"total_queries"`
	CompletedQueries int        `db:"completed_queries"`
	SkippedQueries   int        `db:"skipped_queries"`
	PartialResults   JSON       `db:"partial_results"`
	FinalSummary     string     `db:"final_summary"`
	Error            JSON       `db:"error"`
	Warnings         JSON       `db:"warnings"`
	CancelReason     string     `db:"cancel_reason"`
	ExecutionSummary JSON       `db:"execution_summary"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at"`
}

// OutcomeRow is a search_outcomes row.
type OutcomeRow struct {
	RequestID      string     `db:"request_id"`
	QueryIndex     int        `db:"query_index"`
	Query          string     `db:"query"`
	Status         string     `db:"status"`
	SearchType     string     `db:"search_type"`
	Websites       JSON       `db:"websites"`
	Content        string     `db:"content"`
	Citations      JSON       `db:"citations"`
	ExtractedLinks JSON       `db:"extracted_links"`
	Error          JSON       `db:"error"`
	StartedAt      *time.Time `db:"started_at"`
	FinishedAt     time.Time  `db:"finished_at"`
	DurationMs     int64      `db:"duration_ms"`
}

// EventLog is a persisted stream event.
type EventLog struct {
	ID        uuid.UUID `db:"id"`
	RequestID string    `db:"request_id"`
	Type      string    `db:"type"`
	Seq       uint64    `db:"seq"`
	Payload   JSON      `db:"payload"`
	Timestamp time.Time `db:"timestamp"`
	CreatedAt time.Time `db:"created_at"`
}
