package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

// A terminal row is never overwritten by a later non-terminal write.
const upsertRequest = `
	INSERT INTO research_requests (
		request_id, session_id, question, workflow_type, status,
		total_queries, completed_queries, skipped_queries, partial_results,
		final_summary, error, warnings, cancel_reason, execution_summary,
		created_at, updated_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (request_id) DO UPDATE SET
		workflow_type = excluded.workflow_type,
		status = excluded.status,
		total_queries = excluded.total_queries,
		completed_queries = excluded.completed_queries,
		skipped_queries = excluded.skipped_queries,
		partial_results = excluded.partial_results,
		final_summary = excluded.final_summary,
		error = excluded.error,
		warnings = excluded.warnings,
		cancel_reason = excluded.cancel_reason,
		execution_summary = excluded.execution_summary,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at
	WHERE research_requests.status NOT IN ('COMPLETED', 'CANCELLED', 'FAILED')`

const upsertOutcome = `
	INSERT INTO search_outcomes (
		request_id, query_index, query, status, search_type, websites,
		content, citations, extracted_links, error, started_at, finished_at, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (request_id, query_index) DO UPDATE SET
		status = excluded.status,
		content = excluded.content,
		citations = excluded.citations,
		extracted_links = excluded.extracted_links,
		error = excluded.error,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at,
		duration_ms = excluded.duration_ms`

// SaveRequest upserts the request record.
func (c *Client) SaveRequest(ctx context.Context, req *workflow.Request) error {
	row, err := requestRowFrom(req)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, upsertRequest,
		row.RequestID, row.SessionID, row.Question, row.WorkflowType, row.Status,
		row.TotalQueries, row.CompletedQueries, row.SkippedQueries, row.PartialResults,
		row.FinalSummary, row.Error, row.Warnings, row.CancelReason, row.ExecutionSummary,
		row.CreatedAt, row.UpdatedAt, row.CompletedAt,
	)
	recordWrite("save_request", err)
	if err != nil {
		return fmt.Errorf("failed to save request %s: %w", req.RequestID, err)
	}
	return nil
}

// SaveOutcomes upserts every outcome of a request in one transaction.
func (c *Client) SaveOutcomes(ctx context.Context, requestID string, outcomes []search.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	err := c.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(upsertOutcome)
		for _, o := range outcomes {
			row, err := outcomeRowFrom(requestID, o)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query,
				row.RequestID, row.QueryIndex, row.Query, row.Status, row.SearchType, row.Websites,
				row.Content, row.Citations, row.ExtractedLinks, row.Error, row.StartedAt, row.FinishedAt, row.DurationMs,
			); err != nil {
				return err
			}
		}
		return nil
	})
	recordWrite("save_outcomes", err)
	if err != nil {
		return fmt.Errorf("failed to save outcomes of %s: %w", requestID, err)
	}
	return nil
}

// LoadRequest returns the stored request, or nil when there is none.
func (c *Client) LoadRequest(ctx context.Context, requestID string) (*workflow.Request, error) {
	var row RequestRow
	err := c.db.GetContext(ctx, &row, `SELECT * FROM research_requests WHERE request_id = ?`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	return row.toRequest()
}

// LoadOutcomes returns every stored outcome of a request, skipped ones included.
func (c *Client) LoadOutcomes(ctx context.Context, requestID string) ([]search.Outcome, error) {
	var rows []OutcomeRow
	err := c.db.SelectContext(ctx, &rows,
		`SELECT * FROM search_outcomes WHERE request_id = ? ORDER BY query_index`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes of %s: %w", requestID, err)
	}
	out := make([]search.Outcome, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOutcome()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func recordWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreWrites.WithLabelValues(op, result).Inc()
}

func requestRowFrom(req *workflow.Request) (RequestRow, error) {
	row := RequestRow{
		RequestID:        req.RequestID,
		SessionID:        req.SessionID,
		Question:         req.Question,
		WorkflowType:     string(req.WorkflowType),
		Status:           string(req.Status),
		TotalQueries:     req.TotalQueries,
		CompletedQueries: req.CompletedQueries,
		SkippedQueries:   req.SkippedQueries,
		FinalSummary:     req.FinalSummary,
		CancelReason:     req.CancelReason,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
		CompletedAt:      req.CompletedAt,
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	var err error
	if row.PartialResults, err = toJSON(req.PartialResults); err != nil {
		return row, fmt.Errorf("encode partial results: %w", err)
	}
	if req.Error != nil {
		if row.Error, err = toJSON(req.Error); err != nil {
			return row, fmt.Errorf("encode error: %w", err)
		}
	}
	if len(req.Warnings) > 0 {
		if row.Warnings, err = toJSON(req.Warnings); err != nil {
			return row, fmt.Errorf("encode warnings: %w", err)
		}
	}
	if req.Summary != nil {
		if row.ExecutionSummary, err = toJSON(req.Summary); err != nil {
			return row, fmt.Errorf("encode execution summary: %w", err)
		}
	}
	return row, nil
}

func (row RequestRow) toRequest() (*workflow.Request, error) {
	req := &workflow.Request{
		RequestID:        row.RequestID,
		SessionID:        row.SessionID,
		Question:         row.Question,
		WorkflowType:     workflow.WorkflowType(row.WorkflowType),
		Status:           workflow.Status(row.Status),
		TotalQueries:     row.TotalQueries,
		CompletedQueries: row.CompletedQueries,
		SkippedQueries:   row.SkippedQueries,
		PartialResults:   []search.Outcome{},
		FinalSummary:     row.FinalSummary,
		CancelReason:     row.CancelReason,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		CompletedAt:      row.CompletedAt,
	}
	if err := fromJSON(row.PartialResults, &req.PartialResults); err != nil {
		return nil, fmt.Errorf("decode partial results: %w", err)
	}
	if len(row.Error) > 0 {
		req.Error = &workflow.ErrorInfo{}
		if err := fromJSON(row.Error, req.Error); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
	}
	if err := fromJSON(row.Warnings, &req.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings: %w", err)
	}
	if len(row.ExecutionSummary) > 0 {
		req.Summary = &workflow.ExecutionSummary{}
		if err := fromJSON(row.ExecutionSummary, req.Summary); err != nil {
			return nil, fmt.Errorf("decode execution summary: %w", err)
		}
	}
	return req, nil
}

func outcomeRowFrom(requestID string, o search.Outcome) (OutcomeRow, error) {
	row := OutcomeRow{
		RequestID:  requestID,
		QueryIndex: o.QueryIndex,
		Query:      o.Query,
		Status:     string(o.Status),
		SearchType: string(o.SearchType),
		Content:    o.Content,
		FinishedAt: o.FinishedAt,
		DurationMs: o.DurationMs,
	}
	if !o.StartedAt.IsZero() {
		started := o.StartedAt
		row.StartedAt = &started
	}
	if row.FinishedAt.IsZero() {
		row.FinishedAt = time.Now().UTC()
	}
	var err error
	if row.Websites, err = toJSON(o.Websites); err != nil {
		return row, err
	}
	if row.Citations, err = toJSON(o.Citations); err != nil {
		return row, err
	}
	if row.ExtractedLinks, err = toJSON(o.ExtractedLinks); err != nil {
		return row, err
	}
	if o.Error != nil {
		if row.Error, err = toJSON(o.Error); err != nil {
			return row, err
		}
	}
	return row, nil
}

func (row OutcomeRow) toOutcome() (search.Outcome, error) {
	o := search.Outcome{
		QueryIndex: row.QueryIndex,
		Query:      row.Query,
		Status:     search.OutcomeStatus(row.Status),
		SearchType: search.TargetKind(row.SearchType),
		Content:    row.Content,
		FinishedAt: row.FinishedAt,
		DurationMs: row.DurationMs,
	}
	if row.StartedAt != nil {
		o.StartedAt = *row.StartedAt
	}
	for _, f := range []struct {
		src  JSON
		dest *[]string
	}{
		{row.Websites, &o.Websites},
		{row.Citations, &o.Citations},
		{row.ExtractedLinks, &o.ExtractedLinks},
	} {
		if err := fromJSON(f.src, f.dest); err != nil {
			return o, fmt.Errorf("decode outcome %d: %w", row.QueryIndex, err)
		}
	}
	if len(row.Error) > 0 {
		o.Error = &search.OutcomeError{}
		if err := fromJSON(row.Error, o.Error); err != nil {
			return o, fmt.Errorf("decode outcome %d error: %w", row.QueryIndex, err)
		}
	}
	return o, nil
}
