package workflow

import (
	"context"

	"github.com/goldfinch-research/orchestrator/internal/domains"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
)

// RouteDecision is the router's answer.
type RouteDecision struct {
	Type WorkflowType
	// Query is the router's restatement of the question; empty means use the
	// question as asked.
	Query string
	// DirectAnswer is set for TypeDirectResponse.
	DirectAnswer string
	Reason       string
}

// Router classifies a question.
type Router interface {
	Route(ctx context.Context, question string, history []Message) (RouteDecision, error)
}

// Planner turns a question into search queries and maps them onto catalog domains.
type Planner interface {
	GenerateQueries(ctx context.Context, question string, wt WorkflowType) ([]string, error)
	// MapDomains returns one host list per query, in query order.
	MapDomains(ctx context.Context, queries []string, catalog []domains.Domain) ([][]string, error)
}

// SummaryStream yields summary chunks. Next returns io.EOF after the last one.
type SummaryStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Summarizer streams a summary over the executed search outcomes.
type Summarizer interface {
	Summarize(ctx context.Context, question string, wt WorkflowType, results []search.Outcome) (SummaryStream, error)
}

// Store persists requests and outcomes. Writes are idempotent upserts.
type Store interface {
	SaveRequest(ctx context.Context, req *Request) error
	SaveOutcomes(ctx context.Context, requestID string, outcomes []search.Outcome) error
	LoadRequest(ctx context.Context, requestID string) (*Request, error)
}

// EventSink receives a copy of every emitted event. It must not block.
type EventSink interface {
	RecordEvent(evt streaming.Event)
}

// HistoryStore keeps per-session conversation history.
type HistoryStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Append(ctx context.Context, sessionID string, msgs ...Message) error
}

// DomainSource is the live domain catalog.
type DomainSource interface {
	Domains() []domains.Domain
	// Filter keeps the hosts present in the catalog.
	Filter(hosts []string) []string
}

// Canceller forwards cancels for requests this process may not own.
type Canceller interface {
	Cancel(ctx context.Context, requestID, reason string) (bool, error)
}
