package workflow

import (
	"time"

	"github.com/goldfinch-research/orchestrator/internal/search"
)

// Status is the lifecycle state of a research request.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusRouting     Status = "ROUTING"
	StatusPlanning    Status = "PLANNING"
	StatusSearching   Status = "SEARCHING"
	StatusSummarizing Status = "SUMMARIZING"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusFailed      Status = "FAILED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// WorkflowType is the router's classification of a question.
type WorkflowType string

const (
	// TypeProvideList produces a structured list of certifications.
	TypeProvideList WorkflowType = "Provide_a_List"
	// TypeSearchInternet produces a free-text answer.
	TypeSearchInternet WorkflowType = "Search_the_Internet"
	// TypeDirectResponse is answered by the router without searching.
	TypeDirectResponse WorkflowType = "direct_response"
)

// Valid reports whether t names a known workflow.
func (t WorkflowType) Valid() bool {
	switch t {
	case TypeProvideList, TypeSearchInternet, TypeDirectResponse:
		return true
	}
	return false
}

// ErrorKind classifies a workflow-level failure.
type ErrorKind string

const (
	ErrRouterTimeout        ErrorKind = "router_timeout"
	ErrNoWorkflowSelected   ErrorKind = "no_workflow_selected"
	ErrRouterFailure        ErrorKind = "router_failure"
	ErrPlanningFailure      ErrorKind = "planning_failure"
	ErrSummarizationFailure ErrorKind = "summarization_failure"
	ErrStoreFailure         ErrorKind = "store_failure"
	ErrInternal             ErrorKind = "internal"
)

// ErrorInfo is the user-facing error of a FAILED request.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Message is one turn of session history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Input starts a research request.
type Input struct {
	Question  string
	SessionID string
	// History overrides the stored session history when non-empty.
	History []Message
	// RequestID is generated when empty.
	RequestID string
}

// ExecutionSummary aggregates the search phase.
type ExecutionSummary struct {
	TotalSearches   int   `json:"total_searches"`
	GeneralSearches int   `json:"general_searches"`
	DomainSearches  int   `json:"domain_searches"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Skipped         int   `json:"skipped"`
	DurationMs      int64 `json:"duration_ms"`
}

// Request is the record of one research request. Only the request's own
// goroutine mutates it; everyone else sees copies.
type Request struct {
	RequestID        string            `json:"request_id"`
	SessionID        string            `json:"session_id"`
	Question         string            `json:"question"`
	WorkflowType     WorkflowType      `json:"workflow_type,omitempty"`
	Status           Status            `json:"status"`
	TotalQueries     int               `json:"total_queries"`
	CompletedQueries int               `json:"completed_queries"`
	SkippedQueries   int               `json:"skipped_queries"`
	PartialResults   []search.Outcome  `json:"partial_results"`
	FinalSummary     string            `json:"final_summary,omitempty"`
	Error            *ErrorInfo        `json:"error,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	CancelReason     string            `json:"cancel_reason,omitempty"`
	Summary          *ExecutionSummary `json:"execution_summary,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := *r
	c.PartialResults = append([]search.Outcome(nil), r.PartialResults...)
	if c.PartialResults == nil {
		c.PartialResults = []search.Outcome{}
	}
	c.Warnings = append([]string(nil), r.Warnings...)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.Summary != nil {
		s := *r.Summary
		c.Summary = &s
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress is embedded in every non-terminal event payload.
type Progress struct {
	Status           Status `json:"status"`
	TotalQueries     int    `json:"total_queries"`
	CompletedQueries int    `json:"completed_queries"`
	SkippedQueries   int    `json:"skipped_queries"`
	ResultCount      int    `json:"result_count"`
}

type statusPayload struct {
	Progress
	Message string `json:"message"`
}

type routerDecisionPayload struct {
	Progress
	WorkflowType WorkflowType `json:"workflow_type"`
	Reason       string       `json:"reason,omitempty"`
}

type searchProgressPayload struct {
	Progress
	Outcome search.Outcome `json:"outcome"`
}

type summaryChunkPayload struct {
	Progress
	Index int    `json:"index"`
	Chunk string `json:"chunk"`
}
