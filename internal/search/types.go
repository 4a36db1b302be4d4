package search

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TargetKind says where a query is searched.
type TargetKind string

const (
	TargetGeneralWeb TargetKind = "general_web"
	TargetDomain     TargetKind = "domain_filtered"

	// TargetDirectResponse marks the synthetic outcome of a router that answered
	// without searching.
	TargetDirectResponse TargetKind = "direct_llm_response"
)

// Target is either the open web or a set of domains the provider must restrict to.
type Target struct {
	Kind    TargetKind `json:"kind"`
	Domains []string   `json:"domains,omitempty"`
}

// GeneralWeb returns the unrestricted target.
func GeneralWeb() Target { return Target{Kind: TargetGeneralWeb} }

// Domains returns a target restricted to the given hosts.
func Domains(hosts ...string) Target {
	return Target{Kind: TargetDomain, Domains: append([]string(nil), hosts...)}
}

// DomainID is a stable identifier for a domain target.
func (t Target) DomainID() string {
	if t.Kind != TargetDomain {
		return ""
	}
	return strings.Join(t.Domains, ",")
}

func (t Target) String() string {
	if t.Kind == TargetDomain {
		return fmt.Sprintf("domain(%s)", t.DomainID())
	}
	return string(TargetGeneralWeb)
}

// TaskState is the lifecycle of a SearchTask.
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskSkipped
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "PENDING"
	case TaskRunning:
		return "RUNNING"
	case TaskDone:
		return "DONE"
	case TaskSkipped:
		return "SKIPPED"
	case TaskFailed:
		return "FAILED"
	case TaskCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskSkipped || s == TaskFailed || s == TaskCancelled
}

// ErrInvalidTransition is returned when a task is moved along an edge its
// lifecycle does not have.
var ErrInvalidTransition = errors.New("search: invalid task transition")

// Task is one planned query against one target. Identity is (RequestID, QueryIndex).
type Task struct {
	RequestID  string
	QueryIndex int
	Query      string
	Target     Target
	// Structured asks the provider for the certification-list output shape.
	Structured bool

	state atomic.Int32
}

// NewTask creates a PENDING task.
func NewTask(requestID string, index int, query string, target Target) *Task {
	return &Task{RequestID: requestID, QueryIndex: index, Query: query, Target: target}
}

// State returns the current state. Safe for concurrent readers.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// Transition moves the task to next if the edge exists.
//
//	PENDING -> RUNNING | SKIPPED | CANCELLED
//	RUNNING -> DONE | FAILED
func (t *Task) Transition(next TaskState) error {
	cur := t.State()
	valid := false
	switch cur {
	case TaskPending:
		valid = next == TaskRunning || next == TaskSkipped || next == TaskCancelled
	case TaskRunning:
		valid = next == TaskDone || next == TaskFailed
	}
	if !valid || !t.state.CompareAndSwap(int32(cur), int32(next)) {
		return fmt.Errorf("%w: task %d %s -> %s", ErrInvalidTransition, t.QueryIndex, cur, next)
	}
	return nil
}

// OutcomeStatus is the arm of the SearchOutcome variant.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// ErrorKind classifies a failed or skipped outcome.
type ErrorKind string

const (
	ErrorTimeout   ErrorKind = "timeout"
	ErrorProvider  ErrorKind = "provider_error"
	ErrorMalformed ErrorKind = "malformed_response"
	ErrorPanic     ErrorKind = "panic"
	ErrorCancelled ErrorKind = "cancelled"
	ErrorShutdown  ErrorKind = "shutdown"
)

// OutcomeError describes why an outcome is not a success.
type OutcomeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *OutcomeError) Error() string { return string(e.Kind) + ": " + e.Message }

// Outcome is the immutable result of a Task. Exactly one of the three arms applies:
// success carries Content/Citations, failed and skipped carry Error.
type Outcome struct {
	QueryIndex     int           `json:"query_index"`
	Query          string        `json:"query"`
	Status         OutcomeStatus `json:"status"`
	SearchType     TargetKind    `json:"search_type"`
	Websites       []string      `json:"websites"`
	Content        string        `json:"content,omitempty"`
	Citations      []string      `json:"citations"`
	ExtractedLinks []string      `json:"extracted_links"`
	Error          *OutcomeError `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	FinishedAt     time.Time     `json:"finished_at"`
	DurationMs     int64         `json:"duration_ms"`
}

// Succeeded reports whether this is the success arm.
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSuccess }

// Executed reports whether the external call was made (success or failed).
func (o Outcome) Executed() bool { return o.Status != OutcomeSkipped }

func baseOutcome(t *Task) Outcome {
	websites := t.Target.Domains
	if websites == nil {
		websites = []string{}
	}
	return Outcome{
		QueryIndex:     t.QueryIndex,
		Query:          t.Query,
		SearchType:     t.Target.Kind,
		Websites:       websites,
		Citations:      []string{},
		ExtractedLinks: []string{},
	}
}

// SkippedOutcome builds the skipped arm for a task that never started.
func SkippedOutcome(t *Task, kind ErrorKind, msg string, at time.Time) Outcome {
	o := baseOutcome(t)
	o.Status = OutcomeSkipped
	o.Error = &OutcomeError{Kind: kind, Message: msg}
	o.FinishedAt = at
	return o
}
