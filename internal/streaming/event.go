package streaming

import (
	"encoding/json"
	"time"
)

// EventType tags the payload of an Event.
type EventType string

const (
	EventStatus         EventType = "status"
	EventRouterDecision EventType = "router_decision"
	EventSearchProgress EventType = "search_progress"
	EventSummaryChunk   EventType = "summary_chunk"
	EventCompleted      EventType = "completed"
	EventCancelled      EventType = "cancelled"
	EventFailed         EventType = "failed"
)

// Terminal reports whether the event ends its stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventCancelled || t == EventFailed
}

// Event is one progress notification for a request. Seq is assigned by the
// request's single producer and starts at 1.
type Event struct {
	RequestID string          `json:"request_id"`
	Type      EventType       `json:"type"`
	Seq       uint64          `json:"sequence_number"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
