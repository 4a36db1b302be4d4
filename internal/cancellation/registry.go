package cancellation

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
)

var (
	// ErrDuplicateRequest is returned by Create when the request id is already registered.
	ErrDuplicateRequest = errors.New("cancellation: duplicate request")
	// ErrNotFound is returned by Cancel for ids the registry does not know.
	// Callers treat it as a benign no-op.
	ErrNotFound = errors.New("cancellation: request not found")
)

// State is the lifecycle state of a token. It only ever moves Active -> CancelRequested.
type State int32

const (
	StateActive State = iota
	StateCancelRequested
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateCancelRequested:
		return "CANCEL_REQUESTED"
	default:
		return "UNKNOWN"
	}
}

// Token is the cancellation signal for one request. Holders can observe it but
// only the Registry can flip it.
type Token struct {
	requestID string
	state     atomic.Int32
	done      chan struct{}

	mu          sync.RWMutex
	reason      string
	requestedAt time.Time
}

func newToken(requestID string) *Token {
	return &Token{requestID: requestID, done: make(chan struct{})}
}

// RequestID returns the id the token was created for.
func (t *Token) RequestID() string { return t.requestID }

// Cancelled reports whether cancellation has been requested. Non-blocking.
func (t *Token) Cancelled() bool {
	return State(t.state.Load()) == StateCancelRequested
}

// State returns the current token state.
func (t *Token) State() State { return State(t.state.Load()) }

// Done is closed when cancellation is requested. It lets a caller stop waiting on
// a pending decision; it never interrupts work already handed to a provider.
func (t *Token) Done() <-chan struct{} { return t.done }

// Reason returns the cancel reason and when it was requested (zero values while active).
func (t *Token) Reason() (string, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason, t.requestedAt
}

// requestCancel performs the single ACTIVE -> CANCEL_REQUESTED transition.
func (t *Token) requestCancel(reason string, now time.Time) bool {
	if !t.state.CompareAndSwap(int32(StateActive), int32(StateCancelRequested)) {
		return false
	}
	t.mu.Lock()
	t.reason = reason
	t.requestedAt = now
	t.mu.Unlock()
	close(t.done)
	return true
}

// Snapshot is a read-only copy of a token.
type Snapshot struct {
	RequestID   string    `json:"request_id"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
	Releasing   bool      `json:"releasing"`
}

type entry struct {
	token     *Token
	releasing bool
	timer     *time.Timer
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Config tunes the registry.
type Config struct {
	// Shards is the number of lock stripes. Rounded up to at least 1.
	Shards int
	// ReleaseGrace is how long a released token stays visible so a cancel racing
	// completion still finds it.
	ReleaseGrace time.Duration
}

// DefaultConfig returns the defaults used by the service.
func DefaultConfig() Config {
	return Config{Shards: 32, ReleaseGrace: 5 * time.Second}
}

// Registry is the process-wide table of cancellation tokens keyed by request id.
// It is safe for concurrent use and is passed explicitly to its users.
type Registry struct {
	shards []*shard
	grace  time.Duration
	logger *zap.Logger
	now    func() time.Time
	size   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.ReleaseGrace < 0 {
		cfg.ReleaseGrace = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		shards: make([]*shard, cfg.Shards),
		grace:  cfg.ReleaseGrace,
		logger: logger,
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(requestID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Create registers a fresh ACTIVE token for requestID.
func (r *Registry) Create(requestID string) (*Token, error) {
	s := r.shardFor(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[requestID]; exists {
		return nil, ErrDuplicateRequest
	}
	tok := newToken(requestID)
	s.entries[requestID] = &entry{token: tok}
	r.size.Add(1)
	metrics.CancellationTokensActive.Inc()
	return tok, nil
}

// Cancel requests cancellation. It returns true only for the call that caused the
// transition; repeated calls return false. Unknown ids return (false, ErrNotFound).
func (r *Registry) Cancel(requestID, reason string) (bool, error) {
	return r.cancel(requestID, reason, true)
}

// CancelActive is Cancel for callers that cannot tell whether the request has
// already finished. Tokens in their release grace window are left untouched and
// report (false, nil).
func (r *Registry) CancelActive(requestID, reason string) (bool, error) {
	return r.cancel(requestID, reason, false)
}

func (r *Registry) cancel(requestID, reason string, releasing bool) (bool, error) {
	s := r.shardFor(requestID)
	s.mu.RLock()
	e, ok := s.entries[requestID]
	finished := ok && e.releasing
	s.mu.RUnlock()
	if !ok {
		metrics.CancellationRequests.WithLabelValues("not_found").Inc()
		return false, ErrNotFound
	}
	if finished && !releasing {
		metrics.CancellationRequests.WithLabelValues("finished").Inc()
		return false, nil
	}
	if !e.token.requestCancel(reason, r.now()) {
		metrics.CancellationRequests.WithLabelValues("already_cancelled").Inc()
		return false, nil
	}
	metrics.CancellationRequests.WithLabelValues("accepted").Inc()
	r.logger.Info("Cancellation requested",
		zap.String("request_id", requestID),
		zap.String("reason", reason),
	)
	return true, nil
}

// IsCancelled is a non-blocking read. Unknown ids report false.
func (r *Registry) IsCancelled(requestID string) bool {
	tok, ok := r.Lookup(requestID)
	return ok && tok.Cancelled()
}

// Lookup returns the token for requestID.
func (r *Registry) Lookup(requestID string) (*Token, bool) {
	s := r.shardFor(requestID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.token, true
}

// Snapshot returns a copy of the token state for requestID.
func (r *Registry) Snapshot(requestID string) (Snapshot, bool) {
	s := r.shardFor(requestID)
	s.mu.RLock()
	e, ok := s.entries[requestID]
	var releasing bool
	if ok {
		releasing = e.releasing
	}
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	reason, at := e.token.Reason()
	return Snapshot{
		RequestID:   requestID,
		State:       e.token.State().String(),
		Reason:      reason,
		RequestedAt: at,
		Releasing:   releasing,
	}, true
}

// Release evicts the token after the grace window. Calling it twice is harmless.
func (r *Registry) Release(requestID string) {
	s := r.shardFor(requestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[requestID]
	if !ok || e.releasing {
		return
	}
	e.releasing = true
	if r.grace == 0 {
		r.evictLocked(s, requestID, e)
		return
	}
	e.timer = time.AfterFunc(r.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.entries[requestID]; ok && cur == e {
			r.evictLocked(s, requestID, e)
		}
	})
}

func (r *Registry) evictLocked(s *shard, requestID string, e *entry) {
	delete(s.entries, requestID)
	r.size.Add(-1)
	metrics.CancellationTokensActive.Dec()
	r.logger.Debug("Cancellation token released",
		zap.String("request_id", requestID),
		zap.Bool("cancelled", e.token.Cancelled()),
	)
}

// Len returns the number of tokens currently held, including ones in their grace window.
func (r *Registry) Len() int { return int(r.size.Load()) }

// Close stops pending eviction timers and drops every token.
func (r *Registry) Close() {
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			r.evictLocked(s, id, e)
		}
		s.mu.Unlock()
	}
}
