package streaming

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStreamExists is returned by Create for a request id already in use.
	ErrStreamExists = errors.New("streaming: stream already exists")
	// ErrUnknownRequest is returned for ids with no live or retained stream.
	ErrUnknownRequest = errors.New("streaming: unknown request")
)

// Manager owns the streams of every request in this process. Closed streams
// are retained for Options.Retention so late consumers can still replay.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	timers  map[string]*time.Timer
	opts    Options
	mirror  Mirror
	logger  *zap.Logger
}

// NewManager creates a manager. mirror may be nil.
func NewManager(opts Options, mirror Mirror, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		streams: make(map[string]*Stream),
		timers:  make(map[string]*time.Timer),
		opts:    opts.normalized(),
		mirror:  mirror,
		logger:  logger,
	}
}

// Options returns the effective stream options.
func (m *Manager) Options() Options { return m.opts }

// Create opens the stream for requestID.
func (m *Manager) Create(requestID string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[requestID]; ok {
		return nil, ErrStreamExists
	}
	s := newStream(requestID, m.opts, m.mirror, m.logger)
	m.streams[requestID] = s
	go m.retainAfterClose(s)
	return s, nil
}

func (m *Manager) retainAfterClose(s *Stream) {
	<-s.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.streams[s.requestID]; !ok || cur != s {
		return
	}
	if m.opts.Retention <= 0 {
		delete(m.streams, s.requestID)
		return
	}
	m.timers[s.requestID] = time.AfterFunc(m.opts.Retention, func() { m.Remove(s.requestID) })
}

// Get returns the stream for requestID.
func (m *Manager) Get(requestID string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[requestID]
	return s, ok
}

// Subscribe attaches the single consumer of requestID's stream.
func (m *Manager) Subscribe(requestID string, since uint64) (*Subscription, error) {
	s, ok := m.Get(requestID)
	if !ok {
		return nil, ErrUnknownRequest
	}
	return s.Subscribe(since)
}

// ReplaySince returns retained events with Seq > since, or nil for unknown ids.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	s, ok := m.Get(requestID)
	if !ok {
		return nil
	}
	return s.ReplaySince(since)
}

// Remove forgets requestID's stream immediately.
func (m *Manager) Remove(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[requestID]; ok {
		t.Stop()
		delete(m.timers, requestID)
	}
	delete(m.streams, requestID)
}

// Len returns the number of live and retained streams.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Close stops retention timers. Open streams are left to their producers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
