package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
)

var (
	// ErrClosed is returned when publishing after the terminal event.
	ErrClosed = errors.New("streaming: stream closed")
	// ErrDropped reports that a non-terminal event was not buffered for the consumer.
	ErrDropped = errors.New("streaming: event dropped")
	// ErrAlreadySubscribed is returned when a second consumer attaches.
	ErrAlreadySubscribed = errors.New("streaming: stream already has a consumer")
)

// OverflowPolicy decides what a full buffer does to a non-terminal publish.
type OverflowPolicy string

const (
	// OverflowBlock waits up to PublishTimeout for room, then drops.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDrop drops immediately.
	OverflowDrop OverflowPolicy = "drop"
)

// Options configures streams created by a Manager.
type Options struct {
	Buffer         int            `mapstructure:"buffer"`
	Overflow       OverflowPolicy `mapstructure:"overflow"`
	PublishTimeout time.Duration  `mapstructure:"publish_timeout"`
	RingCapacity   int            `mapstructure:"ring_capacity"`
	Retention      time.Duration  `mapstructure:"retention"`
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Buffer:         64,
		Overflow:       OverflowBlock,
		PublishTimeout: 2 * time.Second,
		RingCapacity:   256,
		Retention:      5 * time.Minute,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	if o.Overflow != OverflowDrop {
		o.Overflow = OverflowBlock
	}
	if o.RingCapacity < o.Buffer {
		o.RingCapacity = o.Buffer
	}
	return o
}

// Mirror receives a copy of every published event, e.g. for other instances.
type Mirror interface {
	Append(ctx context.Context, evt Event) error
}

// Stream is the ordered, single-consumer event channel of one request. It is
// bounded by Options.Buffer; the ring keeps recent events for reconnects. The
// terminal event is never dropped and closes the stream exactly once.
type Stream struct {
	requestID string
	opts      Options
	logger    *zap.Logger
	mirror    Mirror

	ch chan Event

	// sendMu serializes producers and subscribers touching ch.
	sendMu     sync.Mutex
	mu         sync.RWMutex
	history    *ring
	lastSeq    uint64
	closed     bool
	closedAt   time.Time
	subscribed atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

func newStream(requestID string, opts Options, mirror Mirror, logger *zap.Logger) *Stream {
	opts = opts.normalized()
	metrics.StreamsOpen.Inc()
	return &Stream{
		requestID: requestID,
		opts:      opts,
		logger:    logger,
		mirror:    mirror,
		ch:        make(chan Event, opts.Buffer),
		history:   newRing(opts.RingCapacity),
		done:      make(chan struct{}),
	}
}

// RequestID returns the owning request.
func (s *Stream) RequestID() string { return s.requestID }

// Done is closed once the terminal event has been buffered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Closed reports whether the terminal event was published.
func (s *Stream) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// LastSeq returns the sequence number of the latest published event.
func (s *Stream) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}

// Publish appends evt. Sequence numbers must strictly increase. A terminal
// event evicts the oldest buffered event if it has to, then closes the stream.
func (s *Stream) Publish(ctx context.Context, evt Event) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if evt.Seq <= s.lastSeq {
		s.mu.Unlock()
		return errors.New("streaming: sequence number must increase")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.RequestID = s.requestID
	s.lastSeq = evt.Seq
	s.history.push(evt)
	terminal := evt.Type.Terminal()
	if terminal {
		s.closed = true
		s.closedAt = time.Now()
	}
	s.mu.Unlock()

	metrics.StreamEventsPublished.WithLabelValues(string(evt.Type)).Inc()
	s.mirrorEvent(ctx, evt)

	if terminal {
		s.forceSend(evt)
		s.close()
		return nil
	}
	return s.send(ctx, evt)
}

func (s *Stream) send(ctx context.Context, evt Event) error {
	select {
	case s.ch <- evt:
		return nil
	default:
	}

	// Nobody attached yet: keep the newest events buffered, older ones stay replayable.
	if !s.subscribed.Load() {
		s.forceSend(evt)
		return nil
	}

	if s.opts.Overflow == OverflowDrop {
		return s.drop(evt, "buffer_full")
	}

	var timeout <-chan time.Time
	if s.opts.PublishTimeout > 0 {
		t := time.NewTimer(s.opts.PublishTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case s.ch <- evt:
		return nil
	case <-timeout:
		return s.drop(evt, "timeout")
	case <-ctx.Done():
		return s.drop(evt, "context")
	}
}

// forceSend buffers evt, evicting the oldest buffered events as needed. Only
// called with sendMu held, so the one concurrent reader can only make room.
func (s *Stream) forceSend(evt Event) {
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		select {
		case old := <-s.ch:
			metrics.StreamEventsDropped.WithLabelValues(string(old.Type), "evicted").Inc()
			s.logger.Debug("Evicted buffered event",
				zap.String("request_id", s.requestID),
				zap.String("type", string(old.Type)),
				zap.Uint64("seq", old.Seq),
			)
		default:
		}
	}
}

func (s *Stream) drop(evt Event, reason string) error {
	metrics.StreamEventsDropped.WithLabelValues(string(evt.Type), reason).Inc()
	s.logger.Warn("Dropped stream event",
		zap.String("request_id", s.requestID),
		zap.String("type", string(evt.Type)),
		zap.Uint64("seq", evt.Seq),
		zap.String("reason", reason),
	)
	return ErrDropped
}

func (s *Stream) mirrorEvent(ctx context.Context, evt Event) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Append(ctx, evt); err != nil {
		s.logger.Warn("Event mirror append failed",
			zap.String("request_id", s.requestID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
	}
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
		close(s.done)
		metrics.StreamsOpen.Dec()
	})
}

// Subscription is one consumer's view: Replay first, then everything on C.
// C is closed after the terminal event.
type Subscription struct {
	Replay []Event
	C      <-chan Event

	stream *Stream
	once   sync.Once
}

// Close detaches the consumer so another may attach, e.g. after a reconnect.
func (sub *Subscription) Close() {
	sub.once.Do(func() { sub.stream.subscribed.Store(false) })
}

// Subscribe attaches the single consumer. Events with Seq > since that were
// already buffered or evicted are returned in Replay, in order, without gaps
// as long as they are still in the ring.
func (s *Stream) Subscribe(since uint64) (*Subscription, error) {
	if !s.subscribed.CompareAndSwap(false, true) {
		return nil, ErrAlreadySubscribed
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	// Everything in the channel is also in the ring; drain it and serve the
	// ring instead so the consumer sees one contiguous sequence.
drain:
	for {
		select {
		case _, ok := <-s.ch:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}

	s.mu.RLock()
	replay := s.history.since(since)
	s.mu.RUnlock()

	return &Subscription{Replay: replay, C: s.ch, stream: s}, nil
}

// ReplaySince returns retained events with Seq > since.
func (s *Stream) ReplaySince(since uint64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.since(since)
}
