package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/voicegate/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultErrorBuffer = 16

// EventContext is what a listener receives for one transition.
type EventContext struct {
	Track uuid.UUID
	Event Event
	// Seq is assigned when the transition happens; it increases per track.
	Seq   uint64
	State State
	At    time.Time
}

// Listener reacts to track events. It runs on the subscription's own
// goroutine and may block without affecting playback.
type Listener interface {
	OnEvent(ctx context.Context, ev EventContext) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev EventContext) error

func (f ListenerFunc) OnEvent(ctx context.Context, ev EventContext) error { return f(ctx, ev) }

// Subscription is one listener attached to one or more event kinds of a track.
// Events are queued without bound and delivered in occurrence order.
type Subscription struct {
	id       uint64
	kinds    map[Event]struct{}
	listener Listener
	detach   func(*Subscription)
	log      zerolog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []EventContext
	closed  bool
	lastSeq uint64
	wake    chan struct{}

	errs chan error
	done chan struct{}
}

func newSubscription(id uint64, kinds []Event, l Listener, errBuf int, log zerolog.Logger, m *metrics.Metrics, detach func(*Subscription)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:       id,
		kinds:    make(map[Event]struct{}, len(kinds)),
		listener: l,
		detach:   detach,
		log:      log,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		errs:     make(chan error, errBuf),
		done:     make(chan struct{}),
	}
	for _, k := range kinds {
		s.kinds[k] = struct{}{}
	}
	go s.run()
	return s
}

// Errors reports listener failures and panics. It is closed once delivery
// has finished.
func (s *Subscription) Errors() <-chan error { return s.errs }

// Done is closed when the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel detaches the listener. Queued events are discarded; a delivery in
// progress sees its context cancelled.
func (s *Subscription) Cancel() {
	s.detach(s)
	s.cancel()
}

func (s *Subscription) wants(e Event) bool {
	_, ok := s.kinds[e]
	return ok
}

func (s *Subscription) enqueue(ev EventContext) {
	s.mu.Lock()
	if s.closed || ev.Seq <= s.lastSeq {
		s.mu.Unlock()
		return
	}
	s.lastSeq = ev.Seq
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// close lets the queue drain and then stops the delivery goroutine.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (EventContext, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = EventContext{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return EventContext{}, false
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return EventContext{}, false
		}
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer close(s.errs)
	defer s.cancel()
	for {
		ev, ok := s.next()
		if !ok || s.ctx.Err() != nil {
			return
		}
		s.deliver(ev)
	}
}

func (s *Subscription) deliver(ev EventContext) {
	defer func() {
		if r := recover(); r != nil {
			s.report(fmt.Errorf("listener panic on %s: %v", ev.Event, r))
		}
	}()
	if err := s.listener.OnEvent(s.ctx, ev); err != nil {
		s.report(fmt.Errorf("listener failed on %s: %w", ev.Event, err))
	}
}

func (s *Subscription) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.metrics.DeliveryDropped()
		s.log.Warn().Err(err).Uint64("subscription", s.id).Msg("listener error dropped, buffer full")
	}
}
