package shard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/metrics"
	"github.com/keshon/voicegate/pkg/ratelimit"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 10 * time.Second
)

// VoiceUpdate is the outbound voice state change (gateway opcode 4).
// A nil ChannelID asks the gateway to leave voice in that guild.
type VoiceUpdate struct {
	ShardID   uint64
	GuildID   ids.GuildID
	ChannelID *ids.ChannelID
	SelfMute  bool
	SelfDeaf  bool
}

// Gateway is the external client that owns the shard sockets.
// SendVoiceUpdate may run on any goroutine; it must return once the update
// has been handed to the shard connection.
type Gateway interface {
	SendVoiceUpdate(ctx context.Context, update VoiceUpdate) error
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, update VoiceUpdate) error

func (f GatewayFunc) SendVoiceUpdate(ctx context.Context, update VoiceUpdate) error {
	return f(ctx, update)
}

// Ack resolves once the gateway has accepted (or refused) a submitted update.
// It is resolved exactly once.
type Ack struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func (a *Ack) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed when the acknowledgement is resolved.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the delivery error, or nil while unresolved or on success.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the ack resolves or ctx is done.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type request struct {
	update VoiceUpdate
	ack    *Ack
	// flush marks the end of the queue for Shutdown; nothing is sent.
	flush bool
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithQueueSize bounds the number of updates waiting for the worker.
func WithQueueSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithLimiter paces gateway calls.
func WithLimiter(l *ratelimit.AdaptiveLimiter) BridgeOption {
	return func(b *Bridge) {
		if l != nil {
			b.limiter = l
		}
	}
}

// WithSendTimeout bounds a single gateway call.
func WithSendTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

func WithBridgeLogger(log zerolog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

func WithBridgeMetrics(m *metrics.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is the per-shard asynchronous channel to the gateway. Submit never
// blocks; a single worker (Run) delivers updates in submission order.
type Bridge struct {
	shardID     uint64
	gateway     Gateway
	queueSize   int
	queue       chan request
	limiter     *ratelimit.AdaptiveLimiter
	sendTimeout time.Duration
	log         zerolog.Logger
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewBridge creates a bridge for one shard. Run must be started for
// submissions to be delivered; the Router does that on Register.
func NewBridge(shardID uint64, gw Gateway, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		shardID:     shardID,
		gateway:     gw,
		queueSize:   defaultQueueSize,
		limiter:     ratelimit.Unlimited(),
		sendTimeout: defaultSendTimeout,
		log:         zerolog.Nop(),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan request, b.queueSize)
	b.log = logging.Component(b.log, "bridge").With().Uint64("shard", shardID).Logger()
	return b
}

// ShardID returns the shard index this bridge serves.
func (b *Bridge) ShardID() uint64 { return b.shardID }

// Submit enqueues an update and returns immediately. The returned Ack
// resolves when the gateway call completes. A closed bridge or a full queue
// yields ErrBridgeUnavailable; nothing is retried.
func (b *Bridge) Submit(update VoiceUpdate) (*Ack, error) {
	update.ShardID = b.shardID

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.metrics.Submission(b.label(), "closed")
		return nil, fmt.Errorf("%w: shard %d is closed", ErrBridgeUnavailable, b.shardID)
	}

	req := request{update: update, ack: newAck()}
	select {
	case b.queue <- req:
		return req.ack, nil
	default:
		b.metrics.Submission(b.label(), "queue_full")
		return nil, fmt.Errorf("%w: shard %d queue is full", ErrBridgeUnavailable, b.shardID)
	}
}

// Run delivers queued updates until ctx is done or the bridge is closed.
// Updates still queued at that point resolve with ErrBridgeUnavailable.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.log.Debug().Msg("worker started")
	defer b.log.Debug().Msg("worker stopped")

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return nil
		case req := <-b.queue:
			if req.flush {
				req.ack.resolve(nil)
				continue
			}
			b.deliver(ctx, req)
		}
	}
}

// Close rejects further submissions and fails whatever is still queued.
// It is safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stop) })
	b.drain()
}

// Shutdown rejects further submissions and waits until the updates already
// queued have been delivered, or ctx is done, before closing the bridge.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	flushed := newAck()
	select {
	case b.queue <- request{ack: flushed, flush: true}:
		select {
		case <-flushed.Done():
		case <-ctx.Done():
		case <-b.stop:
		}
	case <-ctx.Done():
	case <-b.stop:
	}
	b.Close()
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bridge) drain() {
	for {
		select {
		case req := <-b.queue:
			req.ack.resolve(fmt.Errorf("%w: shard %d closed before delivery", ErrBridgeUnavailable, b.shardID))
		default:
			return
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, req request) {
	if err := b.limiter.Wait(ctx); err != nil {
		req.ack.resolve(fmt.Errorf("%w: shard %d: %v", ErrBridgeUnavailable, b.shardID, err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()

	err := b.send(sendCtx, req.update)
	if err != nil {
		b.limiter.RateLimited()
		b.metrics.Submission(b.label(), "error")
		b.log.Warn().Err(err).Str("guild", req.update.GuildID.String()).
			Float64("rate", b.limiter.CurrentLimit()).Msg("voice update failed")
		req.ack.resolve(fmt.Errorf("shard %d: send voice update: %w", b.shardID, err))
		return
	}

	b.limiter.Success()
	b.metrics.Submission(b.label(), "ok")
	b.log.Debug().Str("guild", req.update.GuildID.String()).
		Bool("leave", req.update.ChannelID == nil).Msg("voice update delivered")
	req.ack.resolve(nil)
}

// send isolates the worker from a misbehaving gateway.
func (b *Bridge) send(ctx context.Context, update VoiceUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gateway panic: %v", r)
		}
	}()
	return b.gateway.SendVoiceUpdate(ctx, update)
}

func (b *Bridge) label() string {
	return strconv.FormatUint(b.shardID, 10)
}
