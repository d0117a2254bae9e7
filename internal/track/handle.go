package track

import (
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultMaxVolume     = 2.0
	defaultFrameDuration = 20 * time.Millisecond
)

type options struct {
	maxVolume float64
	frame     time.Duration
	paused    bool
	loops     int
	errBuffer int
	log       zerolog.Logger
	metrics   *metrics.Metrics
	subs      []pendingSubscription
}

type pendingSubscription struct {
	listener Listener
	kinds    []Event
}

// Option configures a track.
type Option func(*options)

// WithMaxVolume sets the upper bound accepted by SetVolume.
func WithMaxVolume(v float64) Option {
	return func(o *options) {
		if v > 0 && !math.IsInf(v, 0) {
			o.maxVolume = v
		}
	}
}

// WithFrameDuration changes the pacing of the playback loop.
func WithFrameDuration(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.frame = d
		}
	}
}

// WithPaused starts the track paused.
func WithPaused() Option {
	return func(o *options) { o.paused = true }
}

// WithLoops sets the number of extra passes; -1 loops forever.
func WithLoops(n int) Option {
	return func(o *options) { o.loops = n }
}

// WithErrorBuffer sets the capacity of each subscription's error channel.
func WithErrorBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.errBuffer = n
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSubscription attaches l when the track is created, so it sees every
// event from Preparing on. The subscription is listed by
// Controller.Subscriptions.
func WithSubscription(kind Event, l Listener, more ...Event) Option {
	return func(o *options) {
		o.subs = append(o.subs, pendingSubscription{listener: l, kinds: append([]Event{kind}, more...)})
	}
}

type seekRequest struct {
	target time.Duration
	// from is the position before the seek, restored if it fails.
	from time.Duration
	once   sync.Once
	done   chan struct{}
	pos    time.Duration
	err    error
}

func (r *seekRequest) resolve(pos time.Duration, err error) {
	r.once.Do(func() {
		r.pos, r.err = pos, err
		close(r.done)
	})
}

// Handle is a single playing audio source. All state lives behind one mutex;
// the playback loop and every control call go through it.
type Handle struct {
	id    uuid.UUID
	input Input
	sink  Sink
	opts  options
	log   zerolog.Logger

	mu            sync.Mutex
	state         State
	duration      time.Duration
	durationKnown bool
	seek          *seekRequest
	applying      *seekRequest
	seq           uint64
	subs          map[uint64]*Subscription
	nextSub       uint64
	started       bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a track for in that writes frames to sink. Nothing is read
// until Start. It fails only for an invalid WithSubscription.
func New(in Input, sink Sink, opts ...Option) (*Handle, error) {
	o := options{
		maxVolume: defaultMaxVolume,
		frame:     defaultFrameDuration,
		errBuffer: defaultErrorBuffer,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loops < -1 {
		o.loops = -1
	}

	id := uuid.New()
	h := &Handle{
		id:    id,
		input: in,
		sink:  sink,
		opts:  o,
		log:   logging.Component(o.log, "track").With().Str("track", id.String()).Logger(),
		subs:  make(map[uint64]*Subscription),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	h.state = State{Mode: ModePlay, Volume: 1.0, Loops: o.loops}
	if o.paused {
		h.state.Mode = ModePause
	}
	if d, ok := in.(Durationer); ok {
		h.duration, h.durationKnown = d.KnownDuration()
	}
	for _, ps := range o.subs {
		if _, err := h.subscribe(ps.listener, ps.kinds); err != nil {
			h.cancelSubscriptions()
			return nil, err
		}
	}
	return h, nil
}

// ID returns the track's unique identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Controller returns a control surface for this track.
func (h *Handle) Controller() *Controller { return &Controller{h: h} }

// Done is closed when the playback loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start launches the playback loop. Calling it again does nothing.
func (h *Handle) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()
	go h.run(ctx)
}

func (h *Handle) snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setMode(mode PlayMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return fmt.Errorf("%w: track is %s", ErrInvalidTransition, h.state.Mode)
	}
	if h.state.Mode == mode {
		return nil
	}
	h.state.Mode = mode
	if mode == ModePlay {
		h.emitLocked(EventPlay)
	} else {
		h.emitLocked(EventPause)
	}
	return nil
}

func (h *Handle) setVolume(v float64) error {
	if math.IsNaN(v) || v < 0 || v > h.opts.maxVolume {
		return fmt.Errorf("%w: volume %v not in [0, %v]", ErrOutOfRange, v, h.opts.maxVolume)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return ErrTrackFinished
	}
	h.state.Volume = v
	return nil
}

func (h *Handle) setLoops(n int) error {
	if !h.input.Seekable() {
		return fmt.Errorf("%w: looping needs a seekable input", ErrSeekUnsupported)
	}
	if n < 0 {
		n = -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return ErrTrackFinished
	}
	h.state.Loops = n
	return nil
}

func (h *Handle) stopTrack() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return
	}
	h.finishLocked(ModeStop, nil)
}

// requestSeek validates pos and queues it for the playback loop. The
// position is acknowledged immediately.
func (h *Handle) requestSeek(pos time.Duration) (*seekRequest, error) {
	if !h.input.Seekable() {
		return nil, ErrSeekUnsupported
	}
	if pos < 0 {
		return nil, fmt.Errorf("%w: %s is negative", ErrInvalidPosition, pos)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return nil, fmt.Errorf("%w: track is %s", ErrInvalidTransition, h.state.Mode)
	}
	if h.durationKnown && pos > h.duration {
		return nil, fmt.Errorf("%w: %s is past the end (%s)", ErrInvalidPosition, pos, h.duration)
	}
	if h.seek != nil {
		h.seek.resolve(0, fmt.Errorf("%w: superseded by a newer seek", ErrCancelled))
	}
	req := &seekRequest{target: pos, from: h.state.Position, done: make(chan struct{})}
	switch {
	case h.seek != nil:
		req.from = h.seek.from
	case h.applying != nil:
		req.from = h.applying.from
	}
	h.seek = req
	h.state.Position = pos
	return req, nil
}

func (h *Handle) abandonSeek(req *seekRequest, cause error) {
	h.mu.Lock()
	if h.seek == req {
		h.seek = nil
		h.state.Position = req.from
	}
	h.mu.Unlock()
	req.resolve(0, fmt.Errorf("%w: %w", ErrCancelled, cause))
}

func (h *Handle) subscribe(l Listener, kinds []Event) (*Subscription, error) {
	if l == nil || len(kinds) == 0 {
		return nil, fmt.Errorf("%w: a listener and at least one event kind are required", ErrOutOfRange)
	}
	for _, k := range kinds {
		if k < EventPlay || k > EventError {
			return nil, fmt.Errorf("%w: unknown event %d", ErrOutOfRange, int(k))
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return nil, ErrTrackFinished
	}
	h.nextSub++
	s := newSubscription(h.nextSub, kinds, l, h.opts.errBuffer, h.log, h.opts.metrics, h.unsubscribe)
	s.lastSeq = h.seq
	h.subs[s.id] = s
	return s, nil
}

func (h *Handle) subscriptions() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Subscription) int { return cmp.Compare(a.id, b.id) })
	return out
}

func (h *Handle) cancelSubscriptions() {
	for _, s := range h.subscriptions() {
		s.Cancel()
	}
}

func (h *Handle) unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
}

// emitLocked stamps a transition and queues it for every interested
// subscriber. Must hold h.mu.
func (h *Handle) emitLocked(e Event) {
	h.seq++
	ev := EventContext{Track: h.id, Event: e, Seq: h.seq, State: h.state, At: time.Now()}
	h.opts.metrics.TrackEvent(e.String())
	for _, s := range h.subs {
		if s.wants(e) {
			s.enqueue(ev)
		}
	}
}

// finishLocked moves the track into a terminal mode, fires End or Error and
// lets the subscriptions drain. Must hold h.mu.
func (h *Handle) finishLocked(mode PlayMode, err error) {
	h.state.Mode = mode
	h.state.Err = err
	if h.seek != nil {
		h.seek.resolve(0, fmt.Errorf("%w: track %s", ErrCancelled, mode))
		h.seek = nil
	}
	if mode == ModeErrored {
		h.emitLocked(EventError)
	} else {
		h.emitLocked(EventEnd)
	}
	for id, s := range h.subs {
		s.close()
		delete(h.subs, id)
	}
	h.stopOnce.Do(func() { close(h.stop) })

	ev := h.log.Debug()
	if err != nil {
		ev = h.log.Warn().Err(err)
	}
	ev.Str("mode", mode.String()).Dur("position", h.state.Position).Msg("track finished")
}

func (h *Handle) finish(mode PlayMode, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Mode.Terminal() {
		h.finishLocked(mode, err)
	}
}

func (h *Handle) setReady(r ReadyState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return false
	}
	h.state.Ready = r
	switch r {
	case ReadyPreparing:
		h.emitLocked(EventPreparing)
	case ReadyPlayable:
		h.emitLocked(EventPlayable)
	}
	return true
}

func (h *Handle) run(ctx context.Context) {
	defer close(h.done)

	if !h.setReady(ReadyPreparing) {
		return
	}
	stream, err := h.input.Open(ctx)
	if err != nil {
		h.finish(ModeErrored, fmt.Errorf("open input: %w", err))
		return
	}
	defer stream.Close()

	if d, ok := stream.(Durationer); ok {
		if dur, known := d.KnownDuration(); known {
			h.mu.Lock()
			h.duration, h.durationKnown = dur, true
			h.mu.Unlock()
		}
	}
	seeker, _ := stream.(Seeker)

	if !h.setReady(ReadyPlayable) {
		return
	}

	buf := make([]byte, DurationToBytes(h.opts.frame))
	ticker := time.NewTicker(h.opts.frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.finish(ModeStop, nil)
			return
		case <-h.stop:
			return
		case <-ticker.C:
		}

		if req := h.takeSeek(); req != nil {
			h.applySeek(seeker, req)
		}

		volume, playing := h.playing()
		if !playing {
			continue
		}

		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			frame := buf[:n]
			scaleVolume(frame, volume)
			if werr := h.sink.WriteFrame(frame); werr != nil {
				h.log.Debug().Err(werr).Msg("frame dropped")
			}
			h.advance(BytesToDuration(int64(n)))
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			again, lerr := h.loopAgain(seeker)
			if lerr != nil {
				h.finish(ModeErrored, lerr)
				return
			}
			if !again {
				h.finish(ModeEnd, nil)
				return
			}
		default:
			h.finish(ModeErrored, fmt.Errorf("read input: %w", err))
			return
		}
	}
}

func (h *Handle) takeSeek() *seekRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	req := h.seek
	h.seek = nil
	h.applying = req
	return req
}

func (h *Handle) applySeek(seeker Seeker, req *seekRequest) {
	if seeker == nil {
		h.revertSeek(req)
		req.resolve(0, ErrSeekUnsupported)
		return
	}
	pos, err := seeker.SeekTo(req.target)
	if err != nil {
		h.revertSeek(req)
		req.resolve(0, fmt.Errorf("seek to %s: %w", req.target, err))
		return
	}
	h.mu.Lock()
	h.applying = nil
	if h.seek == nil {
		h.state.Position = pos
	} else {
		h.seek.from = pos
	}
	h.mu.Unlock()
	req.resolve(pos, nil)
}

// revertSeek puts back the position a failed seek had announced, unless a
// newer seek is already pending.
func (h *Handle) revertSeek(req *seekRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applying = nil
	if h.seek == nil && !h.state.Mode.Terminal() {
		h.state.Position = req.from
	}
}

func (h *Handle) playing() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Volume, h.state.Mode == ModePlay
}

func (h *Handle) advance(d time.Duration) {
	h.mu.Lock()
	h.state.Position += d
	h.state.PlayTime += d
	h.mu.Unlock()
}

func (h *Handle) loopAgain(seeker Seeker) (bool, error) {
	h.mu.Lock()
	loops := h.state.Loops
	h.mu.Unlock()
	if loops == 0 || seeker == nil {
		return false, nil
	}
	pos, err := seeker.SeekTo(0)
	if err != nil {
		return false, fmt.Errorf("rewind for loop: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Mode.Terminal() {
		return false, nil
	}
	if h.state.Loops > 0 {
		h.state.Loops--
	}
	h.state.Position = pos
	h.emitLocked(EventLoop)
	return true, nil
}

// scaleVolume applies gain to s16le samples in place, saturating at the
// sample limits.
func scaleVolume(frame []byte, volume float64) {
	if volume == 1 {
		return
	}
	for i := 0; i+1 < len(frame); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i:]))) * volume
		switch {
		case s > math.MaxInt16:
			s = math.MaxInt16
		case s < math.MinInt16:
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(s)))
	}
}
