package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/shard"
	"github.com/keshon/voicegate/internal/track"
	"github.com/rs/zerolog"
)

type waiter struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *waiter) resolved() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// transportJob is a transport (re)connect computed under the connection
// lock and carried out after it is released.
type transportJob struct {
	gen  uint64
	info ConnectionInfo
	ctx  context.Context
}

// Connection is the voice session of one guild. Handshake messages and
// control calls may arrive on any goroutine; every state change happens
// under mu. Transport calls are serialized by tmu and never run under mu.
type Connection struct {
	guild   ids.GuildID
	user    ids.UserID
	shardID uint64
	opener  TransportOpener
	cfg     config
	log     zerolog.Logger
	onClose func(*Connection)

	ctx    context.Context
	cancel context.CancelFunc

	tmu sync.Mutex

	mu        sync.Mutex
	state     State
	err       error
	bridge    *shard.Bridge
	channel   *ids.ChannelID
	hs        handshake
	waiter    *waiter
	transport Transport
	info      *ConnectionInfo
	gen       uint64
	opCancel  context.CancelFunc
	tracks    map[uuid.UUID]*track.Handle
}

func newConnection(guild ids.GuildID, user ids.UserID, bridge *shard.Bridge, opener TransportOpener, cfg config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		guild:   guild,
		user:    user,
		shardID: bridge.ShardID(),
		opener:  opener,
		cfg:     cfg,
		log: logging.Component(cfg.log, "voice").With().
			Str("guild", guild.String()).
			Uint64("shard", bridge.ShardID()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		bridge: bridge,
		tracks: make(map[uuid.UUID]*track.Handle),
	}
}

func (c *Connection) GuildID() ids.GuildID { return c.guild }

func (c *Connection) ShardID() uint64 { return c.shardID }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the connection into StateFailed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Info returns the connection info handed to the transport while connected.
func (c *Connection) Info() (ConnectionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.info == nil {
		return ConnectionInfo{}, false
	}
	return *c.info, true
}

// Join asks the gateway to move the bot into channel and waits until both
// halves of the handshake have arrived and the transport is up.
//
// Join returns ErrHandshakeTimeout if the handshake does not finish in time,
// ErrCancelled if ctx ends, a newer Join supersedes it or the connection is
// disconnected, and the bridge or transport error otherwise.
func (c *Connection) Join(ctx context.Context, channel ids.ChannelID) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return ErrClosed
	case StateConnected:
		if c.waiter == nil && c.channel != nil && *c.channel == channel {
			c.mu.Unlock()
			return nil
		}
	}

	w := newWaiter()
	if prev := c.waiter; prev != nil {
		c.cfg.metrics.Handshake("cancelled")
		prev.resolve(fmt.Errorf("%w: superseded by a newer join", ErrCancelled))
	}
	c.waiter = w
	if c.state == StateConnected {
		// The voice server is unchanged on a channel move; only the state
		// half has to be resent.
		c.hs.state = nil
	} else {
		c.hs.reset()
	}
	c.invalidateLocked()
	target := channel
	c.channel = &target
	c.err = nil
	c.state = StateAwaitingShard

	ack, err := c.bridge.Submit(shard.VoiceUpdate{
		GuildID:   c.guild,
		ChannelID: &target,
		SelfMute:  c.cfg.selfMute,
		SelfDeaf:  c.cfg.selfDeaf,
	})
	if err != nil {
		t := c.failLocked(err)
		c.mu.Unlock()
		c.closeTransport(t)
		return err
	}
	c.mu.Unlock()

	c.log.Debug().Str("channel", channel.String()).Msg("voice update submitted")

	select {
	case <-ack.Done():
		if err := ack.Err(); err != nil {
			c.abort(w, err)
		}
	case <-w.done:
	case <-ctx.Done():
		c.abort(w, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	}

	if !w.resolved() {
		if job, ok := c.acknowledge(w); ok {
			c.connect(job)
		}
	}

	if !w.resolved() {
		timer := time.NewTimer(c.cfg.handshakeTimeout)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			c.abort(w, fmt.Errorf("%w after %s", ErrHandshakeTimeout, c.cfg.handshakeTimeout))
		case <-ctx.Done():
			c.abort(w, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		}
	}

	<-w.done
	return w.err
}

// acknowledge records that the gateway accepted the update for w.
func (c *Connection) acknowledge(w *waiter) (transportJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiter != w || c.state != StateAwaitingShard {
		return transportJob{}, false
	}
	c.state = StateAwaitingHandshake
	return c.completeLocked()
}

// abort fails the join owned by w, unless it was already resolved or
// replaced.
func (c *Connection) abort(w *waiter, err error) {
	c.mu.Lock()
	if c.waiter != w {
		c.mu.Unlock()
		return
	}
	t := c.failLocked(err)
	c.mu.Unlock()
	c.closeTransport(t)
}

// UpdateServer applies the voice server half of the handshake.
func (c *Connection) UpdateServer(u ServerUpdate) error {
	if u.GuildID != c.guild {
		return fmt.Errorf("%w: server update for guild %s", ErrProtocolMismatch, u.GuildID)
	}
	if u.Endpoint == "" {
		// The gateway sends an empty endpoint while it reallocates the voice
		// server; a full update follows.
		c.log.Debug().Msg("voice server unavailable, waiting for a new one")
		return nil
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.hs.setServer(serverSlot{endpoint: u.Endpoint, token: u.Token}) {
		c.mu.Unlock()
		return nil
	}
	job, ok := c.progressLocked()
	c.mu.Unlock()

	c.log.Debug().Str("endpoint", u.Endpoint).Msg("voice server update")
	if ok {
		c.connect(job)
	}
	return nil
}

// UpdateState applies the voice state half of the handshake. A state with
// no channel means the gateway removed the bot from voice.
func (c *Connection) UpdateState(u StateUpdate) error {
	if u.GuildID != c.guild {
		return fmt.Errorf("%w: state update for guild %s", ErrProtocolMismatch, u.GuildID)
	}
	if u.UserID != c.user {
		return fmt.Errorf("%w: state update for user %s", ErrProtocolMismatch, u.UserID)
	}

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrClosed
	}

	if u.ChannelID == nil {
		var t Transport
		switch c.state {
		case StateIdle, StateFailed:
			c.hs.state = nil
		default:
			t = c.resetLocked(fmt.Errorf("%w: removed from voice by the gateway", ErrCancelled))
			c.log.Info().Msg("voice state cleared by gateway")
		}
		c.mu.Unlock()
		c.closeTransport(t)
		return nil
	}

	if !c.hs.setState(stateSlot{sessionID: u.SessionID, channelID: u.ChannelID}) {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnected || c.state == StateAwaitingHandshake || c.state == StateAwaitingShard {
		ch := *u.ChannelID
		c.channel = &ch
	}
	job, ok := c.progressLocked()
	c.mu.Unlock()

	c.log.Debug().Str("channel", u.ChannelID.String()).Msg("voice state update")
	if ok {
		c.connect(job)
	}
	return nil
}

// progressLocked decides whether a changed slot completes or migrates the
// session.
func (c *Connection) progressLocked() (transportJob, bool) {
	switch c.state {
	case StateAwaitingHandshake, StateConnected:
		return c.completeLocked()
	}
	return transportJob{}, false
}

func (c *Connection) completeLocked() (transportJob, bool) {
	info, ok := c.hs.info(c.guild, c.user)
	if !ok {
		return transportJob{}, false
	}
	c.state = StateConnected
	c.invalidateLocked()
	ctx, cancel := context.WithCancel(c.ctx)
	c.opCancel = cancel
	return transportJob{gen: c.gen, info: info, ctx: ctx}, true
}

// invalidateLocked makes any transport job in flight stale.
func (c *Connection) invalidateLocked() {
	c.gen++
	if c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
}

func (c *Connection) currentLocked(gen uint64) bool {
	return c.gen == gen && c.state == StateConnected
}

// connect opens the transport, or reconnects the existing one, for a
// completed handshake.
func (c *Connection) connect(job transportJob) {
	c.tmu.Lock()
	defer c.tmu.Unlock()

	c.mu.Lock()
	if !c.currentLocked(job.gen) {
		c.mu.Unlock()
		return
	}
	existing := c.transport
	c.mu.Unlock()

	var (
		opened Transport
		err    error
	)
	if existing != nil {
		err = existing.Reconnect(job.ctx, job.info)
	} else {
		opened, err = c.opener.Open(job.ctx, job.info)
	}

	c.mu.Lock()
	if !c.currentLocked(job.gen) {
		c.mu.Unlock()
		if opened != nil {
			c.closeQuietly(opened)
		}
		return
	}
	if err != nil {
		t := c.failLocked(fmt.Errorf("voice transport: %w", err))
		c.mu.Unlock()
		if t != nil {
			c.closeQuietly(t)
		}
		return
	}
	if opened != nil {
		c.transport = opened
	}
	info := job.info
	c.info = &info
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	if w != nil {
		c.cfg.metrics.Handshake("connected")
		w.resolve(nil)
	}
	c.log.Info().
		Str("endpoint", info.Endpoint).
		Bool("reconnect", existing != nil).
		Msg("voice connected")
}

// failLocked moves to StateFailed and resolves the pending join with err.
// The detached transport must be closed by the caller.
func (c *Connection) failLocked(err error) Transport {
	t := c.detachLocked()
	c.state = StateFailed
	c.err = err
	if w := c.waiter; w != nil {
		c.waiter = nil
		c.cfg.metrics.Handshake(outcome(err))
		w.resolve(err)
	}
	c.log.Warn().Err(err).Msg("voice connection failed")
	return t
}

// resetLocked returns to StateIdle, cancelling a pending join with cause.
func (c *Connection) resetLocked(cause error) Transport {
	t := c.detachLocked()
	c.hs.reset()
	c.channel = nil
	c.err = nil
	c.state = StateIdle
	if w := c.waiter; w != nil {
		c.waiter = nil
		c.cfg.metrics.Handshake("cancelled")
		w.resolve(cause)
	}
	return t
}

func (c *Connection) detachLocked() Transport {
	c.invalidateLocked()
	t := c.transport
	c.transport = nil
	c.info = nil
	return t
}

func (c *Connection) closeTransport(t Transport) {
	if t == nil {
		return
	}
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.closeQuietly(t)
}

func (c *Connection) closeQuietly(t Transport) {
	if err := t.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close voice transport")
	}
}

// Leave asks the gateway to take the bot out of voice and closes the
// transport. The connection stays usable for a later Join and its tracks
// are kept.
func (c *Connection) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return ErrClosed
	}
	ack, err := c.bridge.Submit(shard.VoiceUpdate{
		GuildID:  c.guild,
		SelfMute: c.cfg.selfMute,
		SelfDeaf: c.cfg.selfDeaf,
	})
	t := c.resetLocked(fmt.Errorf("%w: left voice", ErrCancelled))
	c.mu.Unlock()

	c.closeTransport(t)
	c.log.Info().Msg("left voice")
	if err != nil {
		return err
	}
	return ack.Wait(ctx)
}

// Disconnect tears the connection down for good: the pending join is
// cancelled, the transport closed, every track ended and the shard released.
// It is safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	t := c.detachLocked()
	if w := c.waiter; w != nil {
		c.waiter = nil
		c.cfg.metrics.Handshake("cancelled")
		w.resolve(fmt.Errorf("%w: connection disconnected", ErrCancelled))
	}
	bridge := c.bridge
	c.bridge = nil
	inVoice := c.channel != nil
	c.hs.reset()
	c.channel = nil
	c.state = StateDisconnected
	tracks := c.tracks
	c.tracks = nil
	onClose := c.onClose
	c.mu.Unlock()

	c.cancel()
	if bridge != nil && inVoice {
		if _, err := bridge.Submit(shard.VoiceUpdate{GuildID: c.guild}); err != nil {
			c.log.Debug().Err(err).Msg("leave update not sent")
		}
	}
	c.closeTransport(t)
	for _, h := range tracks {
		h.Controller().Stop()
	}
	if onClose != nil {
		onClose(c)
	}

	c.log.Info().Str("from", from.String()).Int("tracks", len(tracks)).Msg("voice disconnected")
	return nil
}

// Play starts in on this connection. Frames go to whichever transport is
// current, so tracks survive a voice server change. The track starts before
// Play returns; listeners that must see Preparing or Playable are passed as
// track.WithSubscription.
func (c *Connection) Play(in track.Input, opts ...track.Option) (*track.Controller, error) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	all := make([]track.Option, 0, len(c.cfg.trackOpts)+len(opts)+2)
	all = append(all, track.WithLogger(c.log), track.WithMetrics(c.cfg.metrics))
	all = append(all, c.cfg.trackOpts...)
	all = append(all, opts...)
	h, err := track.New(in, track.SinkFunc(c.writeFrame), all...)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.tracks[h.ID()] = h
	c.mu.Unlock()

	h.Start(c.ctx)
	go func() {
		<-h.Done()
		c.forgetTrack(h.ID())
	}()
	return h.Controller(), nil
}

// PlayOnly stops every track before starting in.
func (c *Connection) PlayOnly(in track.Input, opts ...track.Option) (*track.Controller, error) {
	c.Stop()
	return c.Play(in, opts...)
}

// Stop ends every track. The voice session is kept.
func (c *Connection) Stop() {
	for _, tc := range c.Tracks() {
		tc.Stop()
	}
}

// Tracks returns controllers for the tracks still bound to this connection.
func (c *Connection) Tracks() []*track.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*track.Controller, 0, len(c.tracks))
	for _, h := range c.tracks {
		out = append(out, h.Controller())
	}
	return out
}

func (c *Connection) forgetTrack(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracks, id)
}

// writeFrame is the sink of every track. Frames are dropped while there is
// no established transport.
func (c *Connection) writeFrame(frame []byte) error {
	c.mu.Lock()
	t := c.transport
	connected := c.state == StateConnected
	c.mu.Unlock()
	if t == nil || !connected {
		return nil
	}
	return t.WriteFrame(frame)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "connected"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	}
	return "error"
}
