// Package transport provides voice transports for the daemon. Discard keeps
// the session bookkeeping of a real transport and throws the audio away.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/voice"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("transport closed")

// Discard opens transports that count frames and drop them.
type Discard struct {
	log zerolog.Logger
}

func NewDiscard(log zerolog.Logger) *Discard {
	return &Discard{log: logging.Component(log, "transport")}
}

func (d *Discard) Open(ctx context.Context, info voice.ConnectionInfo) (voice.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &discardTransport{log: d.log.With().Str("guild", info.GuildID.String()).Logger()}
	t.info.Store(&info)
	t.log.Info().Str("endpoint", info.Endpoint).Str("session", info.SessionID).Msg("transport opened")
	return t, nil
}

type discardTransport struct {
	log    zerolog.Logger
	info   atomic.Pointer[voice.ConnectionInfo]
	frames atomic.Uint64
	bytes  atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (t *discardTransport) Reconnect(ctx context.Context, info voice.ConnectionInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.info.Store(&info)
	t.log.Info().Str("endpoint", info.Endpoint).Str("session", info.SessionID).Msg("transport reconnected")
	return nil
}

func (t *discardTransport) WriteFrame(frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.frames.Add(1)
	t.bytes.Add(uint64(len(frame)))
	return nil
}

func (t *discardTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.log.Info().Uint64("frames", t.frames.Load()).Uint64("bytes", t.bytes.Load()).Msg("transport closed")
	return nil
}
