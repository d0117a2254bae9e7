// Package voice coordinates per-guild voice sessions: the two-part gateway
// handshake, the outbound voice state update, and the transport that carries
// audio once the session is established.
package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/keshon/voicegate/internal/ids"
)

var (
	ErrProtocolMismatch = errors.New("handshake message does not belong to this connection")
	ErrHandshakeTimeout = errors.New("voice handshake timed out")
	ErrCancelled        = errors.New("voice connection attempt cancelled")
	ErrClosed           = errors.New("voice connection closed")
)

// State is the lifecycle of a Connection.
type State int

const (
	StateIdle State = iota
	// StateAwaitingShard: the outbound update is queued on the shard bridge.
	StateAwaitingShard
	// StateAwaitingHandshake: the gateway accepted the update; waiting for
	// the server and state halves.
	StateAwaitingHandshake
	StateConnected
	// StateDisconnected is terminal.
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingShard:
		return "awaiting_shard"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ServerUpdate is the voice server half of the handshake.
type ServerUpdate struct {
	GuildID  ids.GuildID
	Endpoint string
	Token    string
}

// StateUpdate is the voice state half of the handshake. A nil ChannelID
// means the user is no longer in a voice channel.
type StateUpdate struct {
	GuildID   ids.GuildID
	UserID    ids.UserID
	SessionID string
	ChannelID *ids.ChannelID
}

// ConnectionInfo is everything a transport needs to reach the voice server.
type ConnectionInfo struct {
	GuildID   ids.GuildID
	UserID    ids.UserID
	ChannelID *ids.ChannelID
	Endpoint  string
	SessionID string
	Token     string
}

// Transport carries audio for one established session.
type Transport interface {
	// Reconnect points the transport at a new server or session.
	Reconnect(ctx context.Context, info ConnectionInfo) error
	WriteFrame(frame []byte) error
	Close() error
}

// TransportOpener creates a transport once the handshake completes.
type TransportOpener interface {
	Open(ctx context.Context, info ConnectionInfo) (Transport, error)
}

// TransportOpenerFunc adapts a function to TransportOpener.
type TransportOpenerFunc func(ctx context.Context, info ConnectionInfo) (Transport, error)

func (f TransportOpenerFunc) Open(ctx context.Context, info ConnectionInfo) (Transport, error) {
	return f(ctx, info)
}
