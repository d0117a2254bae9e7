package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/shard"
	"github.com/keshon/voicegate/pkg/util"
	"github.com/rs/zerolog"
)

// Manager owns at most one Connection per guild and routes gateway
// handshake events to them.
type Manager struct {
	router *shard.Router
	user   ids.UserID
	opener TransportOpener
	cfg    config
	log    zerolog.Logger

	mu    sync.Mutex
	calls map[ids.GuildID]*Connection
}

// NewManager creates a registry for the bot user. Connections are routed
// through router and use opener once their handshake completes.
func NewManager(router *shard.Router, user ids.UserID, opener TransportOpener, opts ...Option) (*Manager, error) {
	if router == nil {
		return nil, fmt.Errorf("%w: router is required", shard.ErrConfiguration)
	}
	if opener == nil {
		return nil, fmt.Errorf("%w: transport opener is required", shard.ErrConfiguration)
	}
	if user == 0 {
		return nil, fmt.Errorf("%w: bot user id is required", shard.ErrConfiguration)
	}
	cfg := newConfig(opts)
	m := &Manager{
		router: router,
		user:   user,
		opener: opener,
		cfg:    cfg,
		log:    logging.Component(cfg.log, "manager"),
		calls:  make(map[ids.GuildID]*Connection),
	}
	router.OnReconfigure(m.reconfigured)
	return m, nil
}

// GetOrCreate returns the guild's connection, creating an idle one routed to
// the guild's shard if needed.
func (m *Manager) GetOrCreate(guild ids.GuildID) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.calls[guild]; ok {
		return c, nil
	}
	_, bridge, err := m.router.RouteGuild(guild)
	if err != nil {
		return nil, err
	}
	c := newConnection(guild, m.user, bridge, m.opener, m.cfg)
	c.onClose = m.evict
	m.calls[guild] = c
	m.cfg.metrics.SessionOpened()
	m.log.Debug().Str("guild", guild.String()).Uint64("shard", bridge.ShardID()).Msg("session created")
	return c, nil
}

// Get returns the guild's connection if there is one.
func (m *Manager) Get(guild ids.GuildID) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[guild]
	return c, ok
}

// Len reports the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Remove disconnects and forgets the guild's connection.
func (m *Manager) Remove(guild ids.GuildID) error {
	c, ok := m.Get(guild)
	if !ok {
		return nil
	}
	return c.Disconnect()
}

func (m *Manager) evict(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.calls[c.guild]; ok && cur == c {
		delete(m.calls, c.guild)
		m.cfg.metrics.SessionClosed()
	}
}

// Join gets or creates the guild's connection and joins channel.
func (m *Manager) Join(ctx context.Context, guild ids.GuildID, channel ids.ChannelID) (*Connection, error) {
	c, err := m.GetOrCreate(guild)
	if err != nil {
		return nil, err
	}
	return c, c.Join(ctx, channel)
}

// Leave takes the bot out of voice in guild but keeps the session.
func (m *Manager) Leave(ctx context.Context, guild ids.GuildID) error {
	c, ok := m.Get(guild)
	if !ok {
		return nil
	}
	return c.Leave(ctx)
}

// HandleServerUpdate forwards a voice server update. Updates for guilds
// without a session are dropped.
func (m *Manager) HandleServerUpdate(u ServerUpdate) error {
	c, ok := m.Get(u.GuildID)
	if !ok {
		m.log.Debug().Str("guild", u.GuildID.String()).Msg("server update for unknown guild dropped")
		return nil
	}
	return c.UpdateServer(u)
}

// HandleStateUpdate forwards the bot's own voice state updates. Other users'
// states and unknown guilds are dropped.
func (m *Manager) HandleStateUpdate(u StateUpdate) error {
	if u.UserID != m.user {
		return nil
	}
	c, ok := m.Get(u.GuildID)
	if !ok {
		m.log.Debug().Str("guild", u.GuildID.String()).Msg("state update for unknown guild dropped")
		return nil
	}
	return c.UpdateState(u)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c)
	}
	return out
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	conns := m.snapshot()
	m.log.Info().Int("sessions", len(conns)).Msg("shutting down voice sessions")
	return util.Parallel(ctx, conns, m.cfg.shutdownWorkers, func(_ context.Context, c *Connection) error {
		return c.Disconnect()
	})
}

// reconfigured drops every session; their bridges belong to the previous
// shard layout.
func (m *Manager) reconfigured(epoch uint64) {
	conns := m.snapshot()
	m.log.Warn().Uint64("epoch", epoch).Int("sessions", len(conns)).Msg("shard layout changed, dropping sessions")
	for _, c := range conns {
		_ = c.Disconnect()
	}
}
