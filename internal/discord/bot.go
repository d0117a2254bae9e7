// Package discord connects voicegate to the Discord gateway: one session per
// shard, outbound voice state updates, and the voice handshake events.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/voice"
	"github.com/rs/zerolog"
)

var ErrShardNotReady = errors.New("shard session is not ready")

// HandshakeHandler receives the bot's voice handshake events.
type HandshakeHandler interface {
	HandleServerUpdate(u voice.ServerUpdate) error
	HandleStateUpdate(u voice.StateUpdate) error
}

// Bot owns the gateway sessions, one per shard.
type Bot struct {
	sessions []*discordgo.Session
	log      zerolog.Logger

	mu          sync.RWMutex
	handler     HandshakeHandler
	readyShards map[int]bool
	ready       chan struct{}
}

// NewBot creates (but does not open) shardCount sessions for token.
func NewBot(token string, shardCount int, log zerolog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if shardCount < 1 {
		return nil, fmt.Errorf("invalid shard count %d", shardCount)
	}
	b := &Bot{
		log:         logging.Component(log, "discord"),
		readyShards: make(map[int]bool, shardCount),
		ready:       make(chan struct{}),
	}
	for i := 0; i < shardCount; i++ {
		dg, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		dg.ShardID = i
		dg.ShardCount = shardCount
		b.configureIntents(dg)
		dg.AddHandler(b.onReady)
		dg.AddHandler(b.onVoiceServerUpdate)
		dg.AddHandler(b.onVoiceStateUpdate)
		b.sessions = append(b.sessions, dg)
	}
	return b, nil
}

// configureIntents asks only for what voice needs.
func (b *Bot) configureIntents(dg *discordgo.Session) {
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
}

// SetHandler installs the receiver of handshake events. Events arriving
// before a handler is set are dropped.
func (b *Bot) SetHandler(h HandshakeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bot) currentHandler() HandshakeHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// ShardCount is the number of gateway sessions.
func (b *Bot) ShardCount() int { return len(b.sessions) }

// Open connects every shard. Sessions already opened are closed again if a
// later one fails.
func (b *Bot) Open(ctx context.Context) error {
	for i, dg := range b.sessions {
		if err := ctx.Err(); err != nil {
			b.closeSessions(b.sessions[:i])
			return err
		}
		if err := dg.Open(); err != nil {
			b.closeSessions(b.sessions[:i])
			return fmt.Errorf("failed to open shard %d: %w", i, err)
		}
		b.log.Info().Int("shard", i).Int("shards", len(b.sessions)).Msg("shard session opened")
	}
	return nil
}

// Run opens the sessions and keeps them until ctx is done, like a job.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Open(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, closing sessions")
	b.Close()
	return nil
}

// Close disconnects every shard.
func (b *Bot) Close() {
	b.closeSessions(b.sessions)
}

func (b *Bot) closeSessions(sessions []*discordgo.Session) {
	for i, dg := range sessions {
		if err := dg.Close(); err != nil {
			b.log.Warn().Err(err).Int("shard", i).Msg("close shard session")
		}
	}
}

// UserID is the bot's own user id, known once shard 0 is ready.
func (b *Bot) UserID() (ids.UserID, error) {
	dg := b.sessions[0]
	if dg.State == nil || dg.State.User == nil {
		return 0, ErrShardNotReady
	}
	return ids.ParseUserID(dg.State.User.ID)
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	ev := b.log.Info().Int("shard", s.ShardID).Int("guilds", len(r.Guilds))
	if r.User != nil {
		ev = ev.Str("user", r.User.Username)
	}
	ev.Msg("discord shard is ready")
	b.markReady(s.ShardID)
}

func (b *Bot) markReady(shardID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readyShards[shardID] {
		return
	}
	b.readyShards[shardID] = true
	if len(b.readyShards) == len(b.sessions) {
		close(b.ready)
	}
}

// WaitReady blocks until every shard has received READY.
func (b *Bot) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for shards: %w", ctx.Err())
	}
}

// FindUserVoiceState returns the voice channel a user is in, from the
// session state of the shard owning the guild.
func (b *Bot) FindUserVoiceState(guild ids.GuildID, user ids.UserID) (ids.ChannelID, error) {
	for _, dg := range b.sessions {
		g, err := dg.State.Guild(guild.String())
		if err != nil {
			continue
		}
		for _, vs := range g.VoiceStates {
			if vs.UserID != user.String() || vs.ChannelID == "" {
				continue
			}
			return ids.ParseChannelID(vs.ChannelID)
		}
		return 0, fmt.Errorf("user %s is not in a voice channel of guild %s", user, guild)
	}
	return 0, fmt.Errorf("guild %s not found in session state", guild)
}
