package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voicegate/internal/shard"
)

// SendVoiceUpdate writes a voice state update (op 4) on the shard's
// session. It satisfies shard.Gateway.
func (b *Bot) SendVoiceUpdate(ctx context.Context, u shard.VoiceUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ShardID >= uint64(len(b.sessions)) {
		return fmt.Errorf("%w: no session for shard %d", ErrShardNotReady, u.ShardID)
	}
	dg := b.sessions[u.ShardID]
	if !ready(dg) {
		return fmt.Errorf("%w: shard %d", ErrShardNotReady, u.ShardID)
	}

	channel := ""
	if u.ChannelID != nil {
		channel = u.ChannelID.String()
	}
	return dg.ChannelVoiceJoinManual(u.GuildID.String(), channel, u.SelfMute, u.SelfDeaf)
}

func ready(dg *discordgo.Session) bool {
	dg.RLock()
	defer dg.RUnlock()
	return dg.DataReady
}
