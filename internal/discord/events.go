package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/voice"
)

func serverUpdate(e *discordgo.VoiceServerUpdate) (voice.ServerUpdate, error) {
	guild, err := ids.ParseGuildID(e.GuildID)
	if err != nil {
		return voice.ServerUpdate{}, err
	}
	return voice.ServerUpdate{GuildID: guild, Endpoint: e.Endpoint, Token: e.Token}, nil
}

func stateUpdate(e *discordgo.VoiceStateUpdate) (voice.StateUpdate, error) {
	if e.VoiceState == nil {
		return voice.StateUpdate{}, errors.New("voice state update without state")
	}
	guild, err := ids.ParseGuildID(e.GuildID)
	if err != nil {
		return voice.StateUpdate{}, err
	}
	user, err := ids.ParseUserID(e.UserID)
	if err != nil {
		return voice.StateUpdate{}, err
	}
	channel, err := ids.ParseOptionalChannelID(e.ChannelID)
	if err != nil {
		return voice.StateUpdate{}, err
	}
	return voice.StateUpdate{GuildID: guild, UserID: user, SessionID: e.SessionID, ChannelID: channel}, nil
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
	h := b.currentHandler()
	if h == nil {
		return
	}
	u, err := serverUpdate(e)
	if err != nil {
		b.log.Warn().Err(err).Msg("malformed voice server update")
		return
	}
	if err := h.HandleServerUpdate(u); err != nil {
		b.log.Warn().Err(err).Str("guild", e.GuildID).Msg("voice server update rejected")
	}
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
	h := b.currentHandler()
	if h == nil {
		return
	}
	u, err := stateUpdate(e)
	if err != nil {
		b.log.Warn().Err(err).Msg("malformed voice state update")
		return
	}
	if err := h.HandleStateUpdate(u); err != nil {
		b.log.Warn().Err(err).Str("guild", e.GuildID).Msg("voice state update rejected")
	}
}
