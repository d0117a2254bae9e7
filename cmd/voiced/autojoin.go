package main

import (
	"context"
	"fmt"
	"time"

	"github.com/keshon/voicegate/internal/config"
	"github.com/keshon/voicegate/internal/discord"
	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/input"
	"github.com/keshon/voicegate/internal/track"
	"github.com/keshon/voicegate/internal/voice"
	"github.com/rs/zerolog"
)

const (
	joinTimeout  = 30 * time.Second
	lookupPeriod = 2 * time.Second
)

// autojoiner joins the configured channel at startup and optionally starts
// playing an input there.
type autojoiner struct {
	target   config.Autojoin
	bot      *discord.Bot
	mgr      *voice.Manager
	resolver *input.Resolver
	log      zerolog.Logger
}

func (a *autojoiner) run(ctx context.Context) error {
	channel, err := a.channel(ctx)
	if err != nil {
		return err
	}

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	conn, err := a.mgr.Join(joinCtx, a.target.Guild, channel)
	cancel()
	if err != nil {
		return fmt.Errorf("autojoin %s/%s: %w", a.target.Guild, channel, err)
	}
	a.log.Info().Str("guild", a.target.Guild.String()).Str("channel", channel.String()).Msg("autojoined voice channel")

	if a.target.Input == "" {
		return nil
	}
	src, err := a.resolver.Resolve(a.target.Input)
	if err != nil {
		return err
	}
	var opts []track.Option
	if evs := a.target.Events; len(evs) > 0 {
		opts = append(opts, track.WithSubscription(evs[0], track.ListenerFunc(a.logEvent(src)), evs[1:]...))
	}
	_, err = conn.Play(src, opts...)
	return err
}

func (a *autojoiner) logEvent(src *input.Source) func(context.Context, track.EventContext) error {
	return func(_ context.Context, ev track.EventContext) error {
		entry := a.log.Info()
		if ev.State.Err != nil {
			entry = a.log.Warn().Err(ev.State.Err)
		}
		entry.Str("input", src.String()).
			Str("event", ev.Event.String()).
			Dur("position", ev.State.Position).
			Msg("autoplay")
		return nil
	}
}

// channel resolves the target channel, waiting for the followed user to
// show up in voice if needed.
func (a *autojoiner) channel(ctx context.Context) (ids.ChannelID, error) {
	if a.target.Channel != nil {
		return *a.target.Channel, nil
	}
	ticker := time.NewTicker(lookupPeriod)
	defer ticker.Stop()
	for {
		ch, err := a.bot.FindUserVoiceState(a.target.Guild, *a.target.User)
		if err == nil {
			return ch, nil
		}
		a.log.Debug().Err(err).Msg("autojoin user not in voice yet")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
