// Package config loads daemon settings from the environment, with an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/keshon/voicegate/internal/ids"
	"github.com/keshon/voicegate/internal/logging"
	"github.com/keshon/voicegate/internal/track"
)

type Config struct {
	DiscordToken     string        `env:"DISCORD_TOKEN,required,notEmpty"`
	ShardCount       uint64        `env:"SHARD_COUNT" envDefault:"1"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	BridgeQueueSize  int           `env:"BRIDGE_QUEUE_SIZE" envDefault:"64"`
	// GatewayRate is the ceiling of voice updates per second per shard.
	GatewayRate float64 `env:"GATEWAY_RATE" envDefault:"2"`
	MaxVolume   float64 `env:"MAX_VOLUME" envDefault:"2"`
	LogLevel    string  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string  `env:"LOG_FORMAT" envDefault:"console"`
	// MetricsAddr is where /metrics is served; empty disables it.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9108"`
	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`

	AutojoinGuild   string `env:"AUTOJOIN_GUILD"`
	AutojoinChannel string `env:"AUTOJOIN_CHANNEL"`
	AutojoinUser    string `env:"AUTOJOIN_USER"`
	AutoplayInput   string `env:"AUTOPLAY_INPUT"`
	// AutoplayEvents are the track events the daemon logs for autoplay.
	AutoplayEvents []string `env:"AUTOPLAY_EVENTS" envSeparator:"," envDefault:"playable,end,error"`
}

// Autojoin is the voice channel the daemon joins on startup. When Channel
// is nil the daemon follows User into whatever channel they are in.
type Autojoin struct {
	Guild   ids.GuildID
	Channel *ids.ChannelID
	User    *ids.UserID
	Input   string
	Events  []track.Event
}

// Load reads files (".env" when none are given) into the environment and
// parses it. Missing files are not an error; variables already set win.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ShardCount == 0 {
		errs = append(errs, errors.New("SHARD_COUNT must be at least 1"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("HANDSHAKE_TIMEOUT must be positive"))
	}
	if c.BridgeQueueSize < 1 {
		errs = append(errs, errors.New("BRIDGE_QUEUE_SIZE must be at least 1"))
	}
	if c.GatewayRate <= 0 || math.IsNaN(c.GatewayRate) {
		errs = append(errs, errors.New("GATEWAY_RATE must be positive"))
	}
	if c.MaxVolume <= 0 || math.IsNaN(c.MaxVolume) || math.IsInf(c.MaxVolume, 0) {
		errs = append(errs, errors.New("MAX_VOLUME must be a positive number"))
	}
	switch c.LogFormat {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be %q or %q", logging.FormatConsole, logging.FormatJSON))
	}
	if _, _, err := c.Autojoin(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Autojoin reports the startup join target, if one is configured.
func (c *Config) Autojoin() (Autojoin, bool, error) {
	if c.AutojoinGuild == "" {
		if c.AutojoinChannel != "" || c.AutojoinUser != "" || c.AutoplayInput != "" {
			return Autojoin{}, false, errors.New("AUTOJOIN_GUILD is required with AUTOJOIN_CHANNEL, AUTOJOIN_USER or AUTOPLAY_INPUT")
		}
		return Autojoin{}, false, nil
	}
	guild, err := ids.ParseGuildID(c.AutojoinGuild)
	if err != nil {
		return Autojoin{}, false, fmt.Errorf("AUTOJOIN_GUILD: %w", err)
	}
	a := Autojoin{Guild: guild, Input: c.AutoplayInput}
	for _, name := range c.AutoplayEvents {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		ev, err := track.ParseEvent(name)
		if err != nil {
			return Autojoin{}, false, fmt.Errorf("AUTOPLAY_EVENTS: %w", err)
		}
		a.Events = append(a.Events, ev)
	}
	if a.Channel, err = ids.ParseOptionalChannelID(c.AutojoinChannel); err != nil {
		return Autojoin{}, false, fmt.Errorf("AUTOJOIN_CHANNEL: %w", err)
	}
	if c.AutojoinUser != "" {
		user, err := ids.ParseUserID(c.AutojoinUser)
		if err != nil {
			return Autojoin{}, false, fmt.Errorf("AUTOJOIN_USER: %w", err)
		}
		a.User = &user
	}
	if a.Channel == nil && a.User == nil {
		return Autojoin{}, false, errors.New("AUTOJOIN_GUILD needs AUTOJOIN_CHANNEL or AUTOJOIN_USER")
	}
	return a, true, nil
}
