// Package ids holds the snowflake identifiers used to address guilds, users and
// voice channels. Identifiers arrive as decimal strings from the gateway and
// from callers; anything that does not parse is rejected.
package ids

import (
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// ErrInvalidID is returned when a textual identifier cannot be parsed.
var ErrInvalidID = errors.New("invalid snowflake id")

// GuildID addresses a guild (logical voice room).
type GuildID snowflake.ID

// UserID addresses a user, normally the bot itself.
type UserID snowflake.ID

// ChannelID addresses a voice channel inside a guild.
type ChannelID snowflake.ID

func parse(kind, s string) (snowflake.ID, error) {
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidID, kind, s, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: %s %q is zero", ErrInvalidID, kind, s)
	}
	return id, nil
}

// ParseGuildID parses a decimal guild id.
func ParseGuildID(s string) (GuildID, error) {
	id, err := parse("guild", s)
	return GuildID(id), err
}

// ParseUserID parses a decimal user id.
func ParseUserID(s string) (UserID, error) {
	id, err := parse("user", s)
	return UserID(id), err
}

// ParseChannelID parses a decimal channel id.
func ParseChannelID(s string) (ChannelID, error) {
	id, err := parse("channel", s)
	return ChannelID(id), err
}

// ParseOptionalChannelID treats an empty string as "no channel".
func ParseOptionalChannelID(s string) (*ChannelID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := ParseChannelID(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (g GuildID) String() string   { return snowflake.ID(g).String() }
func (u UserID) String() string    { return snowflake.ID(u).String() }
func (c ChannelID) String() string { return snowflake.ID(c).String() }

// SameChannel reports whether two optional channel ids are equal.
func SameChannel(a, b *ChannelID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
