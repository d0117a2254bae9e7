package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGuildID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    GuildID
		wantErr bool
	}{
		{name: "valid", input: "323365823572082690", want: 323365823572082690},
		{name: "max uint64", input: "18446744073709551615", want: 18446744073709551615},
		{name: "empty", input: "", wantErr: true},
		{name: "zero", input: "0", wantErr: true},
		{name: "negative", input: "-5", wantErr: true},
		{name: "garbage", input: "guild", wantErr: true},
		{name: "overflow", input: "18446744073709551616", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGuildID(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestParseOptionalChannelID(t *testing.T) {
	c, err := ParseOptionalChannelID("")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = ParseOptionalChannelID("381612756123648000")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, ChannelID(381612756123648000), *c)

	_, err = ParseOptionalChannelID("nope")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSameChannel(t *testing.T) {
	a, b := ChannelID(1), ChannelID(1)
	c := ChannelID(2)
	assert.True(t, SameChannel(nil, nil))
	assert.True(t, SameChannel(&a, &b))
	assert.False(t, SameChannel(&a, &c))
	assert.False(t, SameChannel(&a, nil))
	assert.False(t, SameChannel(nil, &c))
}
