package voice

import "github.com/keshon/voicegate/internal/ids"

type serverSlot struct {
	endpoint string
	token    string
}

type stateSlot struct {
	sessionID string
	channelID *ids.ChannelID
}

func (s stateSlot) equal(o stateSlot) bool {
	return s.sessionID == o.sessionID && ids.SameChannel(s.channelID, o.channelID)
}

// handshake holds the two halves of the voice handshake, which may arrive
// in either order.
type handshake struct {
	server *serverSlot
	state  *stateSlot
}

func (h *handshake) setServer(s serverSlot) bool {
	if h.server != nil && *h.server == s {
		return false
	}
	h.server = &s
	return true
}

func (h *handshake) setState(s stateSlot) bool {
	if h.state != nil && h.state.equal(s) {
		return false
	}
	if s.channelID != nil {
		ch := *s.channelID
		s.channelID = &ch
	}
	h.state = &s
	return true
}

func (h *handshake) reset() {
	h.server = nil
	h.state = nil
}

func (h *handshake) complete() bool {
	return h.server != nil && h.state != nil
}

func (h *handshake) info(guild ids.GuildID, user ids.UserID) (ConnectionInfo, bool) {
	if !h.complete() {
		return ConnectionInfo{}, false
	}
	info := ConnectionInfo{
		GuildID:   guild,
		UserID:    user,
		Endpoint:  h.server.endpoint,
		Token:     h.server.token,
		SessionID: h.state.sessionID,
	}
	if h.state.channelID != nil {
		ch := *h.state.channelID
		info.ChannelID = &ch
	}
	return info, true
}
