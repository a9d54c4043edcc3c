package voice

import (
	"encoding/json"
	"fmt"
)

const (
	opDispatch         = 0
	opVoiceStateUpdate = 4

	dispatchVoiceState  = "VOICE_STATE_UPDATE"
	dispatchVoiceServer = "VOICE_SERVER_UPDATE"
)

// Update is an inbound voice signal decoded at the dispatcher boundary. It is
// either a SessionUpdate or a ServerUpdate.
type Update interface {
	isUpdate()
}

// SessionUpdate is the voice part of VOICE_STATE_UPDATE. ChannelID is empty
// when the user left voice.
type SessionUpdate struct {
	GuildID   string
	ChannelID string
	UserID    string
	SessionID string
}

// ServerUpdate is VOICE_SERVER_UPDATE. Endpoint is empty while Discord is
// reallocating the voice server.
type ServerUpdate struct {
	GuildID  string
	Token    string
	Endpoint string
}

func (SessionUpdate) isUpdate() {}
func (ServerUpdate) isUpdate()  {}

type dispatchPacket struct {
	Op int             `json:"op"`
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
}

type voiceStateData struct {
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id"`
}

type voiceServerData struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// DecodeUpdate turns a raw gateway dispatch into a typed update. Any packet
// that is not a voice state or voice server dispatch yields ErrNotVoiceUpdate.
func DecodeUpdate(data []byte) (Update, error) {
	var p dispatchPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode gateway packet: %w", err)
	}
	if p.Op != opDispatch {
		return nil, ErrNotVoiceUpdate
	}
	return DecodeDispatch(p.T, p.D)
}

// DecodeDispatch decodes the body of a dispatch whose type name is already
// known.
func DecodeDispatch(eventType string, d json.RawMessage) (Update, error) {
	switch eventType {
	case dispatchVoiceState:
		var v voiceStateData
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return SessionUpdate{GuildID: v.GuildID, ChannelID: v.ChannelID, UserID: v.UserID, SessionID: v.SessionID}, nil

	case dispatchVoiceServer:
		var v voiceServerData
		if err := json.Unmarshal(d, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", eventType, err)
		}
		return ServerUpdate{GuildID: v.GuildID, Token: v.Token, Endpoint: v.Endpoint}, nil
	}
	return nil, ErrNotVoiceUpdate
}

// JoinRequest asks the platform to move the bot into a voice channel.
type JoinRequest struct {
	GuildID   string
	ChannelID string
	SelfDeaf  bool
	SelfMute  bool
}

// VoiceStateData is the body of an outbound op 4. A nil ChannelID leaves voice.
type VoiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfMute  bool    `json:"self_mute"`
}

// OutgoingPacket is handed to the Transport.
type OutgoingPacket struct {
	Op int            `json:"op"`
	D  VoiceStateData `json:"d"`
}

// Transport delivers an outbound packet over the main gateway connection of
// the shard that owns guildID.
type Transport func(guildID string, packet OutgoingPacket) error
