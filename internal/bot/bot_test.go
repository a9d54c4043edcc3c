package bot

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/gateway/gatewaytest"
	"github.com/fankserver/discord-voice-link/internal/session"
	"github.com/fankserver/discord-voice-link/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const clientID = "123456789012345678"

type sentJoin struct {
	guildID, channelID string
	mute, deaf         bool
}

func newTestBot(t *testing.T, cfg voice.Config) (*VoiceBot, *[]sentJoin) {
	t.Helper()
	cfg.ClientID = clientID
	bot, err := New("dummy_token", cfg, session.NewManager(t.TempDir()))
	require.NoError(t, err)

	var sent []sentJoin
	bot.send = func(guildID, channelID string, mute, deaf bool) error {
		sent = append(sent, sentJoin{guildID, channelID, mute, deaf})
		return nil
	}
	t.Cleanup(bot.registry.Close)
	return bot, &sent
}

func dispatchEvent(t *testing.T, eventType string, d any) *discordgo.Event {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return &discordgo.Event{Operation: 0, Type: eventType, RawData: raw}
}

func TestNewBot(t *testing.T) {
	bot, err := New("dummy_token", voice.Config{ClientID: clientID}, session.NewManager(t.TempDir()))
	require.NoError(t, err)

	require.NotNil(t, bot.Registry())
	assert.Equal(t, clientID, bot.Registry().ClientID())
	assert.Zero(t, bot.Registry().Len())
}

func TestTransportRequiresGateway(t *testing.T) {
	bot, err := New("dummy_token", voice.Config{ClientID: clientID}, session.NewManager(t.TempDir()))
	require.NoError(t, err)

	err = bot.JoinChannel(voice.JoinRequest{GuildID: "G1", ChannelID: "V1"})

	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestJoinAndLeaveSendVoiceStateUpdates(t *testing.T) {
	bot, sent := newTestBot(t, voice.Config{})

	require.NoError(t, bot.JoinChannel(voice.JoinRequest{GuildID: "G1", ChannelID: "V1", SelfDeaf: true}))
	c, ok := bot.Registry().Get("G1")
	require.True(t, ok)
	assert.Equal(t, voice.StatePending, c.State())

	require.NoError(t, bot.LeaveChannel("G1"))
	assert.Zero(t, bot.Registry().Len())

	assert.Equal(t, []sentJoin{
		{guildID: "G1", channelID: "V1", deaf: true},
		{guildID: "G1", channelID: ""},
	}, *sent)
}

func TestVoiceStateUpdatesAreRateLimited(t *testing.T) {
	bot, sent := newTestBot(t, voice.Config{})
	bot.limiter = rate.NewLimiter(0, 1)

	require.NoError(t, bot.JoinChannel(voice.JoinRequest{GuildID: "G1", ChannelID: "V1"}))
	err := bot.JoinChannel(voice.JoinRequest{GuildID: "G2", ChannelID: "V2"})

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, *sent, 1)
}

func TestLeaveWithoutConnectionFails(t *testing.T) {
	bot, sent := newTestBot(t, voice.Config{})

	assert.Error(t, bot.LeaveChannel("G1"))
	assert.Empty(t, *sent)
}

func TestDispatchDrivesHandshake(t *testing.T) {
	srv := gatewaytest.NewServer()
	defer srv.Close()

	bot, _ := newTestBot(t, voice.Config{Dialer: srv.Dialer()})
	require.NoError(t, bot.JoinChannel(voice.JoinRequest{GuildID: "G1", ChannelID: "V1"}))

	bot.dispatch(nil, dispatchEvent(t, "VOICE_SERVER_UPDATE", map[string]any{
		"token": "T", "guild_id": "G1", "endpoint": srv.Endpoint(),
	}))
	bot.dispatch(nil, dispatchEvent(t, "VOICE_STATE_UPDATE", map[string]any{
		"session_id": "S", "channel_id": "V1", "user_id": clientID, "guild_id": "G1",
	}))

	srv.Accepted(t)
	identify := srv.Next(t)
	assert.Equal(t, 0, identify.Op)
	assert.JSONEq(t, `{"server_id":"G1","user_id":"`+clientID+`","session_id":"S","token":"T"}`, string(identify.D))

	c, _ := bot.Registry().Get("G1")
	assert.Equal(t, voice.StateConnecting, c.State())
}

func TestDispatchIgnoresOtherEvents(t *testing.T) {
	bot, _ := newTestBot(t, voice.Config{})
	c := bot.Registry().GetOrCreate("G1")

	bot.dispatch(nil, dispatchEvent(t, "MESSAGE_CREATE", map[string]any{"guild_id": "G1"}))
	bot.dispatch(nil, &discordgo.Event{Operation: 0, Type: "VOICE_SERVER_UPDATE", RawData: []byte(`{"token":`)})
	bot.dispatch(nil, &discordgo.Event{Operation: 11, Type: "VOICE_SERVER_UPDATE"})
	bot.dispatch(nil, dispatchEvent(t, "VOICE_STATE_UPDATE", map[string]any{
		"session_id": "S", "channel_id": "V1", "user_id": "someone-else", "guild_id": "G1",
	}))

	assert.Equal(t, voice.ServerInfo{}, c.ServerInfo())
	assert.Equal(t, voice.StatePending, c.State())
}

func TestCommands(t *testing.T) {
	bot, sent := newTestBot(t, voice.Config{})
	require.NoError(t, bot.discord.State.GuildAdd(&discordgo.Guild{
		ID: "G1",
		VoiceStates: []*discordgo.VoiceState{
			{GuildID: "G1", UserID: "U1", ChannelID: "V1"},
		},
	}))

	assert.Equal(t, "", bot.command("hello", "G1", "U1"))
	assert.Equal(t, "You need to be in a voice channel!", bot.command("!join", "G1", "U2"))
	assert.Equal(t, "Status: Connected=false, InVoice=false", bot.command("!status", "G1", "U1"))

	assert.Equal(t, "Joining voice channel...", bot.command("!join", "G1", "U1"))
	require.Len(t, *sent, 1)
	assert.Equal(t, "V1", (*sent)[0].channelID)
	assert.Equal(t, "Status: Connected=false, InVoice=true, State=pending", bot.command(" !status ", "G1", "U1"))

	assert.Equal(t, "Left voice channel!", bot.command("!leave", "G1", "U1"))
	assert.Contains(t, bot.command("!leave", "G1", "U1"), "Error:")
}

func TestStatus(t *testing.T) {
	bot, _ := newTestBot(t, voice.Config{})
	require.NoError(t, bot.JoinChannel(voice.JoinRequest{GuildID: "G2", ChannelID: "V2"}))
	require.NoError(t, bot.JoinChannel(voice.JoinRequest{GuildID: "G1", ChannelID: "V1"}))
	c, _ := bot.Registry().Get("G1")
	require.NoError(t, c.SetServerInfo(voice.ServerInfo{Endpoint: "voice.example.test", Token: "T", SessionID: "S"}))

	status := bot.Status()

	assert.False(t, status.Connected)
	assert.Equal(t, clientID, status.ClientID)
	require.Len(t, status.Guilds, 2)
	assert.Equal(t, GuildStatus{GuildID: "G1", State: voice.StateReady, Endpoint: "voice.example.test", Ping: -1 * time.Nanosecond}, status.Guilds[0])
	assert.Equal(t, "G2", status.Guilds[1].GuildID)
	assert.Equal(t, voice.StatePending, status.Guilds[1].State)
}

type droppingBus struct{ dropped int64 }

func (droppingBus) Publish(feedback.Event) {}

func (b droppingBus) GetMetrics() feedback.EventMetrics {
	return feedback.EventMetrics{EventsDropped: b.dropped}
}

func TestStatusReportsDroppedEvents(t *testing.T) {
	bot, _ := newTestBot(t, voice.Config{Events: droppingBus{dropped: 3}})

	assert.Equal(t, int64(3), bot.Status().EventsDropped)
}

func TestClientIDFromToken(t *testing.T) {
	segment := base64.RawStdEncoding.EncodeToString([]byte(clientID))

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "plain", token: segment + ".GhXYzA.abcdef", want: clientID},
		{name: "bot prefix", token: "Bot " + segment + ".GhXYzA.abcdef", want: clientID},
		{name: "padded", token: base64.StdEncoding.EncodeToString([]byte(clientID)) + ".x.y", want: clientID},
		{name: "no dots", token: "dummy_token", wantErr: true},
		{name: "not base64", token: "!!!.x.y", wantErr: true},
		{name: "not a snowflake", token: base64.RawStdEncoding.EncodeToString([]byte("bot-name")) + ".x.y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClientIDFromToken(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
