package bot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/session"
	"github.com/fankserver/discord-voice-link/internal/voice"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNotConnected is returned by the transport before the Discord gateway
// session is ready.
var ErrNotConnected = errors.New("not connected to the Discord gateway")

// ErrRateLimited is returned when voice state updates are sent faster than
// the gateway send budget allows.
var ErrRateLimited = errors.New("voice state update rate limited")

// Discord allows 120 gateway sends per minute; voice state updates get a
// fraction of that.
const (
	voiceStateEvery = 500 * time.Millisecond
	voiceStateBurst = 5
)

// VoiceBot connects the Discord gateway session to the voice registry: it
// routes voice dispatches in and sends op 4 out.
type VoiceBot struct {
	discord  *discordgo.Session
	registry *voice.Registry
	sessions *session.Manager
	limiter  *rate.Limiter
	bus      busMetrics

	// send issues op 4 on the main gateway. An empty channel id leaves voice.
	send func(guildID, channelID string, mute, deaf bool) error
}

// busMetrics is implemented by *feedback.EventBus.
type busMetrics interface {
	GetMetrics() feedback.EventMetrics
}

// GuildStatus describes one guild's voice connection.
type GuildStatus struct {
	GuildID   string        `json:"guildId"`
	State     voice.State   `json:"state"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Ping      time.Duration `json:"pingNs"`
	SSRC      uint32        `json:"ssrc,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
}

// Status is a snapshot of the bot.
type Status struct {
	Connected     bool          `json:"connected"`
	ClientID      string        `json:"clientId"`
	EventsDropped int64         `json:"eventsDropped"`
	Guilds        []GuildStatus `json:"guilds"`
}

// New creates a new VoiceBot. cfg.Transport is replaced by the bot's own
// gateway transport.
func New(token string, cfg voice.Config, sessionManager *session.Manager) (*VoiceBot, error) {
	discord, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	bot := &VoiceBot{
		discord:  discord,
		sessions: sessionManager,
		limiter:  rate.NewLimiter(rate.Every(voiceStateEvery), voiceStateBurst),
	}
	bot.send = bot.joinManual
	if bus, ok := cfg.Events.(busMetrics); ok {
		bot.bus = bus
	}
	cfg.Transport = bot.transport
	bot.registry = voice.NewRegistry(cfg)

	// Register handlers
	discord.AddHandler(bot.ready)
	discord.AddHandler(bot.dispatch)
	discord.AddHandler(bot.messageCreate)

	// Set intents
	discord.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	return bot, nil
}

// Registry returns the voice connection registry the bot feeds.
func (vb *VoiceBot) Registry() *voice.Registry { return vb.registry }

// Connect establishes connection to Discord
func (vb *VoiceBot) Connect() error {
	return vb.discord.Open()
}

// Disconnect leaves every voice channel and closes the Discord connection.
func (vb *VoiceBot) Disconnect() error {
	for _, c := range vb.registry.Connections() {
		if err := vb.registry.LeaveChannel(c.GuildID()); err != nil {
			logrus.WithError(err).WithField("guild_id", c.GuildID()).Debug("Error leaving voice channel")
		}
	}
	vb.registry.Close()
	return vb.discord.Close()
}

// JoinChannel asks Discord to move the bot into a voice channel. The voice
// handshake starts once Discord answers with the session and server updates.
func (vb *VoiceBot) JoinChannel(req voice.JoinRequest) error {
	if _, err := vb.registry.JoinChannel(req); err != nil {
		return fmt.Errorf("error joining voice channel: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"guild_id":   req.GuildID,
		"channel_id": req.ChannelID,
	}).Info("Requested voice channel join")
	return nil
}

// LeaveChannel leaves the guild's voice channel.
func (vb *VoiceBot) LeaveChannel(guildID string) error {
	if _, ok := vb.registry.Get(guildID); !ok {
		return fmt.Errorf("not in a voice channel in guild %s", guildID)
	}
	if err := vb.registry.LeaveChannel(guildID); err != nil {
		return fmt.Errorf("error leaving voice channel: %w", err)
	}
	logrus.WithField("guild_id", guildID).Info("Left voice channel")
	return nil
}

// Status returns the gateway state and every guild's voice connection.
func (vb *VoiceBot) Status() Status {
	status := Status{
		Connected: vb.discord.DataReady,
		ClientID:  vb.registry.ClientID(),
		Guilds:    []GuildStatus{},
	}
	if vb.bus != nil {
		status.EventsDropped = vb.bus.GetMetrics().EventsDropped
	}

	for _, c := range vb.registry.Connections() {
		gs := GuildStatus{
			GuildID:  c.GuildID(),
			State:    c.State(),
			Endpoint: c.ServerInfo().Endpoint,
			Ping:     c.Ping(),
		}
		if ssrc, ok := c.SSRC(); ok {
			gs.SSRC = ssrc
		}
		if vb.sessions != nil {
			if s, ok := vb.sessions.ActiveSession(c.GuildID()); ok {
				gs.SessionID = s.ID
			}
		}
		status.Guilds = append(status.Guilds, gs)
	}
	sort.Slice(status.Guilds, func(i, j int) bool {
		return status.Guilds[i].GuildID < status.Guilds[j].GuildID
	})
	return status
}

func (vb *VoiceBot) transport(guildID string, packet voice.OutgoingPacket) error {
	if !vb.limiter.Allow() {
		return ErrRateLimited
	}
	channelID := ""
	if packet.D.ChannelID != nil {
		channelID = *packet.D.ChannelID
	}
	return vb.send(guildID, channelID, packet.D.SelfMute, packet.D.SelfDeaf)
}

func (vb *VoiceBot) joinManual(guildID, channelID string, mute, deaf bool) error {
	if !vb.discord.DataReady {
		return ErrNotConnected
	}
	return vb.discord.ChannelVoiceJoinManual(guildID, channelID, mute, deaf)
}

// Event handlers

func (vb *VoiceBot) ready(_ *discordgo.Session, event *discordgo.Ready) {
	if event.User == nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"username":      event.User.Username,
		"discriminator": event.User.Discriminator,
	}).Info("Bot is ready")

	if event.User.ID != vb.registry.ClientID() {
		logrus.WithFields(logrus.Fields{
			"user_id":   event.User.ID,
			"client_id": vb.registry.ClientID(),
		}).Warn("Gateway user does not match the configured client id, voice state updates will be ignored")
	}
}

func (vb *VoiceBot) dispatch(_ *discordgo.Session, e *discordgo.Event) {
	if e.Operation != 0 {
		return
	}
	update, err := voice.DecodeDispatch(e.Type, e.RawData)
	if errors.Is(err, voice.ErrNotVoiceUpdate) {
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("type", e.Type).Warn("Could not decode voice dispatch")
		return
	}
	vb.registry.RouteUpdate(update)
}

func (vb *VoiceBot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot messages
	if m.Author == nil || m.Author.ID == vb.registry.ClientID() || m.Author.Bot {
		return
	}

	reply := vb.command(m.Content, m.GuildID, m.Author.ID)
	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		logrus.WithError(err).Debug("Failed to send command reply")
	}
}

// command runs a text command and returns the reply, or "" for anything that
// is not a command.
func (vb *VoiceBot) command(content, guildID, authorID string) string {
	switch strings.TrimSpace(content) {
	case "!join":
		vs, err := vb.discord.State.VoiceState(guildID, authorID)
		if err != nil || vs.ChannelID == "" {
			return "You need to be in a voice channel!"
		}
		if err := vb.JoinChannel(voice.JoinRequest{GuildID: guildID, ChannelID: vs.ChannelID}); err != nil {
			logrus.WithError(err).Error("Failed to join voice channel")
			return "Error: " + err.Error()
		}
		return "Joining voice channel..."

	case "!leave":
		if err := vb.LeaveChannel(guildID); err != nil {
			return "Error: " + err.Error()
		}
		return "Left voice channel!"

	case "!status":
		c, ok := vb.registry.Get(guildID)
		if !ok {
			return fmt.Sprintf("Status: Connected=%v, InVoice=false", vb.discord.DataReady)
		}
		msg := fmt.Sprintf("Status: Connected=%v, InVoice=true, State=%s", vb.discord.DataReady, c.State())
		if ping := c.Ping(); ping >= 0 {
			msg += fmt.Sprintf(", Ping=%s", ping.Round(time.Millisecond))
		}
		return msg
	}
	return ""
}
