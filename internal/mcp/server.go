package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fankserver/discord-voice-link/internal/bot"
	"github.com/fankserver/discord-voice-link/internal/session"
	"github.com/fankserver/discord-voice-link/internal/voice"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

// Controller is the part of the bot the tools drive.
type Controller interface {
	JoinChannel(req voice.JoinRequest) error
	LeaveChannel(guildID string) error
	Status() bot.Status
}

// Journal is the part of the session manager the tools read.
type Journal interface {
	GetSession(sessionID string) (session.Session, error)
	ListSessions() []session.Session
	ExportSession(sessionID string) (string, error)
}

// Server exposes the voice link over MCP
type Server struct {
	controller Controller
	sessions   Journal
	mcpServer  *mcp.Server
}

// EmptyInput is the argument set of tools without parameters.
type EmptyInput struct{}

// JoinVoiceChannelInput selects the channel to join.
type JoinVoiceChannelInput struct {
	GuildID   string `json:"guildId" jsonschema:"the Discord guild (server) ID"`
	ChannelID string `json:"channelId" jsonschema:"the voice channel ID to join"`
	SelfDeaf  bool   `json:"selfDeaf,omitempty" jsonschema:"join deafened"`
	SelfMute  bool   `json:"selfMute,omitempty" jsonschema:"join muted"`
}

// LeaveVoiceChannelInput selects the guild to leave voice in.
type LeaveVoiceChannelInput struct {
	GuildID string `json:"guildId" jsonschema:"the Discord guild (server) ID"`
}

// SessionInput selects a voice session.
type SessionInput struct {
	SessionID string `json:"sessionId" jsonschema:"the voice session ID"`
}

// NewServer creates a new MCP server
func NewServer(controller Controller, sessions Journal, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		controller: controller,
		sessions:   sessions,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    "discord-voice-link",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "join_voice_channel",
		Description: "Join a Discord voice channel and start the voice handshake",
	}, s.handleJoinVoiceChannel)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "leave_voice_channel",
		Description: "Leave the voice channel in a guild",
	}, s.handleLeaveVoiceChannel)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_status",
		Description: "Show the gateway state and every voice connection",
	}, s.handleGetStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List all voice sessions",
	}, s.handleListSessions)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_session",
		Description: "Show one voice session with its warnings and errors",
	}, s.handleGetSession)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "export_session",
		Description: "Export a voice session to a JSON file",
	}, s.handleExportSession)
}

// Run serves MCP over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	logrus.Info("MCP Server started")
	return s.mcpServer.Run(ctx, mcp.NewStdioTransport())
}

func textResult(text string) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func (s *Server) handleJoinVoiceChannel(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[JoinVoiceChannelInput]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if args.GuildID == "" || args.ChannelID == "" {
		return nil, errors.New("guildId and channelId are required")
	}

	err := s.controller.JoinChannel(voice.JoinRequest{
		GuildID:   args.GuildID,
		ChannelID: args.ChannelID,
		SelfDeaf:  args.SelfDeaf,
		SelfMute:  args.SelfMute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}
	return textResult(fmt.Sprintf("Requested to join voice channel %s in guild %s. The voice handshake starts once Discord assigns a voice server.", args.ChannelID, args.GuildID)), nil
}

func (s *Server) handleLeaveVoiceChannel(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[LeaveVoiceChannelInput]) (*mcp.CallToolResultFor[any], error) {
	if params.Arguments.GuildID == "" {
		return nil, errors.New("guildId is required")
	}
	if err := s.controller.LeaveChannel(params.Arguments.GuildID); err != nil {
		return nil, fmt.Errorf("failed to leave voice channel: %w", err)
	}
	return textResult(fmt.Sprintf("Left voice channel in guild %s", params.Arguments.GuildID)), nil
}

func (s *Server) handleGetStatus(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[EmptyInput]) (*mcp.CallToolResultFor[any], error) {
	status := s.controller.Status()

	var b strings.Builder
	b.WriteString("Bot Status:\n")
	fmt.Fprintf(&b, "- Connected: %v\n", status.Connected)
	fmt.Fprintf(&b, "- Client ID: %s\n", status.ClientID)
	fmt.Fprintf(&b, "- Voice Connections: %d\n", len(status.Guilds))
	if status.EventsDropped > 0 {
		fmt.Fprintf(&b, "- Events Dropped: %d\n", status.EventsDropped)
	}
	for _, g := range status.Guilds {
		fmt.Fprintf(&b, "\nGuild %s:\n", g.GuildID)
		fmt.Fprintf(&b, "  State: %s\n", g.State)
		if g.Endpoint != "" {
			fmt.Fprintf(&b, "  Endpoint: %s\n", g.Endpoint)
		}
		if g.Ping >= 0 {
			fmt.Fprintf(&b, "  Ping: %s\n", g.Ping.Round(time.Millisecond))
		}
		if g.SSRC != 0 {
			fmt.Fprintf(&b, "  SSRC: %d\n", g.SSRC)
		}
		if g.SessionID != "" {
			fmt.Fprintf(&b, "  Session: %s\n", g.SessionID)
		}
	}
	return textResult(b.String()), nil
}

func (s *Server) handleListSessions(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[EmptyInput]) (*mcp.CallToolResultFor[any], error) {
	sessions := s.sessions.ListSessions()
	if len(sessions) == 0 {
		return textResult("No sessions found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d session(s):\n", len(sessions))
	for _, sess := range sessions {
		status := "active"
		if !sess.Active() {
			status = fmt.Sprintf("closed %d", sess.CloseCode)
		}
		fmt.Fprintf(&b, "\n- %s (guild %s, %s)\n", sess.ID, sess.GuildID, status)
		fmt.Fprintf(&b, "  Started: %s\n", sess.StartTime.Format(time.RFC3339))
		fmt.Fprintf(&b, "  Heartbeats: %d, last ping %s\n", sess.Heartbeats, sess.LastPing.Round(time.Millisecond))
		if len(sess.Speakers) > 0 {
			fmt.Fprintf(&b, "  %d speaker(s)\n", len(sess.Speakers))
		}
		if len(sess.Notes) > 0 {
			fmt.Fprintf(&b, "  %d note(s)\n", len(sess.Notes))
		}
	}
	return textResult(b.String()), nil
}

func (s *Server) handleGetSession(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[SessionInput]) (*mcp.CallToolResultFor[any], error) {
	sess, err := s.sessions.GetSession(params.Arguments.SessionID)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleExportSession(ctx context.Context, ss *mcp.ServerSession, params *mcp.CallToolParamsFor[SessionInput]) (*mcp.CallToolResultFor[any], error) {
	path, err := s.sessions.ExportSession(params.Arguments.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to export session: %w", err)
	}
	return textResult(fmt.Sprintf("Session exported to: %s", path)), nil
}
