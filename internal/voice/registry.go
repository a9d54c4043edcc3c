package voice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/gateway"
	"github.com/fankserver/discord-voice-link/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Config configures a Registry.
type Config struct {
	// ClientID is the bot's own user id. Session updates for other users are
	// ignored.
	ClientID string
	// Transport sends op 4 over the main gateway. JoinChannel and
	// LeaveChannel fail with ErrTransportUnavailable when it is nil.
	Transport Transport
	Events    Publisher
	Metrics   *metrics.Collector
	// Dialer is passed to every voice gateway socket. Nil uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Registry holds at most one Connection per guild and routes dispatcher
// updates to them.
type Registry struct {
	cfg       Config
	newSocket func(gateway.Config) socket
	logger    *logrus.Entry

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	return &Registry{
		cfg:         cfg,
		newSocket:   newGatewaySocket,
		logger:      logrus.WithField("component", "voice_registry"),
		connections: make(map[string]*Connection),
	}
}

// ClientID returns the bot user id the registry filters session updates by.
func (r *Registry) ClientID() string { return r.cfg.ClientID }

// GetOrCreate returns the guild's connection, creating a pending one if none
// exists.
func (r *Registry) GetOrCreate(guildID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.connections[guildID]; ok {
		return c
	}
	c := newConnection(guildID, r)
	r.connections[guildID] = c
	r.cfg.Metrics.ConnectionAdded()
	r.logger.WithField("guild_id", guildID).Debug("Created voice connection")
	return c
}

// Get returns the guild's connection without creating one.
func (r *Registry) Get(guildID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[guildID]
	return c, ok
}

// Destroy disconnects and removes the guild's connection. Unknown guilds are
// ignored.
func (r *Registry) Destroy(guildID string) {
	r.mu.Lock()
	c, ok := r.connections[guildID]
	if ok {
		delete(r.connections, guildID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	c.Disconnect()
	r.cfg.Metrics.ConnectionRemoved()
	r.cfg.Metrics.Forget(guildID)
	r.logger.WithField("guild_id", guildID).Debug("Destroyed voice connection")
}

// Len returns the number of connections held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Connections returns a snapshot of all connections.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// Close destroys every connection.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

// RouteUpdate applies a dispatcher update to the guild's existing connection
// and connects it once the update made it ready. Updates for guilds without a
// connection, foreign users or an empty channel are dropped.
func (r *Registry) RouteUpdate(update Update) {
	var c *Connection
	switch u := update.(type) {
	case SessionUpdate:
		if u.UserID != r.cfg.ClientID || u.ChannelID == "" {
			return
		}
		conn, ok := r.lookup(u.GuildID)
		if !ok {
			return
		}
		conn.SetSessionID(u.SessionID)
		c = conn

	case ServerUpdate:
		conn, ok := r.lookup(u.GuildID)
		if !ok {
			return
		}
		conn.SetServerUpdate(u.Endpoint, u.Token)
		c = conn

	default:
		return
	}

	if c.State() != StateReady {
		return
	}
	if err := c.Connect(); err != nil {
		c.publish(feedback.EventWarn, fmt.Sprintf("Could not connect voice connection: %v", err))
	}
}

func (r *Registry) lookup(guildID string) (*Connection, bool) {
	if guildID == "" {
		return nil, false
	}
	return r.Get(guildID)
}

// JoinChannel creates the guild's connection and asks the platform to move
// the bot into the channel. The voice handshake follows once both dispatches
// arrive through RouteUpdate.
func (r *Registry) JoinChannel(req JoinRequest) (*Connection, error) {
	if r.cfg.Transport == nil {
		return nil, ErrTransportUnavailable
	}
	if req.GuildID == "" || req.ChannelID == "" {
		return nil, errors.New("guild id and channel id are required")
	}

	c := r.GetOrCreate(req.GuildID)
	channelID := req.ChannelID
	err := r.cfg.Transport(req.GuildID, OutgoingPacket{
		Op: opVoiceStateUpdate,
		D: VoiceStateData{
			GuildID:   req.GuildID,
			ChannelID: &channelID,
			SelfDeaf:  req.SelfDeaf,
			SelfMute:  req.SelfMute,
		},
	})
	if err != nil {
		return c, fmt.Errorf("send voice state update: %w", err)
	}
	return c, nil
}

// LeaveChannel asks the platform to remove the bot from voice in the guild
// and destroys the connection.
func (r *Registry) LeaveChannel(guildID string) error {
	if r.cfg.Transport == nil {
		return ErrTransportUnavailable
	}

	err := r.cfg.Transport(guildID, OutgoingPacket{
		Op: opVoiceStateUpdate,
		D:  VoiceStateData{GuildID: guildID},
	})
	r.Destroy(guildID)
	if err != nil {
		return fmt.Errorf("send voice state update: %w", err)
	}
	return nil
}
