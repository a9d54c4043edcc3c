package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/gateway"
	"github.com/fankserver/discord-voice-link/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a voice connection.
type State string

const (
	// StatePending waits for the session id and the voice server.
	StatePending State = "pending"
	// StateReady has complete server info and may connect.
	StateReady State = "ready"
	// StateConnecting owns a socket whose handshake has not completed.
	StateConnecting State = "connecting"
	// StateConnected has received READY from the voice gateway.
	StateConnected State = "connected"
)

const (
	eventReady      = "ready"
	eventConnect    = "connect"
	eventHandshake  = "handshake"
	eventDisconnect = "disconnect"
)

// Publisher receives the events a connection emits. *feedback.EventBus
// satisfies it.
type Publisher interface {
	Publish(event feedback.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(feedback.Event) {}

// socket is the part of *gateway.Socket a connection drives.
type socket interface {
	Connect()
	Disconnect(code int, reason string)
	Ping() time.Duration
}

func newGatewaySocket(cfg gateway.Config) socket { return gateway.New(cfg) }

// Connection is the voice state of one guild. It collects the session id and
// the voice server, and owns at most one gateway socket at a time.
type Connection struct {
	guildID   string
	clientID  string
	events    Publisher
	metrics   *metrics.Collector
	dialer    *websocket.Dialer
	newSocket func(gateway.Config) socket
	logger    *logrus.Entry

	mu      sync.Mutex
	machine *fsm.FSM
	info    ServerInfo
	ssrc    uint32
	hasSSRC bool
	socket  socket
}

func newConnection(guildID string, r *Registry) *Connection {
	c := &Connection{
		guildID:   guildID,
		clientID:  r.cfg.ClientID,
		events:    r.cfg.Events,
		metrics:   r.cfg.Metrics,
		dialer:    r.cfg.Dialer,
		newSocket: r.newSocket,
		logger: logrus.WithFields(logrus.Fields{
			"component": "voice",
			"guild_id":  guildID,
		}),
	}

	pending, ready, connecting, connected := string(StatePending), string(StateReady), string(StateConnecting), string(StateConnected)
	c.machine = fsm.NewFSM(
		pending,
		fsm.Events{
			{Name: eventReady, Src: []string{pending, ready, connecting, connected}, Dst: ready},
			{Name: eventConnect, Src: []string{ready}, Dst: connecting},
			{Name: eventHandshake, Src: []string{connecting}, Dst: connected},
			{Name: eventDisconnect, Src: []string{pending, ready, connecting, connected}, Dst: pending},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.entered(e.Src, e.Dst)
			},
		},
	)
	return c
}

// GuildID returns the guild this connection belongs to.
func (c *Connection) GuildID() string { return c.guildID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.machine.Current()) }

// ServerInfo returns a copy of the collected server info.
func (c *Connection) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// SSRC returns the stream id assigned by the voice gateway, if any.
func (c *Connection) SSRC() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc, c.hasSSRC
}

// Ping returns the socket's last heartbeat round trip, or -1.
func (c *Connection) Ping() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket == nil {
		return -1
	}
	return c.socket.Ping()
}

// SetSessionID records the session id from VOICE_STATE_UPDATE. It only
// applies while pending, and promotes to ready when the voice server is
// already known.
func (c *Connection) SetSessionID(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debug(fmt.Sprintf("Received session id for guild %s.", c.guildID))
	if c.State() != StatePending {
		return
	}
	c.info.SessionID = sessionID
	if c.info.Complete() {
		c.fire(eventReady)
	}
}

// SetServerUpdate records the endpoint and token from VOICE_SERVER_UPDATE and
// promotes to ready when the session id is already known. A live socket is
// retired because it points at the previous voice server.
func (c *Connection) SetServerUpdate(endpoint, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debug(fmt.Sprintf("Received voice server %s for guild %s.", endpoint, c.guildID))
	c.info.Endpoint = endpoint
	c.info.Token = token
	if !c.info.Complete() {
		return
	}
	c.retireSocket("voice server changed")
	c.fire(eventReady)
}

// SetServerInfo replaces the server info in one step and forces the
// connection to ready. It fails without touching state unless info is
// complete.
func (c *Connection) SetServerInfo(info ServerInfo) error {
	if !info.Complete() {
		return fmt.Errorf("%w: endpoint, token and session id are required", ErrMalformedServerInfo)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.debug(fmt.Sprintf("Voice server info set for guild %s.", c.guildID))
	c.retireSocket("voice server changed")
	c.info = info
	c.fire(eventReady)
	return nil
}

// Connect starts the voice gateway handshake. It is a no-op once connected.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StatePending:
		return ErrMissingServerInfo
	case StateConnecting:
		return ErrAlreadyConnecting
	case StateConnected:
		return nil
	}

	c.debug(fmt.Sprintf("Connecting voice connection for guild %s to %s.", c.guildID, c.info.Endpoint))
	if err := c.fire(eventConnect); err != nil {
		return err
	}

	l := &socketListener{conn: c, id: uuid.New().String()}
	s := c.newSocket(gateway.Config{
		GuildID:   c.guildID,
		UserID:    c.clientID,
		Endpoint:  c.info.Endpoint,
		SessionID: c.info.SessionID,
		Token:     c.info.Token,
		Listener:  l,
		Dialer:    c.dialer,
	})
	l.sock = s
	c.socket = s
	s.Connect()
	return nil
}

// Disconnect forgets the server info, closes the socket and returns to
// pending. It is valid in every state.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.debug(fmt.Sprintf("Disconnecting voice connection for guild %s.", c.guildID))
	c.retireSocket("manual")
	c.info = ServerInfo{}
	c.ssrc = 0
	c.hasSSRC = false
	c.fire(eventDisconnect)
}

// retireSocket closes the owned socket cleanly. Callers hold c.mu.
func (c *Connection) retireSocket(reason string) {
	if c.socket == nil {
		return
	}
	c.socket.Disconnect(gateway.CloseNormal, reason)
	c.socket = nil
}

// fire runs an fsm event. Re-entering the current state is not an error.
func (c *Connection) fire(event string) error {
	err := c.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	if err != nil {
		c.logger.WithError(err).WithField("event", event).Error("Invalid voice connection transition")
	}
	return err
}

func (c *Connection) entered(from, to string) {
	c.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Debug("Voice connection state changed")
	c.metrics.StateTransition(from, to)
	c.publish(feedback.EventStateChange, feedback.StateChangeData{From: from, To: to})
}

func (c *Connection) debug(msg string) {
	c.publish(feedback.EventDebug, msg)
}

func (c *Connection) publish(t feedback.EventType, data interface{}) {
	c.events.Publish(feedback.Event{Type: t, GuildID: c.guildID, Data: data})
}

// socketListener forwards one socket's reports to its connection, tagged with
// the socket id. A READY from a socket the connection no longer owns is
// dropped.
type socketListener struct {
	conn *Connection
	sock socket
	id   string
}

func (l *socketListener) Debug(msg string) { l.conn.publish(feedback.EventDebug, msg) }
func (l *socketListener) Warn(msg string)  { l.conn.publish(feedback.EventWarn, msg) }
func (l *socketListener) Error(err error)  { l.conn.publish(feedback.EventError, err) }

func (l *socketListener) Raw(p gateway.Packet) {
	if !p.Op.Handled() {
		l.conn.metrics.UnhandledOpcode(int(p.Op))
	}
	l.conn.publish(feedback.EventRawWS, feedback.RawData{SocketID: l.id, Op: int(p.Op), D: p.D})
}

func (l *socketListener) Heartbeat(int64) {
	l.conn.metrics.HeartbeatSent(l.conn.guildID)
}

func (l *socketListener) Ack(ping time.Duration, paired bool) {
	l.conn.metrics.HeartbeatAck(l.conn.guildID, ping, paired)
	l.conn.publish(feedback.EventPing, feedback.PingData{SocketID: l.id, Ping: ping, Paired: paired})
}

func (l *socketListener) Ready(r gateway.Ready) {
	c := l.conn
	c.mu.Lock()
	if c.socket != l.sock {
		c.mu.Unlock()
		return
	}
	c.ssrc = r.SSRC
	c.hasSSRC = true
	if c.State() == StateConnecting {
		c.fire(eventHandshake)
	}
	c.mu.Unlock()

	c.metrics.Handshake(c.guildID)
	c.publish(feedback.EventReady, feedback.ReadyData{SocketID: l.id, SSRC: r.SSRC, IP: r.IP, Port: r.Port, Modes: r.Modes})
}

func (l *socketListener) Closed(code int, reason string, clean bool) {
	c := l.conn
	c.metrics.Closed(code)

	data := feedback.DisconnectData{SocketID: l.id, Code: code, Reason: reason, WasClean: clean}
	c.publish(feedback.EventClose, data)
	if code == gateway.CloseNormal {
		c.publish(feedback.EventDisconnect, data)
	}
}
