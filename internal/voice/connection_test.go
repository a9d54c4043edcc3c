package voice

import (
	"sync"
	"testing"
	"time"

	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/fankserver/discord-voice-link/internal/gateway"
	"github.com/fankserver/discord-voice-link/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClient   = "C1"
	testGuild    = "G1"
	testEndpoint = "voice.example.test"
	testToken    = "T"
	testSession  = "S"
)

type publishRecorder struct {
	mu     sync.Mutex
	events []feedback.Event
}

func (p *publishRecorder) Publish(e feedback.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *publishRecorder) all() []feedback.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]feedback.Event(nil), p.events...)
}

func (p *publishRecorder) ofType(t feedback.EventType) []feedback.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []feedback.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type disconnectCall struct {
	code   int
	reason string
}

type fakeSocket struct {
	cfg gateway.Config

	mu          sync.Mutex
	connects    int
	disconnects []disconnectCall
}

func (s *fakeSocket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *fakeSocket) Disconnect(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, disconnectCall{code, reason})
}

func (s *fakeSocket) Ping() time.Duration { return 25 * time.Millisecond }

func (s *fakeSocket) Disconnects() []disconnectCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]disconnectCall(nil), s.disconnects...)
}

type fixture struct {
	registry *Registry
	events   *publishRecorder
	sent     []OutgoingPacket

	mu      sync.Mutex
	sockets []*fakeSocket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{events: &publishRecorder{}}
	f.registry = NewRegistry(Config{
		ClientID: testClient,
		Events:   f.events,
		Transport: func(guildID string, p OutgoingPacket) error {
			f.sent = append(f.sent, p)
			return nil
		},
	})
	f.registry.newSocket = func(cfg gateway.Config) socket {
		f.mu.Lock()
		defer f.mu.Unlock()
		s := &fakeSocket{cfg: cfg}
		f.sockets = append(f.sockets, s)
		return s
	}
	return f
}

func (f *fixture) socketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fixture) socket(t *testing.T, i int) *fakeSocket {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.sockets), i, "socket %d was never created", i)
	return f.sockets[i]
}

func (f *fixture) socketID(t *testing.T, i int) string {
	t.Helper()
	l, ok := f.socket(t, i).cfg.Listener.(*socketListener)
	require.True(t, ok)
	require.NotEmpty(t, l.id)
	return l.id
}

func readyInfo() ServerInfo {
	return ServerInfo{Endpoint: testEndpoint, Token: testToken, SessionID: testSession}
}

// connected drives a fresh connection through a full handshake.
func (f *fixture) connected(t *testing.T) *Connection {
	t.Helper()
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))
	require.NoError(t, c.Connect())
	f.socket(t, f.socketCount()-1).cfg.Listener.Ready(gateway.Ready{SSRC: 42, IP: "127.0.0.1", Port: 50000, Modes: []string{"xsalsa20_poly1305"}})
	require.Equal(t, StateConnected, c.State())
	return c
}

func TestNewConnectionIsPending(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)

	assert.Equal(t, testGuild, c.GuildID())
	assert.Equal(t, StatePending, c.State())
	assert.Equal(t, ServerInfo{}, c.ServerInfo())
	assert.Equal(t, time.Duration(-1), c.Ping())
	_, ok := c.SSRC()
	assert.False(t, ok)
}

func TestSignalsReachReadyInEitherOrder(t *testing.T) {
	tests := []struct {
		name  string
		apply func(c *Connection)
	}{
		{
			name: "session first",
			apply: func(c *Connection) {
				c.SetSessionID(testSession)
				assert.Equal(t, StatePending, c.State())
				c.SetServerUpdate(testEndpoint, testToken)
			},
		},
		{
			name: "server first",
			apply: func(c *Connection) {
				c.SetServerUpdate(testEndpoint, testToken)
				assert.Equal(t, StatePending, c.State())
				c.SetSessionID(testSession)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.registry.GetOrCreate(testGuild)

			tt.apply(c)

			assert.Equal(t, StateReady, c.State())
			assert.Equal(t, readyInfo(), c.ServerInfo())
			changes := f.events.ofType(feedback.EventStateChange)
			require.Len(t, changes, 1)
			assert.Equal(t, feedback.StateChangeData{From: "pending", To: "ready"}, changes[0].Data)
		})
	}
}

func TestSetServerInfo(t *testing.T) {
	tests := []struct {
		name    string
		info    ServerInfo
		wantErr bool
	}{
		{name: "complete", info: readyInfo()},
		{name: "missing endpoint", info: ServerInfo{Token: testToken, SessionID: testSession}, wantErr: true},
		{name: "missing token", info: ServerInfo{Endpoint: testEndpoint, SessionID: testSession}, wantErr: true},
		{name: "missing session", info: ServerInfo{Endpoint: testEndpoint, Token: testToken}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c := f.registry.GetOrCreate(testGuild)

			err := c.SetServerInfo(tt.info)

			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedServerInfo)
				assert.Equal(t, StatePending, c.State())
				assert.Equal(t, ServerInfo{}, c.ServerInfo())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateReady, c.State())
			assert.Equal(t, tt.info, c.ServerInfo())
		})
	}
}

func TestSessionIDOnlyAppliesWhilePending(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))

	c.SetSessionID("other")

	assert.Equal(t, testSession, c.ServerInfo().SessionID)
	assert.Equal(t, StateReady, c.State())
}

func TestConnectFromPendingFails(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)

	err := c.Connect()

	assert.ErrorIs(t, err, ErrMissingServerInfo)
	assert.Equal(t, StatePending, c.State())
	assert.Zero(t, f.socketCount())
}

func TestConnectStartsSocket(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))

	require.NoError(t, c.Connect())

	assert.Equal(t, StateConnecting, c.State())
	s := f.socket(t, 0)
	assert.Equal(t, 1, s.connects)
	assert.Equal(t, testGuild, s.cfg.GuildID)
	assert.Equal(t, testClient, s.cfg.UserID)
	assert.Equal(t, testEndpoint, s.cfg.Endpoint)
	assert.Equal(t, testSession, s.cfg.SessionID)
	assert.Equal(t, testToken, s.cfg.Token)
	assert.Equal(t, 25*time.Millisecond, c.Ping())
}

func TestConnectWhileConnectingFails(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))
	require.NoError(t, c.Connect())

	err := c.Connect()

	assert.ErrorIs(t, err, ErrAlreadyConnecting)
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, 1, f.socketCount())
}

func TestReadyCompletesHandshake(t *testing.T) {
	f := newFixture(t)
	c := f.connected(t)

	ssrc, ok := c.SSRC()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), ssrc)

	ready := f.events.ofType(feedback.EventReady)
	require.Len(t, ready, 1)
	assert.Equal(t, feedback.ReadyData{SocketID: f.socketID(t, 0), SSRC: 42, IP: "127.0.0.1", Port: 50000, Modes: []string{"xsalsa20_poly1305"}}, ready[0].Data)
}

func TestConnectWhileConnectedIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.connected(t)

	require.NoError(t, c.Connect())

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, f.socketCount())
	assert.Empty(t, f.socket(t, 0).Disconnects())
}

func TestDisconnectFromEveryState(t *testing.T) {
	setups := map[State]func(t *testing.T, f *fixture) *Connection{
		StatePending: func(t *testing.T, f *fixture) *Connection {
			c := f.registry.GetOrCreate(testGuild)
			c.SetServerUpdate(testEndpoint, testToken)
			return c
		},
		StateReady: func(t *testing.T, f *fixture) *Connection {
			c := f.registry.GetOrCreate(testGuild)
			require.NoError(t, c.SetServerInfo(readyInfo()))
			return c
		},
		StateConnecting: func(t *testing.T, f *fixture) *Connection {
			c := f.registry.GetOrCreate(testGuild)
			require.NoError(t, c.SetServerInfo(readyInfo()))
			require.NoError(t, c.Connect())
			return c
		},
		StateConnected: func(t *testing.T, f *fixture) *Connection {
			return f.connected(t)
		},
	}

	for state, setup := range setups {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t)
			c := setup(t, f)
			require.Equal(t, state, c.State())

			c.Disconnect()

			assert.Equal(t, StatePending, c.State())
			assert.Equal(t, ServerInfo{}, c.ServerInfo())
			_, ok := c.SSRC()
			assert.False(t, ok)
			assert.Equal(t, time.Duration(-1), c.Ping())
			if f.socketCount() > 0 {
				assert.Equal(t, []disconnectCall{{gateway.CloseNormal, "manual"}}, f.socket(t, 0).Disconnects())
			}
		})
	}
}

func TestInboundCloseKeepsState(t *testing.T) {
	f := newFixture(t)
	c := f.connected(t)
	l := f.socket(t, 0).cfg.Listener

	l.Closed(4006, "Session no longer valid", true)

	assert.Equal(t, StateConnected, c.State())
	closes := f.events.ofType(feedback.EventClose)
	require.Len(t, closes, 1)
	assert.Equal(t, feedback.DisconnectData{SocketID: f.socketID(t, 0), Code: 4006, Reason: "Session no longer valid", WasClean: true}, closes[0].Data)
	assert.Empty(t, f.events.ofType(feedback.EventDisconnect))

	l.Closed(gateway.CloseNormal, "bye", true)

	assert.Equal(t, StateConnected, c.State())
	disconnects := f.events.ofType(feedback.EventDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, feedback.DisconnectData{SocketID: f.socketID(t, 0), Code: 1000, Reason: "bye", WasClean: true}, disconnects[0].Data)
}

func TestServerUpdateWhileConnectedRetiresSocket(t *testing.T) {
	f := newFixture(t)
	c := f.connected(t)
	old := f.socket(t, 0)

	c.SetServerUpdate("moved.example.test", "T2")

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []disconnectCall{{gateway.CloseNormal, "voice server changed"}}, old.Disconnects())
	assert.Equal(t, ServerInfo{Endpoint: "moved.example.test", Token: "T2", SessionID: testSession}, c.ServerInfo())

	require.NoError(t, c.Connect())
	require.Equal(t, 2, f.socketCount())
	assert.Equal(t, "moved.example.test", f.socket(t, 1).cfg.Endpoint)
}

func TestStaleSocketReadyIsIgnored(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))
	require.NoError(t, c.Connect())
	stale := f.socket(t, 0).cfg.Listener

	c.SetServerUpdate("moved.example.test", "T2")
	require.NoError(t, c.Connect())
	stale.Ready(gateway.Ready{SSRC: 7})

	assert.Equal(t, StateConnecting, c.State())
	_, ok := c.SSRC()
	assert.False(t, ok)
	assert.Empty(t, f.events.ofType(feedback.EventReady))
}

func TestRetiredSocketCloseKeepsNewSession(t *testing.T) {
	f := newFixture(t)
	c := f.connected(t)
	old := f.socket(t, 0).cfg.Listener

	c.SetServerUpdate("moved.example.test", "T2")
	require.NoError(t, c.Connect())
	current := f.socket(t, 1).cfg.Listener
	current.Ready(gateway.Ready{SSRC: 43, IP: "127.0.0.2", Port: 50001})
	require.Equal(t, StateConnected, c.State())

	old.Closed(gateway.CloseNormal, "voice server changed", true)
	old.Ack(80*time.Millisecond, true)
	current.Ack(20*time.Millisecond, true)

	assert.Len(t, f.events.ofType(feedback.EventClose), 1)
	assert.Len(t, f.events.ofType(feedback.EventDisconnect), 1)

	journal := session.NewManager(t.TempDir())
	for _, e := range f.events.all() {
		journal.Handle(e)
	}
	active, ok := journal.ActiveSession(testGuild)
	require.True(t, ok)
	assert.Equal(t, f.socketID(t, 1), active.SocketID)
	assert.Equal(t, uint32(43), active.SSRC)
	assert.Equal(t, 1, active.Heartbeats)
	assert.Equal(t, 20*time.Millisecond, active.LastPing)

	sessions := journal.ListSessions()
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		if s.SocketID == f.socketID(t, 0) {
			assert.Equal(t, "superseded", s.CloseReason)
			assert.False(t, s.Active())
		}
	}

	seen := len(f.events.all())
	current.Closed(gateway.CloseNormal, "manual", true)
	for _, e := range f.events.all()[seen:] {
		journal.Handle(e)
	}
	_, ok = journal.ActiveSession(testGuild)
	assert.False(t, ok)
}

func TestListenerForwardsSocketReports(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)
	require.NoError(t, c.SetServerInfo(readyInfo()))
	require.NoError(t, c.Connect())
	l := f.socket(t, 0).cfg.Listener

	l.Warn("Unhandled WebSocket opcode: 5. Packet: {}")
	l.Raw(gateway.Packet{Op: gateway.OpSpeaking, D: []byte(`{}`)})
	l.Ack(30*time.Millisecond, false)

	warns := f.events.ofType(feedback.EventWarn)
	require.Len(t, warns, 1)
	assert.Equal(t, testGuild, warns[0].GuildID)
	raw := f.events.ofType(feedback.EventRawWS)
	require.Len(t, raw, 1)
	assert.Equal(t, 5, raw[0].Data.(feedback.RawData).Op)
	pings := f.events.ofType(feedback.EventPing)
	require.Len(t, pings, 1)
	assert.Equal(t, feedback.PingData{SocketID: f.socketID(t, 0), Ping: 30 * time.Millisecond, Paired: false}, pings[0].Data)
}

func TestOperationsPublishDebug(t *testing.T) {
	f := newFixture(t)
	c := f.registry.GetOrCreate(testGuild)

	c.SetSessionID(testSession)
	c.SetServerUpdate(testEndpoint, testToken)
	require.NoError(t, c.Connect())
	c.Disconnect()

	debugs := f.events.ofType(feedback.EventDebug)
	require.Len(t, debugs, 4)
	for _, e := range debugs {
		assert.Equal(t, testGuild, e.GuildID)
		assert.Contains(t, e.Message(), testGuild)
	}
}
