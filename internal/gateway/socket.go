package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errNotConnected = errors.New("voice gateway socket is not connected")

// Listener receives everything a Socket observes. Methods are called from the
// socket's own goroutines and must not block for long.
type Listener interface {
	Debug(msg string)
	Warn(msg string)
	Error(err error)
	Raw(p Packet)
	Heartbeat(nonce int64)
	Ack(ping time.Duration, paired bool)
	Ready(r Ready)
	Closed(code int, reason string, clean bool)
}

// Ticker is the subset of time.Ticker the heartbeat loop needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.Ticker.C }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

// Config holds everything needed to open one voice gateway socket.
type Config struct {
	GuildID   string
	UserID    string
	Endpoint  string
	SessionID string
	Token     string

	Listener Listener
	Dialer   *websocket.Dialer

	// CloseTimeout bounds how long a manual close waits for the peer's echo.
	CloseTimeout time.Duration

	Now       func() time.Time
	NewTicker func(time.Duration) Ticker
}

func (c *Config) applyDefaults() {
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewTicker == nil {
		c.NewTicker = newTimeTicker
	}
	if c.Listener == nil {
		c.Listener = nopListener{}
	}
}

// Socket drives one websocket through IDENTIFY, HELLO and the heartbeat loop.
type Socket struct {
	cfg Config

	mu        sync.Mutex
	current   *run
	lastNonce int64
	lastSent  time.Time
	ping      time.Duration
}

// run is a single physical connection attempt.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Socket.mu
	conn        *websocket.Conn
	manual      bool
	closeCode   int
	closeReason string

	writeMu sync.Mutex

	hbMu   sync.Mutex
	hbStop func()
}

func (r *run) stopHeartbeat() {
	r.hbMu.Lock()
	stop := r.hbStop
	r.hbStop = nil
	r.hbMu.Unlock()
	if stop != nil {
		stop()
	}
}

// New creates an idle socket. Nothing is dialed until Connect.
func New(cfg Config) *Socket {
	cfg.applyDefaults()
	return &Socket{cfg: cfg, ping: -1}
}

// URL returns the voice gateway address for the configured endpoint.
func (s *Socket) URL() string {
	return fmt.Sprintf("wss://%s?v=%d", s.cfg.Endpoint, Version)
}

// Ping returns the last measured heartbeat round trip, or -1 if none yet.
func (s *Socket) Ping() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ping
}

// Connected reports whether the socket currently holds an open connection.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.conn != nil
}

// Connect dials the voice gateway in the background. A connection that is
// still held is closed first.
func (s *Socket) Connect() {
	s.mu.Lock()
	prev := s.current
	s.mu.Unlock()
	if prev != nil {
		s.Disconnect(CloseNormal, "reconnecting")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.current = r
	s.mu.Unlock()

	go s.serve(r)
}

// Disconnect asks the peer for a clean close with the given code and reason.
// The close is reported to the listener once the peer answers, or after
// CloseTimeout. A dial still in flight is cancelled.
func (s *Socket) Disconnect(code int, reason string) {
	s.mu.Lock()
	r := s.current
	if r == nil || r.manual {
		s.mu.Unlock()
		return
	}
	r.manual = true
	r.closeCode = code
	r.closeReason = reason
	conn := r.conn
	s.mu.Unlock()

	s.cfg.Listener.Debug(fmt.Sprintf("Manually closing WebSocket with code: %d. Reason: %s.", code, reason))
	r.stopHeartbeat()

	if conn == nil {
		r.cancel()
		return
	}

	deadline := time.Now().Add(s.cfg.CloseTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		r.cancel()
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(deadline)
}

func (s *Socket) serve(r *run) {
	conn, _, err := s.cfg.Dialer.DialContext(r.ctx, s.URL(), nil)
	if err != nil {
		s.mu.Lock()
		manual, code, reason := r.manual, r.closeCode, r.closeReason
		s.mu.Unlock()
		if manual {
			s.closed(r, code, reason, false)
			return
		}
		s.cfg.Listener.Error(fmt.Errorf("dial voice gateway: %w", err))
		s.closed(r, closeAbnormal, err.Error(), false)
		return
	}

	s.mu.Lock()
	if r.manual {
		code, reason := r.closeCode, r.closeReason
		s.mu.Unlock()
		_ = conn.Close()
		s.closed(r, code, reason, false)
		return
	}
	r.conn = conn
	s.mu.Unlock()

	s.cfg.Listener.Debug("WebSocket opened.")
	s.identify(r)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.readFailed(r, err)
			return
		}
		s.handleMessage(r, data)
	}
}

func (s *Socket) readFailed(r *run, err error) {
	s.mu.Lock()
	manual, code, reason := r.manual, r.closeCode, r.closeReason
	s.mu.Unlock()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		text := ce.Text
		if text == "" && manual && ce.Code == code {
			text = reason
		}
		s.closed(r, ce.Code, text, true)
		return
	}

	if manual {
		// the peer never echoed our close frame
		s.closed(r, code, reason, false)
		return
	}

	s.cfg.Listener.Error(fmt.Errorf("read voice gateway: %w", err))
	s.closed(r, closeAbnormal, "", false)
}

func (s *Socket) closed(r *run, code int, reason string, clean bool) {
	r.stopHeartbeat()
	r.cancel()

	s.mu.Lock()
	conn := r.conn
	r.conn = nil
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	shown := reason
	if shown == "" {
		shown = "none"
	}
	s.cfg.Listener.Debug(fmt.Sprintf("WebSocket closed with code: %d. Reason: %s.", code, shown))
	if code != CloseNormal {
		s.cfg.Listener.Warn(fmt.Sprintf("Unhandled WebSocket close code: %d. Reason: %s.", code, reason))
	}
	s.cfg.Listener.Closed(code, reason, clean)
}

func (s *Socket) identify(r *run) {
	s.cfg.Listener.Debug("Identifying.")
	_ = s.send(r, OpIdentify, IdentifyPayload{
		ServerID:  s.cfg.GuildID,
		UserID:    s.cfg.UserID,
		SessionID: s.cfg.SessionID,
		Token:     s.cfg.Token,
	})
}

func (s *Socket) send(r *run, op Opcode, d any) error {
	data, err := json.Marshal(outgoing{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}

	s.mu.Lock()
	conn := r.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	r.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	r.writeMu.Unlock()
	if err != nil {
		err = fmt.Errorf("send %s: %w", op, err)
		s.cfg.Listener.Error(err)
		return err
	}
	return nil
}

func (s *Socket) handleMessage(r *run, data []byte) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		s.cfg.Listener.Error(fmt.Errorf("decode voice gateway packet: %w", err))
		return
	}

	s.cfg.Listener.Raw(p)

	switch p.Op {
	case OpReady:
		var ready Ready
		if err := json.Unmarshal(p.D, &ready); err != nil {
			s.cfg.Listener.Error(fmt.Errorf("decode %s: %w", p.Op, err))
			return
		}
		s.cfg.Listener.Debug(fmt.Sprintf("Received READY packet. Our SSRC: %d. UDP Server: %s:%d. Supported encryption modes: %s",
			ready.SSRC, ready.IP, ready.Port, strings.Join(ready.Modes, ",")))
		s.cfg.Listener.Ready(ready)

	case OpHeartbeatAck:
		now := s.cfg.Now()
		var nonce int64
		decoded := json.Unmarshal(p.D, &nonce) == nil

		s.mu.Lock()
		last := s.lastNonce
		ping := now.Sub(s.lastSent)
		s.ping = ping
		s.mu.Unlock()

		paired := decoded && nonce == last
		if !paired {
			s.cfg.Listener.Warn(fmt.Sprintf("Unpaired heartbeat ack received. Our nonce: %d. Its nonce: %s.", last, string(p.D)))
		}
		s.cfg.Listener.Ack(ping, paired)

	case OpHello:
		var hello HelloPayload
		if err := json.Unmarshal(p.D, &hello); err != nil {
			s.cfg.Listener.Error(fmt.Errorf("decode %s: %w", p.Op, err))
			return
		}
		s.startHeartbeat(r, time.Duration(hello.HeartbeatInterval*float64(time.Millisecond)))

	case OpIdentify:
		// echo of our own identify

	default:
		s.cfg.Listener.Warn(fmt.Sprintf("Unhandled WebSocket opcode: %d. Packet: %s", int(p.Op), data))
	}
}

func (s *Socket) startHeartbeat(r *run, interval time.Duration) {
	r.stopHeartbeat()

	s.mu.Lock()
	manual := r.manual
	s.mu.Unlock()
	if manual {
		return
	}
	if interval <= 0 {
		s.cfg.Listener.Warn(fmt.Sprintf("Ignoring HELLO with heartbeat interval %s.", interval))
		return
	}

	ticker := s.cfg.NewTicker(interval)
	stop := make(chan struct{})
	var once sync.Once
	r.hbMu.Lock()
	r.hbStop = func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}
	r.hbMu.Unlock()

	s.cfg.Listener.Debug(fmt.Sprintf("Heartbeating every %s.", interval))
	s.heartbeat(r)

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C():
				s.heartbeat(r)
			}
		}
	}()
}

func (s *Socket) heartbeat(r *run) {
	now := s.cfg.Now()
	nonce := now.UnixMilli()

	s.mu.Lock()
	s.lastNonce = nonce
	s.lastSent = now
	s.mu.Unlock()

	if err := s.send(r, OpHeartbeat, nonce); err != nil {
		return
	}
	s.cfg.Listener.Heartbeat(nonce)
}

type nopListener struct{}

func (nopListener) Debug(string)             {}
func (nopListener) Warn(string)              {}
func (nopListener) Error(error)              {}
func (nopListener) Raw(Packet)               {}
func (nopListener) Heartbeat(int64)          {}
func (nopListener) Ack(time.Duration, bool)  {}
func (nopListener) Ready(Ready)              {}
func (nopListener) Closed(int, string, bool) {}
