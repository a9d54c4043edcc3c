// Package gatewaytest runs an in-process voice gateway over TLS so sockets can
// be exercised end to end without the network.
package gatewaytest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Wait bounds every blocking helper.
const Wait = 5 * time.Second

// Message is a frame received from the client.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// Server is a scripted voice gateway. The test drives it by reading what the
// client sent and pushing frames back.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	accepted chan string
	messages chan Message
	closes   chan int
}

// NewServer starts a TLS voice gateway on a loopback port.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		accepted: make(chan string, 8),
		messages: make(chan Message, 256),
		closes:   make(chan int, 8),
	}
	s.srv = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	select {
	case s.accepted <- r.URL.RawQuery:
	default:
	}

	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				select {
				case s.closes <- ce.Code:
				default:
				}
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		s.messages <- m
	}
}

// Endpoint is the host:port to hand to a socket as its voice endpoint.
func (s *Server) Endpoint() string {
	return strings.TrimPrefix(s.srv.URL, "https://")
}

// Dialer trusts the server's self-signed certificate.
func (s *Server) Dialer() *websocket.Dialer {
	transport := s.srv.Client().Transport.(*http.Transport)
	return &websocket.Dialer{
		TLSClientConfig:  transport.TLSClientConfig,
		HandshakeTimeout: Wait,
	}
}

// Accepted waits for a client to connect and returns the query it used.
func (s *Server) Accepted(t testing.TB) string {
	t.Helper()
	select {
	case q := <-s.accepted:
		return q
	case <-time.After(Wait):
		t.Fatalf("no client connected within %s", Wait)
		return ""
	}
}

// Next waits for the next frame from the client.
func (s *Server) Next(t testing.TB) Message {
	t.Helper()
	m, ok := s.TryNext(Wait)
	if !ok {
		t.Fatalf("no frame received within %s", Wait)
	}
	return m
}

// TryNext waits up to d for a frame.
func (s *Server) TryNext(d time.Duration) (Message, bool) {
	select {
	case m := <-s.messages:
		return m, true
	case <-time.After(d):
		return Message{}, false
	}
}

// Send writes {op, d} to the client.
func (s *Server) Send(op int, d any) error {
	data, err := json.Marshal(struct {
		Op int `json:"op"`
		D  any `json:"d"`
	}{op, d})
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw writes a text frame verbatim.
func (s *Server) SendRaw(data []byte) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// CloseWith starts a close handshake from the server side.
func (s *Server) CloseWith(code int, reason string) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(Wait))
}

// Drop tears the TCP connection down without a close frame.
func (s *Server) Drop() error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.UnderlyingConn().Close()
}

// ClosedWith waits for the client's close frame and returns its code.
func (s *Server) ClosedWith(t testing.TB) int {
	t.Helper()
	select {
	case code := <-s.closes:
		return code
	case <-time.After(Wait):
		t.Fatalf("client did not close within %s", Wait)
		return 0
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *Server) current() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, errors.New("gatewaytest: no client connected")
	}
	return s.conn, nil
}
