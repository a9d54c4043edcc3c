package gateway

import (
	"encoding/json"
	"fmt"
)

// Version is the voice gateway protocol version requested on connect.
const Version = 4

// Opcode identifies a voice gateway packet.
type Opcode int

const (
	// Name                Code  Sent by
	OpIdentify           Opcode = 0  // client
	OpSelectProtocol     Opcode = 1  // client
	OpReady              Opcode = 2  // server
	OpHeartbeat          Opcode = 3  // client
	OpSessionDescription Opcode = 4  // server
	OpSpeaking           Opcode = 5  // client/server
	OpHeartbeatAck       Opcode = 6  // server
	OpResume             Opcode = 7  // client
	OpHello              Opcode = 8  // server
	OpResumed            Opcode = 9  // server
	OpClientConnect      Opcode = 12 // server, undocumented
	OpClientDisconnect   Opcode = 13 // server
)

var opcodeNames = map[Opcode]string{
	OpIdentify:           "IDENTIFY",
	OpSelectProtocol:     "SELECT_PROTOCOL",
	OpReady:              "READY",
	OpHeartbeat:          "HEARTBEAT",
	OpSessionDescription: "SESSION_DESCRIPTION",
	OpSpeaking:           "SPEAKING",
	OpHeartbeatAck:       "HEARTBEAT_ACK",
	OpResume:             "RESUME",
	OpHello:              "HELLO",
	OpResumed:            "RESUMED",
	OpClientConnect:      "CLIENT_CONNECT",
	OpClientDisconnect:   "CLIENT_DISCONNECT",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(op))
}

// Handled reports whether the socket acts on op when the server sends it.
func (op Opcode) Handled() bool {
	switch op {
	case OpIdentify, OpReady, OpHello, OpHeartbeatAck:
		return true
	}
	return false
}

// CloseNormal is the only close code treated as an intentional shutdown.
const CloseNormal = 1000

// closeAbnormal is reported when the connection drops without a close frame.
const closeAbnormal = 1006

// Packet is a voice gateway frame as it travels over the wire.
type Packet struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type outgoing struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// IdentifyPayload is sent right after the socket opens.
type IdentifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// HelloPayload carries the heartbeat interval in milliseconds.
type HelloPayload struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Ready is the server's answer to IDENTIFY.
type Ready struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}
