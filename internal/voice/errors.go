package voice

import "errors"

var (
	// ErrMalformedServerInfo is returned when a server info record lacks the
	// endpoint, token or session id.
	ErrMalformedServerInfo = errors.New("malformed voice server info")

	// ErrMissingServerInfo is returned by Connect while the connection is pending
	ErrMissingServerInfo = errors.New("missing voice server info to connect")

	// ErrAlreadyConnecting is returned by Connect while a handshake is in flight
	ErrAlreadyConnecting = errors.New("already connecting to the voice server")

	// ErrTransportUnavailable is returned when a voice state update must be sent
	// but the registry has no transport
	ErrTransportUnavailable = errors.New("no transport configured to send voice state updates")

	// ErrNotVoiceUpdate is returned by DecodeUpdate for any other dispatch
	ErrNotVoiceUpdate = errors.New("packet is not a voice update")
)
