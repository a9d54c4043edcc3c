package voice

// ServerInfo is everything the voice gateway needs to accept an IDENTIFY.
type ServerInfo struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Token     string `json:"token,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Complete reports whether all three values are present.
func (i ServerInfo) Complete() bool {
	return i.Endpoint != "" && i.Token != "" && i.SessionID != ""
}
