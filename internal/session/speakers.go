package session

import (
	"encoding/json"
	"sort"
)

const (
	opSpeaking         = 5
	opClientDisconnect = 13
)

// Speaker maps a remote audio stream to the user sending it.
type Speaker struct {
	SSRC   uint32 `json:"ssrc"`
	UserID string `json:"userId"`
}

// speakerMap holds exact SSRC mappings announced by SPEAKING packets. It never
// guesses a mapping. Callers synchronize.
type speakerMap struct {
	ssrcToUser map[uint32]string
	userToSSRC map[string]uint32
}

func newSpeakerMap() *speakerMap {
	return &speakerMap{
		ssrcToUser: make(map[uint32]string),
		userToSSRC: make(map[string]uint32),
	}
}

type speakingPayload struct {
	UserID string `json:"user_id"`
	SSRC   uint32 `json:"ssrc"`
}

type clientDisconnectPayload struct {
	UserID string `json:"user_id"`
}

// apply updates the map from a raw voice gateway packet and reports whether
// it changed anything.
func (m *speakerMap) apply(op int, d json.RawMessage) bool {
	switch op {
	case opSpeaking:
		var p speakingPayload
		if err := json.Unmarshal(d, &p); err != nil || p.UserID == "" || p.SSRC == 0 {
			return false
		}
		m.mapSSRC(p.SSRC, p.UserID)
		return true

	case opClientDisconnect:
		var p clientDisconnectPayload
		if err := json.Unmarshal(d, &p); err != nil {
			return false
		}
		return m.removeUser(p.UserID)
	}
	return false
}

func (m *speakerMap) mapSSRC(ssrc uint32, userID string) {
	if old, ok := m.userToSSRC[userID]; ok && old != ssrc {
		delete(m.ssrcToUser, old)
	}
	if prev, ok := m.ssrcToUser[ssrc]; ok && prev != userID {
		delete(m.userToSSRC, prev)
	}
	m.ssrcToUser[ssrc] = userID
	m.userToSSRC[userID] = ssrc
}

func (m *speakerMap) removeUser(userID string) bool {
	ssrc, ok := m.userToSSRC[userID]
	if !ok {
		return false
	}
	delete(m.userToSSRC, userID)
	delete(m.ssrcToUser, ssrc)
	return true
}

func (m *speakerMap) list() []Speaker {
	out := make([]Speaker, 0, len(m.ssrcToUser))
	for ssrc, userID := range m.ssrcToUser {
		out = append(out, Speaker{SSRC: ssrc, UserID: userID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}
