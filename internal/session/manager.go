// Package session keeps a journal of voice sessions, one per completed voice
// handshake, built from the event bus.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fankserver/discord-voice-link/internal/feedback"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// maxNotes caps the warnings and errors kept per session.
const maxNotes = 200

// Manager handles voice sessions
type Manager struct {
	exportDir string

	sessions map[string]*Session
	active   map[string]string // guild id -> open session id
	mu       sync.RWMutex
}

// Session is one handshake-to-close span of a guild's voice gateway socket.
type Session struct {
	ID        string     `json:"id"`
	GuildID   string     `json:"guildId"`
	SocketID  string     `json:"socketId,omitempty"`
	SSRC      uint32     `json:"ssrc"`
	IP        string     `json:"ip"`
	Port      int        `json:"port"`
	Modes     []string   `json:"modes"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	CloseCode   int    `json:"closeCode,omitempty"`
	CloseReason string `json:"closeReason,omitempty"`
	WasClean    bool   `json:"wasClean,omitempty"`

	Heartbeats     int           `json:"heartbeats"`
	UnpairedAcks   int           `json:"unpairedAcks"`
	LastPing       time.Duration `json:"lastPingNs"`
	MaxPing        time.Duration `json:"maxPingNs"`
	Notes          []Note        `json:"notes"`
	NotesTruncated bool          `json:"notesTruncated,omitempty"`

	// Speakers are the remote streams announced during the session.
	Speakers []Speaker `json:"speakers"`
	speakers *speakerMap
}

// Note is a warning or error observed during a session.
type Note struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
}

// Active reports whether the session has not been closed yet.
func (s Session) Active() bool { return s.EndTime == nil }

// NewManager creates a new session manager that exports into exportDir.
func NewManager(exportDir string) *Manager {
	if exportDir == "" {
		exportDir = "exports"
	}
	return &Manager{
		exportDir: exportDir,
		sessions:  make(map[string]*Session),
		active:    make(map[string]string),
	}
}

// Attach feeds the manager from bus and returns the unsubscribe function.
func (m *Manager) Attach(bus *feedback.EventBus) func() {
	return bus.SubscribeAll(m.Handle)
}

// Handle applies one bus event to the journal.
func (m *Manager) Handle(event feedback.Event) {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case feedback.EventReady:
		data, ok := event.Data.(feedback.ReadyData)
		if !ok {
			return
		}
		m.open(event.GuildID, data, at)

	case feedback.EventPing:
		data, ok := event.Data.(feedback.PingData)
		if !ok {
			return
		}
		s := m.owned(event.GuildID, data.SocketID)
		if s == nil {
			return
		}
		s.Heartbeats++
		if !data.Paired {
			s.UnpairedAcks++
		}
		s.LastPing = data.Ping
		if data.Ping > s.MaxPing {
			s.MaxPing = data.Ping
		}

	case feedback.EventRawWS:
		data, ok := event.Data.(feedback.RawData)
		if !ok {
			return
		}
		s := m.owned(event.GuildID, data.SocketID)
		if s == nil {
			return
		}
		s.speakers.apply(data.Op, data.D)

	case feedback.EventWarn:
		m.note(event.GuildID, "warn", event.Message(), at)

	case feedback.EventError:
		if err := event.Err(); err != nil {
			m.note(event.GuildID, "error", err.Error(), at)
		}

	case feedback.EventClose:
		data, ok := event.Data.(feedback.DisconnectData)
		if !ok {
			return
		}
		m.end(event.GuildID, data, at)
	}
}

// Callers hold m.mu.
func (m *Manager) open(guildID string, data feedback.ReadyData, at time.Time) {
	if s := m.current(guildID); s != nil {
		end := at
		s.EndTime = &end
		s.CloseReason = "superseded"
	}

	s := &Session{
		ID:        uuid.New().String(),
		GuildID:   guildID,
		SocketID:  data.SocketID,
		SSRC:      data.SSRC,
		IP:        data.IP,
		Port:      data.Port,
		Modes:     append([]string(nil), data.Modes...),
		StartTime: at,
		Notes:     []Note{},
		speakers:  newSpeakerMap(),
	}
	m.sessions[s.ID] = s
	m.active[guildID] = s.ID

	logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"guild_id":   guildID,
		"ssrc":       data.SSRC,
	}).Info("Voice session started")
}

// Callers hold m.mu.
func (m *Manager) end(guildID string, data feedback.DisconnectData, at time.Time) {
	s := m.owned(guildID, data.SocketID)
	if s == nil {
		return
	}
	delete(m.active, guildID)

	end := at
	s.EndTime = &end
	s.CloseCode = data.Code
	s.CloseReason = data.Reason
	s.WasClean = data.WasClean

	logrus.WithFields(logrus.Fields{
		"session_id": s.ID,
		"guild_id":   guildID,
		"code":       data.Code,
		"duration":   end.Sub(s.StartTime),
	}).Info("Voice session ended")
}

// Callers hold m.mu.
func (m *Manager) note(guildID, level, text string, at time.Time) {
	s := m.current(guildID)
	if s == nil {
		return
	}
	if len(s.Notes) >= maxNotes {
		s.NotesTruncated = true
		return
	}
	s.Notes = append(s.Notes, Note{Timestamp: at, Level: level, Text: text})
}

func (m *Manager) current(guildID string) *Session {
	id, ok := m.active[guildID]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// owned returns the open session of a guild only if it was opened by the
// given socket. Reports from a retired socket never touch a newer session.
func (m *Manager) owned(guildID, socketID string) *Session {
	s := m.current(guildID)
	if s == nil || s.SocketID != socketID {
		return nil
	}
	return s
}

// ActiveSession returns the open session of a guild.
func (m *Manager) ActiveSession(guildID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.current(guildID)
	if s == nil {
		return Session{}, false
	}
	return s.clone(), true
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.clone(), nil
}

// ListSessions returns all sessions, oldest first.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s.clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions
}

// ExportSession writes a session as indented JSON and returns the file path.
func (m *Manager) ExportSession(sessionID string) (string, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return "", err
	}

	// #nosec G301 - Export directory needs to be readable for serving files
	if err := os.MkdirAll(m.exportDir, 0750); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	filename := fmt.Sprintf("session_%s_%s.json", s.ID, s.StartTime.Format("20060102_150405"))
	path := filepath.Join(m.exportDir, filename)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error marshaling session: %w", err)
	}

	// #nosec G306 - Export files need to be readable by the user
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("error writing file: %w", err)
	}
	return path, nil
}

func (s *Session) clone() Session {
	out := *s
	out.Modes = append([]string(nil), s.Modes...)
	out.Notes = append([]Note{}, s.Notes...)
	out.Speakers = s.speakers.list()
	out.speakers = nil
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}
