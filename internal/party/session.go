package party

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tbellini/watchparty/internal/protocol"
)

// Peer is the engine's view of one connected device. The gateway's websocket
// client implements it; tests substitute fakes. A Session never owns its
// peers; the gateway does.
type Peer interface {
	Send(frame []byte) error
	Bind(code, participantID string)
	Binding() (code, participantID string)
	ClearBinding()
}

// Participant is one joined device inside a session. The same user may be
// present twice (two devices); ids are unique per session.
type Participant struct {
	ID          string
	UserID      string
	DisplayName string
	IsHost      bool
	Peer        Peer
}

// Session is one watch-party room. All fields are mutated only from the
// engine's dispatch goroutine.
type Session struct {
	Code         string
	PlexServerID string
	HostID       string
	HostUserID   string
	// Participants is join-ordered; host reassignment promotes the first
	// remaining entry.
	Participants   []*Participant
	SelectedMedia  *protocol.MediaReference
	Readiness      map[string]bool
	MediaAccess    map[string]bool
	CreatedAt      time.Time
	Started        bool
	StartAtEpochMs int64
}

func newSession(code, plexServerID string, now time.Time) *Session {
	return &Session{
		Code:         code,
		PlexServerID: plexServerID,
		Readiness:    make(map[string]bool),
		MediaAccess:  make(map[string]bool),
		CreatedAt:    now,
	}
}

// AddParticipant appends a participant and seeds its flag entries. The id
// carries the user id plus a random suffix so one user can join twice.
func (s *Session) AddParticipant(userID, displayName string, peer Peer, isHost bool) *Participant {
	p := &Participant{
		ID:          userID + "-" + strings.Split(uuid.NewString(), "-")[0],
		UserID:      userID,
		DisplayName: displayName,
		IsHost:      isHost,
		Peer:        peer,
	}
	s.Participants = append(s.Participants, p)
	s.Readiness[p.ID] = false
	s.MediaAccess[p.ID] = false
	return p
}

// Participant returns the participant with the given id, or nil.
func (s *Session) Participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// RemoveParticipant drops a participant and its flag entries, preserving
// join order for the rest. Returns the removed participant, or nil.
func (s *Session) RemoveParticipant(id string) *Participant {
	for i, p := range s.Participants {
		if p.ID != id {
			continue
		}
		s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
		delete(s.Readiness, id)
		delete(s.MediaAccess, id)
		return p
	}
	return nil
}

// HasHost reports whether any current participant holds the host flag.
func (s *Session) HasHost() bool {
	for _, p := range s.Participants {
		if p.IsHost {
			return true
		}
	}
	return false
}

// ReassignHost clears every host flag and promotes the oldest remaining
// participant. Must not be called on an empty session; callers delete the
// session instead.
func (s *Session) ReassignHost() *Participant {
	for _, p := range s.Participants {
		p.IsHost = false
	}
	next := s.Participants[0]
	next.IsHost = true
	s.HostID = next.ID
	s.HostUserID = next.UserID
	return next
}

// participantInfo renders one participant entry with its current flags.
func (s *Session) participantInfo(p *Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:             p.ID,
		UserID:         p.UserID,
		DisplayName:    p.DisplayName,
		IsHost:         p.IsHost,
		IsReady:        s.Readiness[p.ID],
		HasMediaAccess: s.MediaAccess[p.ID],
	}
}

// Snapshot renders the full lobby state for broadcast.
func (s *Session) Snapshot() protocol.LobbySnapshot {
	infos := make([]protocol.ParticipantInfo, 0, len(s.Participants))
	for _, p := range s.Participants {
		infos = append(infos, s.participantInfo(p))
	}
	return protocol.LobbySnapshot{
		Code:           s.Code,
		HostID:         s.HostID,
		Participants:   infos,
		SelectedMedia:  s.SelectedMedia,
		Started:        s.Started,
		StartAtEpochMs: s.StartAtEpochMs,
	}
}
