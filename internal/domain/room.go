package domain

import "time"

type (
	RoomName  string
	SessionID string
)

type SessionStatus string

const (
	StatusPending SessionStatus = "pending"
	StatusLive    SessionStatus = "live"
	StatusEnded   SessionStatus = "ended"
)

// LiveSession is the server-side live session as seen by one viewer.
// Once Status is StatusEnded the value must not go back to live for the
// same viewer instance.
type LiveSession struct {
	ID             SessionID     `json:"id"`
	RoomName       RoomName      `json:"room_name"`
	Status         SessionStatus `json:"status"`
	Title          string        `json:"title,omitempty"`
	Description    string        `json:"description,omitempty"`
	Host           Host          `json:"host"`
	CurrentViewers int           `json:"current_viewers"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

func (s *LiveSession) IsLive() bool { return s.Status == StatusLive }

// End moves the session to StatusEnded. Calling it again keeps the first
// end timestamp.
func (s *LiveSession) End(at time.Time) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.EndedAt = &at
}
