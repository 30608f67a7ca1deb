package canlink

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one continuous connected period on a channel. Created by
// the link on a successful open, closed on disconnect or terminal
// error. Owned exclusively by the link and the reconnect supervisor;
// everything else reads a snapshot.
type Session struct {
	// ID uniquely identifies the session across restarts.
	ID string

	// Channel is the interface name the session is bound to.
	Channel string

	// Bitrate is the configured bitrate for the session.
	Bitrate int

	// StartedAt is when the connect succeeded.
	StartedAt time.Time

	// RestartCount is how many reconnect attempts preceded this
	// session. Descriptive audit data only; backoff timing is owned
	// by the supervisor.
	RestartCount int

	mu      sync.Mutex
	endedAt time.Time
}

// NewSession creates an open session record with a fresh id. Link
// implementations call this on a successful open.
func NewSession(channel string, bitrate int, startedAt time.Time, restartCount int) *Session {
	return &Session{
		ID:           uuid.NewString(),
		Channel:      channel,
		Bitrate:      bitrate,
		StartedAt:    startedAt,
		RestartCount: restartCount,
	}
}

// CloseAt marks the session ended. The end time is set at most once;
// later calls are ignored.
func (s *Session) CloseAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		s.endedAt = t
	}
}

// EndedAt returns the end time and whether the session has ended.
func (s *Session) EndedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt, !s.endedAt.IsZero()
}
