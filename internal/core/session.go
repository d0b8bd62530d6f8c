package core

import (
	"sync"
	"time"
)

// State is a session's lifecycle phase.
type State int

const (
	// StateConnecting covers the window between admission and the
	// first socket attach, while the container is provisioned.
	StateConnecting State = iota
	// StateActive means a socket is bound and both pumps run.
	StateActive
	// StateOrphaned means the socket dropped but the container and
	// buffer are retained, awaiting resume before the grace deadline.
	StateOrphaned
	// StateTerminating means teardown has begun; the container is
	// being stopped and removed.
	StateTerminating
	// StateTerminated is terminal; the registry entry is gone.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateOrphaned:
		return "orphaned"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TerminalConn is the broker's view of an attached client socket. The
// WebSocket implementation lives in internal/handler; tests use fakes.
// Implementations must serialise concurrent writers internally.
type TerminalConn interface {
	// WriteBinary sends raw terminal output bytes.
	WriteBinary(p []byte) error
	// WriteText sends a JSON control frame.
	WriteText(p []byte) error
	// Close sends a close frame with the given status code and
	// closes the socket. Idempotent.
	Close(code int, reason string) error
}

// Session binds one credential pair to one shell in one container.
// All mutable fields are guarded by mu; the mutex is never held
// across socket, exec or engine I/O.
type Session struct {
	ID        string
	Digest    string
	CreatedAt time.Time

	Container *Container
	Stream    ExecStream
	Buffer    *Buffer

	mu             sync.Mutex
	state          State
	conn           TerminalConn
	lastActivity   time.Time
	orphanDeadline time.Time
	attaching      bool
	generation     uint64
	orphanTimer    *time.Timer
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the attached socket, or nil when orphaned.
func (s *Session) Conn() TerminalConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Touch records inbound activity. Called by the inbound pump on every
// client frame.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the most recent inbound frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// OrphanDeadline returns the resume deadline, zero unless Orphaned.
func (s *Session) OrphanDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphanDeadline
}

// teardown captures the resources a terminating session must release.
// Captured under the session mutex, in the same critical section as
// the transition to Terminating.
type teardown struct {
	conn      TerminalConn
	container *Container
	stream    ExecStream
}

// beginTerminate transitions the session to Terminating and captures
// its resources. Reports false when teardown already began.
func (s *Session) beginTerminate() (teardown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminating || s.state == StateTerminated {
		return teardown{}, false
	}
	return s.beginTerminateLocked(), true
}

// beginExpiry is beginTerminate gated on the orphan generation. The
// decision and the transition share one lock hold, so a resume that
// claimed the session after the grace timer fired wins and the expiry
// becomes a no-op.
func (s *Session) beginExpiry(gen uint64) (teardown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOrphaned || s.attaching || s.generation != gen {
		return teardown{}, false
	}
	return s.beginTerminateLocked(), true
}

func (s *Session) beginTerminateLocked() teardown {
	td := teardown{conn: s.conn, container: s.Container, stream: s.Stream}
	s.conn = nil
	s.state = StateTerminating
	s.attaching = false
	s.generation++
	if s.orphanTimer != nil {
		s.orphanTimer.Stop()
		s.orphanTimer = nil
	}
	return td
}
