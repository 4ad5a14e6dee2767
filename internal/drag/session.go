// Package drag tracks drag-and-drop gestures from either end.
//
// A Session is one gesture. The Manager owns the active sessions, feeds them
// transport events in delivery order and guarantees each session reaches
// exactly one terminal state.
package drag

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"go.klb.dev/interchange/internal/format"
)

var (
	// ErrSessionActive is returned by Begin while a drag is still running.
	ErrSessionActive = errors.New("drag session already active")
	// ErrNoSession reports an event for a gesture the manager is not tracking.
	ErrNoSession = errors.New("no drag session")
	// ErrUnsupported reports a transport without drag support.
	ErrUnsupported = errors.New("drag not supported by transport")
)

// Role says which end of the gesture this process is.
type Role int

const (
	Source Role = iota
	Destination
)

func (r Role) String() string {
	if r == Source {
		return "source"
	}
	return "destination"
}

// State is a session's position in its lifecycle.
type State int

const (
	Idle State = iota
	Armed
	Dragging
	Entered
	Positioning
	Dropped
	Finished
	Cancelled
	Left
)

var stateNames = [...]string{"idle", "armed", "dragging", "entered", "positioning", "dropped", "finished", "cancelled", "left"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Finished || s == Cancelled || s == Left }

// Point is a pointer position in surface-local coordinates.
type Point struct{ X, Y int32 }

// Action is the operation the drop performs.
type Action int

const (
	ActionNone Action = iota
	ActionCopy
	ActionMove
	ActionLink
)

func (a Action) String() string {
	switch a {
	case ActionCopy:
		return "copy"
	case ActionMove:
		return "move"
	case ActionLink:
		return "link"
	default:
		return "none"
	}
}

// Handle identifies the other side of a gesture to the transport (a window,
// a protocol object). Its meaning is private to the transport.
type Handle uint64

// Result describes how a session ended.
type Result struct {
	State   State
	Success bool
	Action  Action
	// Kind and Data are the dropped payload on the destination side.
	Kind format.Tag
	Data []byte
	Err  error
}

// Session is one drag gesture.
type Session struct {
	ID        uuid.UUID
	Role      Role
	State     State
	Peer      Handle
	LastPoint Point
	Accepted  bool
	Action    Action

	// Offered lists the formats advertised for the gesture: the peer's offer
	// on the destination side, ours on the source side.
	Offered []format.Tag
	// Negotiated is the kind the destination will ask for. HasKind is false
	// when negotiation failed, in which case every position is refused.
	Negotiated format.Tag
	HasKind    bool

	// Kind and data are the source payload.
	Kind format.Tag
	data []byte

	done   chan struct{}
	result Result
	onEnd  func(*Session)
}

func newSession(role Role, state State, peer Handle) *Session {
	return &Session{
		ID:    uuid.New(),
		Role:  role,
		State: state,
		Peer:  peer,
		done:  make(chan struct{}),
	}
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the outcome. It is the zero Result until Done is closed.
func (s *Session) Result() Result {
	select {
	case <-s.done:
		return s.result
	default:
		return Result{State: s.State}
	}
}

// Active reports whether the session has not ended yet.
func (s *Session) Active() bool { return !s.State.Terminal() }

// end moves the session to a terminal state and fires the terminal callback.
// Only the first call has any effect.
func (s *Session) end(r Result) bool {
	if s.State.Terminal() {
		return false
	}
	s.State = r.State
	s.result = r
	close(s.done)
	if s.onEnd != nil {
		s.onEnd(s)
	}
	return true
}

func (s *Session) String() string {
	return fmt.Sprintf("%s drag %s (%s)", s.Role, s.ID, s.State)
}
