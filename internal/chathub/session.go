package chathub

// State is the lifecycle position of one connection.
type State int

const (
	StateConnected State = iota
	StateIdentified
	StateWaiting
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateWaiting:
		return "waiting"
	case StateInRoom:
		return "in_room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// session is the hub-side record of a connection. It is only touched by the hub goroutine.
type session struct {
	client Client
	connID string
	userID string

	// rooms is the set of room delivery scopes this connection is joined to.
	rooms map[string]struct{}

	slow   bool
	closed bool
}

func newSession(c Client) *session {
	return &session{
		client: c,
		connID: c.GetConnID(),
		rooms:  make(map[string]struct{}),
	}
}

func (s *session) identified() bool { return s.userID != "" }

// stateOf derives the lifecycle state from the shared tables rather than storing it,
// so the session can never disagree with the pool or the room table.
func (m *ManagerService) stateOf(s *session) State {
	switch {
	case s.closed:
		return StateDisconnected
	case !s.identified():
		return StateConnected
	case len(s.rooms) > 0:
		return StateInRoom
	case m.Matcher.Pool.Has(s.userID):
		return StateWaiting
	default:
		return StateIdentified
	}
}
