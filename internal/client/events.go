package client

import "github.com/peerline/peerline/internal/signal"

type EventKind string

const (
	// Connection lifecycle.
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventError        EventKind = "error"

	// Inbound documents.
	EventOffer     EventKind = "offer"
	EventAnswer    EventKind = "answer"
	EventCandidate EventKind = "candidate"
	EventBye       EventKind = "bye"
	EventJoined    EventKind = "joined"
	EventLeft      EventKind = "left"
	EventStatus    EventKind = "status"
	EventUsers     EventKind = "users"
)

// Event is the tagged union delivered on the client's event channel. Exactly
// the fields matching Kind are populated.
type Event struct {
	Kind EventKind

	// From is the sending endpoint id for routed documents.
	From string

	Offer     *signal.Offer
	Answer    *signal.Answer
	Candidate *signal.Candidate
	Bye       *signal.Bye
	Status    *signal.Status
	Users     []signal.User

	// Joined/Left presence subject.
	User signal.User

	// Session is set on EventConnected.
	Session *Session

	// Terminal marks an EventDisconnected that will not be followed by a
	// reconnect attempt (intentional close or backoff exhausted).
	Terminal bool

	Err error
}
