package call

// Phase is the single source of truth for where a call stands. Exactly one
// CallState exists per client; invalid flag combinations are unrepresentable.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing_ringing"
	PhaseIncomingRinging Phase = "incoming_ringing"
	PhaseConnecting      Phase = "connecting"
	PhaseActive          Phase = "active"
	PhaseEnded           Phase = "ended"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Party identifies the remote end of a call.
type Party struct {
	ID          string
	DisplayName string
}

// State is a snapshot of the one CallState instance.
type State struct {
	Phase     Phase
	Direction Direction
	Kind      Kind
	Remote    Party
	Room      string
	// DurationSeconds counts monotonically while the phase is Active.
	DurationSeconds int
}

// Notice is a short, human-readable message surfaced to the user. Err is set
// when the notice reports a failure.
type Notice struct {
	Message string
	Err     error
}
