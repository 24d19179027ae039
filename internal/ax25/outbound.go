package ax25

// OutboundFrame is a frame ready for the transport layer, with enough
// correlation metadata for the coordinator to track completion and for
// tests to assert on exactly what was queued for the wire.
type OutboundFrame struct {
	Destination Address
	Source      Address
	Path        DigiPath
	Payload     []byte
	Priority    int

	FrameType string // "SABM", "UA", "DISC", "DM", "I", "RR", "REJ", "FRMR", "UI"

	PID    byte
	HasPID bool

	NS, NR int
	HasSeq bool

	Control byte

	SessionKey Key
}

// EventKind discriminates the SessionEvent sum type published to the
// coordinator (spec.md §9: "model as a single SessionEvent sum type
// published on a bounded channel").
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventDataDelivered
	EventLinkFailure
)

// SessionEvent is the single notification type the Manager emits. Exactly
// one of the payload fields is meaningful, selected by Kind.
type SessionEvent struct {
	Kind EventKind
	Key  Key

	// EventStateChanged
	OldState State
	NewState State

	// EventDataDelivered
	Payload []byte
	PID     byte

	// EventLinkFailure
	Reason string
}
