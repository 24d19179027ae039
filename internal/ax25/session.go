package ax25

import (
	"context"
	"fmt"
	"time"
)

// State is a session's position in the connected-mode lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Key identifies one connected-mode session: destination, digipeater path
// signature, and channel.
type Key struct {
	Destination Address
	PathSig     string
	Channel     int
}

// Config holds the per-session tunables from §6.
type Config struct {
	WindowSize  int // K in [1,7]
	Paclen      int // [32,256]
	MaxRetries  int // [1,20]
	Extended    bool
	InitialRTO  time.Duration
	RTOMin      time.Duration
	RTOMax      time.Duration
}

// DefaultConfig returns the §6 defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize: 2,
		Paclen:     128,
		MaxRetries: 10,
		Extended:   false,
		InitialRTO: 4 * time.Second,
		RTOMin:     1 * time.Second,
		RTOMax:     30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.WindowSize < 1 || c.WindowSize > 7 {
		return fmt.Errorf("ax25: windowSize %d out of range [1,7]", c.WindowSize)
	}
	if c.Paclen < 32 || c.Paclen > 256 {
		return fmt.Errorf("ax25: paclen %d out of range [32,256]", c.Paclen)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("ax25: maxRetries %d out of range [1,20]", c.MaxRetries)
	}
	if c.Extended {
		return &SessionError{Kind: StateInvalid}
	}
	return nil
}

// PendingItem is one unit of data queued for transmission once window
// space is available.
type PendingItem struct {
	Data        []byte
	PID         byte
	DisplayHint string
}

// outFrame is a buffered outbound I-frame, kept so it can be retransmitted
// verbatim.
type outFrame struct {
	ns      int
	payload []byte
	pid     byte
	sentAt  time.Time
}

// Session is one AX.25 connected-mode link to a peer. All field mutation
// happens through Manager; Session itself holds no logic beyond read-only
// accessors and is safe to read under Manager's lock.
type Session struct {
	Key Key

	Local       Address
	Remote      Address
	Path        DigiPath
	IsInitiator bool

	cfg Config

	state State

	vs int // V(S), next to send
	vr int // V(R), next expected
	va int // V(A), oldest unacked

	sendBuffer map[int]*outFrame
	sendOrder  []int // insertion order of sendBuffer keys, oldest first

	pending []PendingItem

	retryCount int
	rto        time.Duration
	srtt       time.Duration
	rttvar     time.Duration
	haveSample bool

	rejOutstanding bool

	t1Cancel context.CancelFunc
	t3Cancel context.CancelFunc
	graceCancel context.CancelFunc

	sendTimes map[int]time.Time

	connectSentAt  time.Time // when the most recent SABM was sent, for RTT sampling
	lateUADeadline time.Time // late-UA acceptance window after a timed-out connect (zero = none)
}

func newSession(key Key, local, remote Address, path DigiPath, initiator bool, cfg Config) *Session {
	return &Session{
		Key:         key,
		Local:       local,
		Remote:      remote,
		Path:        path,
		IsInitiator: initiator,
		cfg:         cfg,
		state:       StateDisconnected,
		sendBuffer:  make(map[int]*outFrame),
		sendTimes:   make(map[int]time.Time),
		rto:         cfg.InitialRTO,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Outstanding() int { return len(s.sendBuffer) }

func (s *Session) modulus() int { return 8 }

func (s *Session) resetSequence() {
	s.vs, s.vr, s.va = 0, 0, 0
	s.sendBuffer = make(map[int]*outFrame)
	s.sendOrder = nil
	s.sendTimes = make(map[int]time.Time)
	s.rejOutstanding = false
}

func (s *Session) clearQueues() {
	s.sendBuffer = make(map[int]*outFrame)
	s.sendOrder = nil
	s.sendTimes = make(map[int]time.Time)
	s.pending = nil
	s.retryCount = 0
	s.rejOutstanding = false
}

// windowHasSpace reports whether another I-frame can be sent without
// exceeding the configured window.
func (s *Session) windowHasSpace() bool {
	return len(s.sendBuffer) < s.cfg.WindowSize
}

// acknowledgeUpTo removes sendBuffer entries for N(S) in [va, n) computed
// in modulo-8 arithmetic, using the va captured BEFORE V(A) is advanced.
// Per spec.md §4.3 "ack arithmetic note" and §8 this is the only correct
// way to handle sequence wraparound: removing "all keys < n" corrupts the
// buffer once N(S) has wrapped past 0.
func acknowledgeUpTo(sb map[int]*outFrame, order []int, va, n, modulus int) (map[int]*outFrame, []int, int) {
	if va == n {
		return sb, order, 0
	}

	count := (n - va + modulus) % modulus
	if count == 0 {
		// n == va handled above; n passed through a full cycle means
		// "all acked".
		count = modulus
	}

	removed := 0
	newOrder := order[:0:0]
	for _, ns := range order {
		rel := (ns - va + modulus) % modulus
		if rel < count {
			delete(sb, ns)
			removed++
		} else {
			newOrder = append(newOrder, ns)
		}
	}
	return sb, newOrder, removed
}
