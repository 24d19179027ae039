package ax25

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// GraceWindow is the delay inserted between a T1 firing and the actual
// retransmit, so a slightly-late RR can still suppress the duplicate
// (spec.md §4.4, §9).
const GraceWindow = 200 * time.Millisecond

// Manager owns the SessionKey -> Session table and is the only component
// that mutates Session state, matching spec.md §3's "only the session
// manager mutates session fields" invariant. All public methods lock an
// internal mutex; this plays the role spec.md §5 assigns to a single
// cooperative coordinator executor, expressed with stdlib concurrency
// primitives instead of a literal single goroutine.
type Manager struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	outbound chan<- OutboundFrame
	events   chan<- SessionEvent
	log      *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager constructs a Manager. outbound receives frames ready for the
// transport layer; events receives the SessionEvent stream for UI/transfer
// consumers.
func NewManager(outbound chan<- OutboundFrame, events chan<- SessionEvent, logger *log.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[Key]*Session),
		outbound: outbound,
		events:   events,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels every outstanding timer. Call when shutting the engine
// down entirely.
func (m *Manager) Close() {
	m.cancel()
}

// Session returns the session for key, if one exists.
func (m *Manager) Session(key Key) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// SessionKeysByDestination returns the keys of every currently-open
// session whose remote party is dest, across every path and channel.
// Callers use this to find what else is concurrently talking to dest
// before deriving a merged conservative config (spec.md §4.8).
func (m *Manager) SessionKeysByDestination(dest Address) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []Key
	for key := range m.sessions {
		if key.Destination == dest {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *Manager) emit(ev SessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("session event dropped, channel full", "kind", ev.Kind, "key", ev.Key)
	}
}

func (m *Manager) send(f OutboundFrame) {
	select {
	case m.outbound <- f:
	default:
		m.log.Warn("outbound frame dropped, channel full", "key", f.SessionKey, "type", f.FrameType)
	}
}

func (m *Manager) setState(s *Session, newState State) {
	old := s.state
	s.state = newState
	if old != newState {
		m.emit(SessionEvent{Kind: EventStateChanged, Key: s.Key, OldState: old, NewState: newState})
	}
}

// --- Timer plumbing -------------------------------------------------

// scheduleAfter runs fire once after d unless cancelled first. fire is
// invoked on its own goroutine and must take the Manager lock itself.
func (m *Manager) scheduleAfter(d time.Duration, fire func()) context.CancelFunc {
	ctx, cancel := context.WithCancel(m.ctx)
	timer := time.NewTimer(d)
	go func() {
		select {
		case <-timer.C:
			fire()
		case <-ctx.Done():
			timer.Stop()
		}
	}()
	return cancel
}

func (m *Manager) startT1(s *Session) {
	if s.t1Cancel != nil {
		s.t1Cancel()
	}
	key := s.Key
	s.t1Cancel = m.scheduleAfter(s.rto, func() { m.onT1Fire(key) })
}

func (m *Manager) stopT1(s *Session) {
	if s.t1Cancel != nil {
		s.t1Cancel()
		s.t1Cancel = nil
	}
}

func (m *Manager) startT3(s *Session) {
	if s.t3Cancel != nil {
		s.t3Cancel()
	}
	key := s.Key
	s.t3Cancel = m.scheduleAfter(idleT3Duration, func() { m.onT3Fire(key) })
}

func (m *Manager) stopT3(s *Session) {
	if s.t3Cancel != nil {
		s.t3Cancel()
		s.t3Cancel = nil
	}
}

// idleT3Duration is the periodic poll interval while Connected and idle.
const idleT3Duration = 60 * time.Second

func (m *Manager) cancelGrace(s *Session) {
	if s.graceCancel != nil {
		s.graceCancel()
		s.graceCancel = nil
	}
}

// --- Connect / disconnect -------------------------------------------

// Connect creates a session (or reuses an existing Disconnected one for
// the same key) and initiates the connect sequence: send SABM, start T1.
func (m *Manager) Connect(key Key, local, remote Address, path DigiPath, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = newSession(key, local, remote, path, true, cfg)
		m.sessions[key] = s
	}

	m.setState(s, StateConnecting)
	s.retryCount = 0
	m.sendSABM(s, true)
	s.connectSentAt = time.Now()
	m.startT1(s)

	return s, nil
}

func (m *Manager) sendSABM(s *Session, pf bool) {
	ctrl, _ := EncodeUControl(USABM, pf)
	m.send(OutboundFrame{
		Destination: s.Remote,
		Source:      s.Local,
		Path:        s.Path,
		FrameType:   "SABM",
		Control:     ctrl,
		SessionKey:  s.Key,
	})
}

// Disconnect requests a graceful teardown: send DISC, wait for UA.
func (m *Manager) Disconnect(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return &SessionError{Kind: NotConnected}
	}
	if s.state != StateConnected {
		return &SessionError{Kind: StateInvalid}
	}

	m.setState(s, StateDisconnecting)
	ctrl, _ := EncodeUControl(UDISC, true)
	m.send(OutboundFrame{
		Destination: s.Remote, Source: s.Local, Path: s.Path,
		FrameType: "DISC", Control: ctrl, SessionKey: s.Key,
	})
	m.stopT3(s)
	m.startT1(s)
	return nil
}

// ForceDisconnect tears a session down immediately with no on-air
// exchange, per spec.md §4.3 "Any + forceDisconnect".
func (m *Manager) ForceDisconnect(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}
	m.stopT1(s)
	m.stopT3(s)
	m.cancelGrace(s)
	s.clearQueues()
	m.setState(s, StateDisconnected)
	delete(m.sessions, key)
}

// SendData queues (and, if window space allows, immediately transmits)
// an outbound chunk of application data on a Connected session.
func (m *Manager) SendData(key Key, data []byte, pid byte, hint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok || s.state != StateConnected {
		return &SessionError{Kind: NotConnected}
	}

	for _, piece := range splitPaclen(data, s.cfg.Paclen) {
		s.pending = append(s.pending, PendingItem{Data: piece, PID: pid, DisplayHint: hint})
	}
	m.drain(s)
	return nil
}

// splitPaclen breaks data into chunks no larger than paclen, so a single
// SendData call (e.g. a whole DGP message) turns into one I-frame per
// chunk instead of one oversized I-frame. An empty data still produces
// one (empty) piece, so a zero-length SendData still round-trips as one
// frame.
func splitPaclen(data []byte, paclen int) [][]byte {
	if len(data) == 0 {
		return [][]byte{data}
	}
	pieces := make([][]byte, 0, (len(data)+paclen-1)/paclen)
	for start := 0; start < len(data); start += paclen {
		end := start + paclen
		if end > len(data) {
			end = len(data)
		}
		pieces = append(pieces, data[start:end])
	}
	return pieces
}

// drain emits queued data as I-frames while window space remains.
func (m *Manager) drain(s *Session) {
	for len(s.pending) > 0 && s.windowHasSpace() {
		item := s.pending[0]
		s.pending = s.pending[1:]

		ns := s.vs
		s.vs = (s.vs + 1) % s.modulus()

		of := &outFrame{ns: ns, payload: item.Data, pid: item.PID, sentAt: time.Now()}
		s.sendBuffer[ns] = of
		s.sendOrder = append(s.sendOrder, ns)
		s.sendTimes[ns] = of.sentAt

		ctrl := EncodeIControl(ns, s.vr, false)
		m.send(OutboundFrame{
			Destination: s.Remote, Source: s.Local, Path: s.Path,
			FrameType: "I", Control: ctrl, PID: item.PID, HasPID: true,
			NS: ns, NR: s.vr, HasSeq: true,
			Payload:    item.Data,
			SessionKey: s.Key,
		})

		if s.t1Cancel == nil {
			m.startT1(s)
		}
	}
}

// --- Inbound frame handling ------------------------------------------

// lateUAWindow is the window after a timed-out Connecting->Error/Disconnected
// transition during which a straggling UA still completes the connect
// (spec.md §4.3 "Late-UA rule").
func lateUAWindow(rto time.Duration) time.Duration {
	w := 2 * rto
	if w < 5*time.Second {
		w = 5 * time.Second
	}
	return w
}

// findSession implements the §4.4 lookup fallback chain for a frame whose
// remote party is `remote`, arriving on `channel` with path signature
// `pathSig`. expectUAOrDM narrows step 2 to sessions currently awaiting a
// connect response.
func (m *Manager) findSession(remote Address, pathSig string, channel int, expectUAOrDM bool) *Session {
	exact := Key{Destination: remote, PathSig: pathSig, Channel: channel}
	if s, ok := m.sessions[exact]; ok {
		return s
	}

	var sameDestAnyPath []*Session
	for k, s := range m.sessions {
		if k.Channel != channel || !k.Destination.Equal(remote) {
			continue
		}
		sameDestAnyPath = append(sameDestAnyPath, s)
	}
	if expectUAOrDM {
		for _, s := range sameDestAnyPath {
			if s.state == StateConnecting || m.lateUAEligible(s) {
				return s
			}
		}
	}
	if len(sameDestAnyPath) > 0 {
		return sameDestAnyPath[0]
	}

	var sameCall []*Session
	for k, s := range m.sessions {
		if k.Channel != channel || !k.Destination.SameCall(remote) {
			continue
		}
		sameCall = append(sameCall, s)
	}
	if len(sameCall) > 0 {
		return sameCall[0]
	}

	var anyChannel []*Session
	for k, s := range m.sessions {
		if k.Destination.SameCall(remote) {
			anyChannel = append(anyChannel, s)
		}
	}
	if len(anyChannel) > 0 {
		return anyChannel[0]
	}

	return nil
}

func (m *Manager) lateUAEligible(s *Session) bool {
	if s.state != StateError && s.state != StateDisconnected {
		return false
	}
	return !s.lateUADeadline.IsZero() && time.Now().Before(s.lateUADeadline)
}

// HandleInboundFrame routes a decoded AX.25 frame to the appropriate
// session, following the §4.4 fallback lookup. Channel identifies the
// radio channel the frame arrived on.
func (m *Manager) HandleInboundFrame(channel int, f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remote := f.Source
	pathSig := f.Path.Signature()

	switch f.Control.Kind {
	case KindU:
		switch f.Kind {
		case USABM, USABME:
			m.handleInboundSABM(channel, f, remote, pathSig)
		case UUA:
			m.handleInboundUA(channel, f, remote, pathSig)
		case UDM:
			m.handleInboundDM(channel, f, remote, pathSig)
		case UDISC:
			m.handleInboundDISC(channel, f, remote, pathSig)
		default:
			// Unknown/unsupported U-frame in a connected context: ignored
			// unless we can identify a session to FRMR on an invalid frame
			// while Connected.
			if s := m.findSession(remote, pathSig, channel, false); s != nil && s.state == StateConnected {
				m.sendFRMR(s)
			}
		}
	case KindI:
		s := m.findSession(remote, pathSig, channel, false)
		if s == nil || s.state != StateConnected {
			// Robustness rule: never DM an unmatched I-frame.
			return
		}
		m.handleInboundI(s, f)
	case KindS:
		s := m.findSession(remote, pathSig, channel, false)
		if s == nil || s.state != StateConnected {
			return
		}
		m.handleInboundS(s, f)
	}
}

func (m *Manager) handleInboundSABM(channel int, f Frame, remote Address, pathSig string) {
	key := Key{Destination: remote, PathSig: pathSig, Channel: channel}
	s, ok := m.sessions[key]
	if !ok {
		s = newSession(key, f.Destination, remote, f.Path, false, DefaultConfig())
		m.sessions[key] = s
	}

	s.resetSequence()
	m.setState(s, StateConnected)

	ctrl, _ := EncodeUControl(UUA, f.Control.PF)
	m.send(OutboundFrame{
		Destination: remote, Source: s.Local, Path: f.Path,
		FrameType: "UA", Control: ctrl, SessionKey: key,
	})
	m.startT3(s)
}

func (m *Manager) handleInboundUA(channel int, f Frame, remote Address, pathSig string) {
	s := m.findSession(remote, pathSig, channel, true)
	if s == nil {
		return
	}

	switch s.state {
	case StateConnecting:
		m.stopT1(s)
		if s.IsInitiator {
			sample := time.Since(s.connectSentAt)
			if !s.connectSentAt.IsZero() {
				updateRTO(s, sample)
			}
		}
		s.resetSequence()
		m.setState(s, StateConnected)
		m.startT3(s)
		m.drain(s)
	case StateDisconnecting:
		m.stopT1(s)
		s.clearQueues()
		m.setState(s, StateDisconnected)
		delete(m.sessions, s.Key)
	case StateError, StateDisconnected:
		if m.lateUAEligible(s) {
			s.resetSequence()
			m.setState(s, StateConnected)
			m.startT3(s)
			m.drain(s)
		}
	}
}

func (m *Manager) handleInboundDM(channel int, f Frame, remote Address, pathSig string) {
	s := m.findSession(remote, pathSig, channel, true)
	if s == nil {
		return
	}
	if s.state == StateConnecting {
		m.stopT1(s)
		s.clearQueues()
		m.setState(s, StateDisconnected)
		delete(m.sessions, s.Key)
	} else if s.state == StateConnected || s.state == StateDisconnecting {
		m.stopT1(s)
		m.stopT3(s)
		s.clearQueues()
		m.setState(s, StateDisconnected)
		delete(m.sessions, s.Key)
	}
}

func (m *Manager) handleInboundDISC(channel int, f Frame, remote Address, pathSig string) {
	s := m.findSession(remote, pathSig, channel, false)
	if s == nil {
		return
	}
	ctrl, _ := EncodeUControl(UUA, f.Control.PF)
	m.send(OutboundFrame{
		Destination: remote, Source: s.Local, Path: f.Path,
		FrameType: "UA", Control: ctrl, SessionKey: s.Key,
	})
	m.stopT1(s)
	m.stopT3(s)
	m.cancelGrace(s)
	s.clearQueues()
	m.setState(s, StateDisconnected)
	delete(m.sessions, s.Key)
}

func (m *Manager) sendFRMR(s *Session) {
	ctrl, _ := EncodeUControl(UFRMR, true)
	m.send(OutboundFrame{
		Destination: s.Remote, Source: s.Local, Path: s.Path,
		FrameType: "FRMR", Control: ctrl, SessionKey: s.Key,
	})
}

func (m *Manager) handleInboundI(s *Session, f Frame) {
	ns := f.Control.NS
	nr := f.Control.NR

	if ns == s.vr {
		s.vr = (s.vr + 1) % s.modulus()
		s.rejOutstanding = false
		if f.HasPID {
			m.emit(SessionEvent{Kind: EventDataDelivered, Key: s.Key, Payload: f.Payload, PID: f.PID})
		}
		m.acceptAck(s, nr)
		m.sendRR(s, f.Control.PF)
	} else if !s.rejOutstanding {
		// Duplicate (ns already seen, i.e. ns is "behind" vr) is re-acked,
		// not REJ'd (spec.md §9 Open Question resolution). Anything else
		// out of sequence triggers REJ.
		if isDuplicate(ns, s.vr, s.modulus()) {
			m.sendRR(s, f.Control.PF)
		} else {
			s.rejOutstanding = true
			m.sendREJ(s)
		}
	}
}

// isDuplicate reports whether ns is "behind" the current V(R), i.e. a
// frame we have already delivered, versus "ahead" (a gap, REJ territory).
// With a window <= 7 we treat ns as a duplicate if it falls within the
// trailing half of the modulus relative to vr.
func isDuplicate(ns, vr, modulus int) bool {
	diff := (vr - ns + modulus) % modulus
	return diff > 0 && diff <= modulus/2
}

func (m *Manager) handleInboundS(s *Session, f Frame) {
	switch f.Control.SSub {
	case SRR:
		m.acceptAck(s, f.Control.NR)
		if f.Control.PF {
			ctrl := EncodeSControl(s.vr, true, SRR)
			m.send(OutboundFrame{
				Destination: s.Remote, Source: s.Local, Path: s.Path,
				FrameType: "RR", Control: ctrl, SessionKey: s.Key,
			})
		}
		if len(s.sendBuffer) == 0 {
			m.stopT1(s)
			if s.state == StateConnected {
				m.startT3(s)
			}
		} else {
			m.startT1(s)
		}
	case SREJ:
		m.acceptAck(s, f.Control.NR)
		m.retransmitFrom(s, f.Control.NR)
	case SSREJ:
		m.acceptAck(s, f.Control.NR)
		m.retransmitFrom(s, f.Control.NR)
	case SRNR:
		// Peer busy: stop sending but keep buffer; no-op beyond logging.
		m.log.Debug("peer reported RNR", "key", s.Key)
	}
}

// acceptAck advances V(A) to nr and removes the now-acked frames from the
// send buffer, using the pre-advance V(A) per the ack-arithmetic note.
func (m *Manager) acceptAck(s *Session, nr int) {
	m.cancelGrace(s)
	before := s.va
	sb, order, removed := acknowledgeUpTo(s.sendBuffer, s.sendOrder, before, nr, s.modulus())
	s.sendBuffer = sb
	s.sendOrder = order
	s.va = nr
	if removed > 0 {
		for ns := range s.sendTimes {
			if _, stillBuffered := s.sendBuffer[ns]; !stillBuffered {
				sentAt, ok := s.sendTimes[ns]
				if ok {
					updateRTO(s, time.Since(sentAt))
					delete(s.sendTimes, ns)
				}
			}
		}
		m.drain(s)
	}
}

func (m *Manager) sendRR(s *Session, pf bool) {
	ctrl := EncodeSControl(s.vr, pf, SRR)
	m.send(OutboundFrame{
		Destination: s.Remote, Source: s.Local, Path: s.Path,
		FrameType: "RR", Control: ctrl, SessionKey: s.Key,
	})
}

func (m *Manager) sendREJ(s *Session) {
	ctrl := EncodeSControl(s.vr, false, SREJ)
	m.send(OutboundFrame{
		Destination: s.Remote, Source: s.Local, Path: s.Path,
		FrameType: "REJ", Control: ctrl, SessionKey: s.Key,
	})
}

// retransmitFrom resends every buffered frame with N(S) in [from, V(S))
// in ascending order, per spec.md §4.3 "Connected + inbound REJ(nr)".
func (m *Manager) retransmitFrom(s *Session, from int) {
	n := (s.vs - from + s.modulus()) % s.modulus()
	for i := 0; i < n; i++ {
		ns := (from + i) % s.modulus()
		of, ok := s.sendBuffer[ns]
		if !ok {
			continue
		}
		ctrl := EncodeIControl(ns, s.vr, false)
		m.send(OutboundFrame{
			Destination: s.Remote, Source: s.Local, Path: s.Path,
			FrameType: "I", Control: ctrl, PID: of.pid, HasPID: true,
			NS: ns, NR: s.vr, HasSeq: true,
			Payload:    of.payload,
			SessionKey: s.Key,
		})
	}
	m.startT1(s)
}

// --- Timer fires -------------------------------------------------------

func (m *Manager) onT1Fire(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.t1Cancel = nil

	switch s.state {
	case StateConnecting:
		s.retryCount++
		if s.retryCount > s.cfg.MaxRetries {
			s.lateUADeadline = time.Now().Add(lateUAWindow(s.rto))
			s.clearQueues()
			m.setState(s, StateError)
			m.emit(SessionEvent{Kind: EventLinkFailure, Key: key, Reason: "connect: max retries exceeded"})
			return
		}
		backoffRTO(s)
		m.sendSABM(s, true)
		s.connectSentAt = time.Now()
		m.startT1(s)
	case StateDisconnecting:
		s.retryCount++
		if s.retryCount > s.cfg.MaxRetries {
			s.clearQueues()
			m.setState(s, StateDisconnected)
			delete(m.sessions, key)
			return
		}
		backoffRTO(s)
		ctrl, _ := EncodeUControl(UDISC, true)
		m.send(OutboundFrame{
			Destination: s.Remote, Source: s.Local, Path: s.Path,
			FrameType: "DISC", Control: ctrl, SessionKey: s.Key,
		})
		m.startT1(s)
	case StateConnected:
		// Two-stage T1: insert the cancellable grace window before
		// actually retransmitting, so a slightly-late RR can still
		// suppress the duplicate (spec.md §4.4, §9).
		m.startGraceThenRetransmit(s)
	}
}

func (m *Manager) startGraceThenRetransmit(s *Session) {
	key := s.Key
	s.graceCancel = m.scheduleAfter(GraceWindow, func() { m.onGraceFire(key) })
}

func (m *Manager) onGraceFire(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return
	}
	s.graceCancel = nil

	if len(s.sendBuffer) == 0 {
		return
	}

	s.retryCount++
	backoffRTO(s)
	if s.retryCount > s.cfg.MaxRetries {
		s.clearQueues()
		m.setState(s, StateError)
		m.emit(SessionEvent{Kind: EventLinkFailure, Key: key, Reason: "data: max retries exceeded"})
		return
	}

	// Retransmit every buffered frame, oldest N(S) first.
	for _, ns := range append([]int(nil), s.sendOrder...) {
		of, ok := s.sendBuffer[ns]
		if !ok {
			continue
		}
		ctrl := EncodeIControl(ns, s.vr, false)
		m.send(OutboundFrame{
			Destination: s.Remote, Source: s.Local, Path: s.Path,
			FrameType: "I", Control: ctrl, PID: of.pid, HasPID: true,
			NS: ns, NR: s.vr, HasSeq: true,
			Payload:    of.payload,
			SessionKey: s.Key,
		})
	}
	m.startT1(s)
}

func (m *Manager) onT3Fire(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok || s.state != StateConnected {
		return
	}
	s.t3Cancel = nil

	// T3 is armed only when T1 is idle (spec.md §9 Open Question
	// resolution); if a T1 is active there is already outbound traffic
	// in flight and a poll is redundant.
	if s.t1Cancel != nil {
		return
	}

	ctrl := EncodeSControl(s.vr, true, SRR)
	m.send(OutboundFrame{
		Destination: s.Remote, Source: s.Local, Path: s.Path,
		FrameType: "RR", Control: ctrl, SessionKey: s.Key,
	})
	m.startT3(s)
}
