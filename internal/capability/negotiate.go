package capability

import (
	"bytes"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/minorsecond/axterm/internal/dgp"
)

// Probe is the literal ASCII text a legacy node just echoes back
// harmlessly, sent as a UI frame so a non-DGP peer never sees binary.
var Probe = []byte("AXDP?\r")

// SendUI delivers payload as a UI frame to peer. The negotiator never
// touches the AX.25 layer directly; the coordinator supplies this.
type SendUI func(peer string, payload []byte) error

type peerTimers struct {
	fallback *time.Timer
	timeout  *time.Timer
}

// Negotiator runs the §4.6 handshake for every peer the coordinator
// tells it about. One instance is shared process-wide (constructed
// explicitly, passed in, per the anti-singleton note in spec.md §9).
type Negotiator struct {
	localCaps dgp.Capabilities
	sendUI    SendUI
	log       *log.Logger

	cache *cache

	mu          sync.Mutex
	probeSent   map[string]bool
	timers      map[string]*peerTimers
	autoEnabled bool
	dgpEnabled  bool
}

// NewNegotiator builds a negotiator that advertises localCaps and uses
// sendUI to transmit probes, PINGs, and PONGs.
func NewNegotiator(localCaps dgp.Capabilities, sendUI SendUI, logger *log.Logger) *Negotiator {
	return &Negotiator{
		localCaps:   localCaps,
		sendUI:      sendUI,
		log:         logger,
		cache:       newCache(),
		probeSent:   make(map[string]bool),
		timers:      make(map[string]*peerTimers),
		autoEnabled: true,
		dgpEnabled:  true,
	}
}

// SetEnabled toggles whether DGP and auto-negotiation run at all; a
// disabled negotiator never sends a probe of its own accord.
func (n *Negotiator) SetEnabled(dgpEnabled, autoNegotiate bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dgpEnabled = dgpEnabled
	n.autoEnabled = autoNegotiate
}

// OnSessionConnected arms the 3s fallback probe timer for an initiator
// session reaching Connected (step 1 of §4.6).
func (n *Negotiator) OnSessionConnected(peer string, isInitiator bool) {
	if !isInitiator {
		return
	}
	n.mu.Lock()
	enabled := n.dgpEnabled && n.autoEnabled
	n.mu.Unlock()
	if !enabled || n.cache.isNotSupported(peer) {
		return
	}

	timer := time.AfterFunc(ProbeFallback, func() { n.maybeSendProbe(peer) })
	n.mu.Lock()
	n.timers[peer] = &peerTimers{fallback: timer}
	n.mu.Unlock()
}

// OnFirstInboundIFrame fires the probe immediately once the remote
// app layer shows signs of life, rather than waiting out the fallback
// timer (step 2 of §4.6).
func (n *Negotiator) OnFirstInboundIFrame(peer string) {
	n.maybeSendProbe(peer)
}

func (n *Negotiator) maybeSendProbe(peer string) {
	n.mu.Lock()
	if !n.dgpEnabled || !n.autoEnabled {
		n.mu.Unlock()
		return
	}
	if n.probeSent[peer] {
		n.mu.Unlock()
		return
	}
	if _, confirmed := n.cache.isConfirmed(peer); confirmed {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if n.cache.isNotSupported(peer) {
		return
	}

	if err := n.sendUI(peer, Probe); err != nil {
		n.log.Warn("capability probe send failed", "peer", peer, "err", err)
		return
	}

	n.mu.Lock()
	n.probeSent[peer] = true
	timeout := time.AfterFunc(ProbeTimeout, func() { n.onProbeTimeout(peer) })
	if t, ok := n.timers[peer]; ok {
		t.timeout = timeout
	} else {
		n.timers[peer] = &peerTimers{timeout: timeout}
	}
	n.mu.Unlock()
}

func (n *Negotiator) onProbeTimeout(peer string) {
	if _, confirmed := n.cache.isConfirmed(peer); confirmed {
		return
	}
	n.cache.markNotSupported(peer)
	n.log.Debug("peer marked not-supported after probe timeout", "peer", peer)
}

// OnUIFrameReceived handles every inbound UI-frame payload for peer,
// whether it is a legacy text probe, a DGP PONG/PING completing the
// handshake, or an unrelated DGP message that implicitly confirms
// capability (step 5 of §4.6).
func (n *Negotiator) OnUIFrameReceived(peer string, payload []byte) {
	if bytes.HasPrefix(payload, []byte("AXDP?")) {
		n.respondPong(peer)
		return
	}

	msg, _, err := dgp.DecodeMessage(payload)
	if err != nil {
		return
	}

	switch msg.Type {
	case dgp.MessagePong:
		if msg.Capabilities != nil {
			n.confirm(peer, *msg.Capabilities)
		}
		n.respondPing(peer)
	case dgp.MessagePing:
		if msg.Capabilities != nil {
			n.confirm(peer, *msg.Capabilities)
		}
	default:
		// Any other message that decoded cleanly still proves the
		// peer speaks DGP.
		n.confirm(peer, dgp.Capabilities{})
	}
}

func (n *Negotiator) respondPong(peer string) {
	msg := dgp.Message{
		Type:         dgp.MessagePong,
		SessionID:    0,
		MessageID:    0,
		Capabilities: &n.localCaps,
	}
	if err := n.sendUI(peer, dgp.EncodeMessage(msg)); err != nil {
		n.log.Warn("PONG send failed", "peer", peer, "err", err)
	}
}

func (n *Negotiator) respondPing(peer string) {
	msg := dgp.Message{
		Type:         dgp.MessagePing,
		SessionID:    0,
		MessageID:    0,
		Capabilities: &n.localCaps,
	}
	if err := n.sendUI(peer, dgp.EncodeMessage(msg)); err != nil {
		n.log.Warn("PING send failed", "peer", peer, "err", err)
	}
}

func (n *Negotiator) confirm(peer string, caps dgp.Capabilities) {
	wasConfirmed := false
	if _, ok := n.cache.isConfirmed(peer); ok {
		wasConfirmed = true
	}
	n.cache.confirm(peer, caps)
	n.cancelTimers(peer)
	if !wasConfirmed {
		n.log.Info("peer confirmed DGP-capable", "peer", peer)
	}
}

func (n *Negotiator) cancelTimers(peer string) {
	n.mu.Lock()
	t, ok := n.timers[peer]
	delete(n.timers, peer)
	n.mu.Unlock()
	if !ok {
		return
	}
	if t.fallback != nil {
		t.fallback.Stop()
	}
	if t.timeout != nil {
		t.timeout.Stop()
	}
}

// OnSessionDisconnected clears peer's confirmed-capability state so
// the next connect always re-probes (§4.6 cache invalidation rule).
func (n *Negotiator) OnSessionDisconnected(peer string) {
	n.cache.clearConfirmed(peer)
	n.cancelTimers(peer)
	n.mu.Lock()
	delete(n.probeSent, peer)
	n.mu.Unlock()
}

// ManualDiscover clears peer's not-supported parking, letting the next
// connect probe it again immediately.
func (n *Negotiator) ManualDiscover(peer string) {
	n.cache.clearNotSupported(peer)
}

// IsConfirmed reports whether peer has completed the handshake, along
// with its advertised capabilities.
func (n *Negotiator) IsConfirmed(peer string) (dgp.Capabilities, bool) {
	return n.cache.isConfirmed(peer)
}
