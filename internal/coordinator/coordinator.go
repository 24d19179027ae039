// Package coordinator wires the AX.25 session manager, the KISS
// transport, the DGP application layer, capability negotiation, and
// adaptive parameter tuning into one engine, playing the role spec.md
// §5 assigns to a single cooperative executor.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/minorsecond/axterm/internal/adaptive"
	"github.com/minorsecond/axterm/internal/ax25"
	"github.com/minorsecond/axterm/internal/capability"
	"github.com/minorsecond/axterm/internal/dgp"
	"github.com/minorsecond/axterm/internal/kiss"
	"github.com/minorsecond/axterm/internal/transfer"
)

// Transport is the subset of *kiss.SerialPort the coordinator depends
// on: one already-KISS-framed write. Narrow on purpose, so tests can
// substitute an in-process fake instead of a real serial device.
type Transport interface {
	Send(framed []byte) error
}

// AcceptFunc decides whether to accept an inbound file offer from
// peer. The zero Coordinator accepts everything into cfg.SaveDir.
type AcceptFunc func(peer string, meta dgp.FileMeta) bool

// Config collects the coordinator's tunables. Zero values fall back to
// sane defaults in New.
type Config struct {
	Local        ax25.Address
	Channel      int
	SaveDir      string
	ChunkSize    uint32
	Compressible bool
	Capabilities dgp.Capabilities

	DedupeCapacity int
	RouteTTL       time.Duration
	EventBuffer    int
	OutboundBuffer int
}

func (c *Config) setDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 128
	}
	if c.DedupeCapacity == 0 {
		c.DedupeCapacity = dgp.DefaultDedupeCapacity
	}
	if c.RouteTTL == 0 {
		c.RouteTTL = adaptive.DefaultTTL
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = 256
	}
}

// Coordinator owns the session table and every piece of state that
// needs to see both the link layer and the application layer: DGP
// reassembly and dedupe, capability negotiation, adaptive route
// tuning, and the active file transfers.
type Coordinator struct {
	cfg Config
	log *log.Logger

	transport Transport
	mgr       *ax25.Manager
	outbound  chan ax25.OutboundFrame
	events    chan ax25.SessionEvent

	reassemblers *dgp.Reassemblers
	dedupe       *dgp.Dedupe
	negotiator   *capability.Negotiator
	routes       *adaptive.Cache

	mu       sync.Mutex
	outXfers map[string]*transfer.OutboundTransfer
	inXfers  map[string]*transfer.InboundTransfer
	accept   AcceptFunc

	nextSessionID uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Coordinator around cfg. Call SetTransport before Run so
// outbound frames have somewhere to go.
func New(cfg Config, logger *log.Logger) *Coordinator {
	cfg.setDefaults()

	c := &Coordinator{
		cfg:          cfg,
		log:          logger,
		outbound:     make(chan ax25.OutboundFrame, cfg.OutboundBuffer),
		events:       make(chan ax25.SessionEvent, cfg.EventBuffer),
		reassemblers: dgp.NewReassemblers(),
		dedupe:       dgp.NewDedupe(cfg.DedupeCapacity),
		routes:       adaptive.NewCache(cfg.RouteTTL),
		outXfers:     make(map[string]*transfer.OutboundTransfer),
		inXfers:      make(map[string]*transfer.InboundTransfer),
		accept:       func(string, dgp.FileMeta) bool { return true },
	}
	c.mgr = ax25.NewManager(c.outbound, c.events, logger)
	c.negotiator = capability.NewNegotiator(cfg.Capabilities, c.sendUI, logger)
	return c
}

// SetTransport attaches the KISS transport raw frames are sent
// through.
func (c *Coordinator) SetTransport(t Transport) {
	c.transport = t
}

// SetAcceptFunc overrides the default accept-everything inbound file
// policy.
func (c *Coordinator) SetAcceptFunc(fn AcceptFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accept = fn
}

// SetCapabilityNegotiation toggles whether DGP is offered at all, and
// whether a connect automatically probes for it.
func (c *Coordinator) SetCapabilityNegotiation(dgpEnabled, autoNegotiate bool) {
	c.negotiator.SetEnabled(dgpEnabled, autoNegotiate)
}

// Run starts the coordinator's event and outbound-frame loops. It
// returns immediately; the loops stop when ctx is cancelled or Close
// is called.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.runOutboundLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.runEventLoop(ctx)
	}()
}

// Close stops the coordinator's loops and the session manager's
// timers, and waits for both to exit.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mgr.Close()
	c.wg.Wait()
}

// Connect initiates an AX.25 connection to remote over path, using
// adaptive-learned parameters for the route if any are on file.
func (c *Coordinator) Connect(remote ax25.Address, path ax25.DigiPath) (ax25.Key, error) {
	key := ax25.Key{Destination: remote, PathSig: path.Signature(), Channel: c.cfg.Channel}
	cfg := c.sessionConfig(key)
	_, err := c.mgr.Connect(key, c.cfg.Local, remote, path, cfg)
	return key, err
}

// Disconnect requests a graceful teardown of key's session.
func (c *Coordinator) Disconnect(key ax25.Key) error {
	return c.mgr.Disconnect(key)
}

// ForceDisconnect tears key's session down with no on-air exchange.
func (c *Coordinator) ForceDisconnect(key ax25.Key) {
	c.mgr.ForceDisconnect(key)
}

// SendChat sends a one-shot chat message over key's connected session.
func (c *Coordinator) SendChat(key ax25.Key, text string) error {
	sid := atomic.AddUint32(&c.nextSessionID, 1)
	msg := dgp.Message{Type: dgp.MessageChat, SessionID: sid, MessageID: 1, Payload: []byte(text)}
	return c.mgr.SendData(key, dgp.EncodeMessage(msg), ax25.DefaultPID, "chat")
}

// SendFile starts an outbound file transfer to key's peer, returning
// the transfer for the caller to watch via OnDone/State.
func (c *Coordinator) SendFile(key ax25.Key, filename string, data []byte) (*transfer.OutboundTransfer, error) {
	sid := atomic.AddUint32(&c.nextSessionID, 1)
	out := transfer.NewOutboundTransfer(sid, filename, data, c.cfg.ChunkSize, c.cfg.Compressible, c.sendFuncFor(key), c.log)

	peer := peerKey(key)
	c.mu.Lock()
	c.outXfers[peer] = out
	c.mu.Unlock()

	if err := out.Start(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) sendFuncFor(key ax25.Key) transfer.SendFrame {
	return func(msg dgp.Message) error {
		return c.mgr.SendData(key, dgp.EncodeMessage(msg), ax25.DefaultPID, msg.Type.String())
	}
}

// sendUI delivers payload to peer as an unconnected UI frame; the
// capability negotiator uses this for text probes and PING/PONG.
func (c *Coordinator) sendUI(peer string, payload []byte) error {
	dest, err := ax25.ParseAddress(peer)
	if err != nil {
		return fmt.Errorf("coordinator: bad UI peer %q: %w", peer, err)
	}
	raw, err := ax25.Encode(ax25.Frame{
		Destination: dest,
		Source:      c.cfg.Local,
		Control:     ax25.Control{Kind: ax25.KindU, UFrame: ax25.UUI},
		PID:         ax25.DefaultPID,
		HasPID:      true,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return c.sendRaw(raw)
}

func (c *Coordinator) sendRaw(raw []byte) error {
	if c.transport == nil {
		return fmt.Errorf("coordinator: no transport attached")
	}
	return c.transport.Send(kiss.Encode(byte(c.cfg.Channel), kiss.CmdDataFrame, raw))
}

// HandleKISSFrame is the kiss.SerialPort onReceive callback: it decodes
// an AX.25 frame and routes it either to capability negotiation (UI
// frames) or the session manager (everything else).
func (c *Coordinator) HandleKISSFrame(port byte, cmd kiss.Command, payload []byte) {
	if cmd != kiss.CmdDataFrame {
		return
	}
	frame, err := ax25.Decode(payload)
	if err != nil {
		c.log.Debug("dropping malformed AX.25 frame", "err", err)
		return
	}

	if frame.Control.Kind == ax25.KindU && frame.Control.UFrame == ax25.UUI {
		c.negotiator.OnUIFrameReceived(frame.Source.String(), frame.Payload)
		return
	}
	c.mgr.HandleInboundFrame(int(port), frame)
}
