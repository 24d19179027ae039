package kiss

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
)

// State is the lifecycle state of a SerialPort, per spec.md §4.1.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stabilization and reconnect timings from spec.md §4.1 steps 3-5.
const (
	usbStabilizeDelay = 1000 * time.Millisecond
	btStabilizeDelay  = 500 * time.Millisecond
	btOpenTimeout     = 10 * time.Second
	initFrameGap      = 100 * time.Millisecond
	resetDelay        = 2 * time.Second

	reconnectBase Duration = 1 * time.Second
	reconnectCap           = 15 * time.Second
	reconnectJitter        = 500 * time.Millisecond
)

// Duration is an alias kept local so the const block above reads cleanly
// next to time.Duration-typed values.
type Duration = time.Duration

// fdConn is what an open device handle must support: framed I/O plus a
// raw file descriptor for termios configuration. *term.Term and the
// *os.File returned by creack/pty both satisfy it.
type fdConn interface {
	io.ReadWriteCloser
	Fd() uintptr
}

// Config configures one SerialPort.
type Config struct {
	DevicePath    string
	BaudRate      int
	AutoReconnect bool

	// TXDelay, Persistence, SlotTime, TXTail and FullDuplex carry the
	// standard KISS init parameters (spec.md §4.1 step 4). Zero values
	// fall back to the same defaults the teacher's TNC init used.
	TXDelay     int
	Persistence int
	SlotTime    int
	TXTail      int
	FullDuplex  bool

	// Vendor carries extra SET_HARDWARE payloads, keyed by a
	// caller-chosen label, sent verbatim after the standard init frames.
	Vendor map[string][]byte
}

func (c Config) txDelay() byte {
	if c.TXDelay == 0 {
		return 30
	}
	return byte(c.TXDelay)
}

func (c Config) persistence() byte {
	if c.Persistence == 0 {
		return 64
	}
	return byte(c.Persistence)
}

func (c Config) slotTime() byte {
	return byte(c.SlotTime)
}

func (c Config) txTail() byte {
	return byte(c.TXTail)
}

func (c Config) fullDuplex() byte {
	if c.FullDuplex {
		return 1
	}
	return 0
}

// SerialPort is a KISS transport bound to one character device. It owns
// the open/reconnect lifecycle described in spec.md §4.1 and hands
// decoded KISS frame bodies to onReceive as they arrive.
type SerialPort struct {
	cfg      Config
	registry *PathRegistry
	log      *log.Logger
	onReceive func(port byte, cmd Command, payload []byte)

	dial func(path string) (fdConn, error)

	mu       sync.Mutex
	state    State
	conn     fdConn
	claimed  bool
	deframer Deframer

	stopRead chan struct{}
	readDone chan struct{}

	reconnectAttempt int
	reconnectTimer   *time.Timer
	closed           bool
}

// NewSerialPort builds a port bound to cfg.DevicePath. registry is
// shared across every SerialPort a process opens, so two instances
// never race on the same device (spec.md §9's anti-singleton note:
// this is an explicit dependency, not a package global).
func NewSerialPort(cfg Config, registry *PathRegistry, onReceive func(port byte, cmd Command, payload []byte), logger *log.Logger) *SerialPort {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &SerialPort{
		cfg:       cfg,
		registry:  registry,
		log:       logger.With("device", cfg.DevicePath),
		onReceive: onReceive,
		dial:      dialTerm,
	}
}

func dialTerm(path string) (fdConn, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// State reports the port's current lifecycle state.
func (p *SerialPort) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Open runs the full §4.1 open sequence: claim the path, classify the
// device, open it (with a bounded blocking open for Bluetooth), apply
// raw-mode termios, let the line settle, then stagger the KISS init
// frames before starting the read loop. On failure it releases the
// claim and, if cfg.AutoReconnect is set, schedules a backoff retry.
func (p *SerialPort) Open() error {
	p.mu.Lock()
	if p.state == StateConnected || p.state == StateConnecting {
		p.mu.Unlock()
		return &TransportError{Kind: OpenFailed, Path: p.cfg.DevicePath, Err: fmt.Errorf("already open or opening")}
	}
	p.closed = false
	p.state = StateConnecting
	p.mu.Unlock()

	if !p.registry.Claim(p.cfg.DevicePath) {
		p.fail(StateFailed)
		cerr := &TransportError{Kind: AlreadyClaimed, Path: p.cfg.DevicePath}
		p.scheduleReconnect(cerr)
		return cerr
	}
	p.mu.Lock()
	p.claimed = true
	p.mu.Unlock()

	class := classifyDevice(p.cfg.DevicePath)

	conn, openErr := p.dialWithStrategy(class)
	if openErr != nil {
		p.releaseClaim()
		p.fail(StateFailed)
		p.scheduleReconnect(openErr)
		return openErr
	}

	if err := configureRaw(conn.Fd(), p.cfg.BaudRate, class == DeviceBluetooth); err != nil {
		conn.Close()
		p.releaseClaim()
		p.fail(StateFailed)
		cerr := &TransportError{Kind: ConfigFailed, Path: p.cfg.DevicePath, Err: err}
		p.scheduleReconnect(cerr)
		return cerr
	}

	if class == DeviceBluetooth {
		time.Sleep(btStabilizeDelay)
	} else {
		time.Sleep(usbStabilizeDelay)
	}

	p.mu.Lock()
	p.conn = conn
	p.state = StateConnected
	p.reconnectAttempt = 0
	p.stopRead = make(chan struct{})
	p.readDone = make(chan struct{})
	p.mu.Unlock()

	p.sendInitFrames()

	go p.readLoop()

	p.log.Info("serial port opened", "class", classLabel(class))
	return nil
}

func classLabel(c DeviceClass) string {
	if c == DeviceBluetooth {
		return "bluetooth"
	}
	return "usb"
}

type dialResult struct {
	conn fdConn
	err  error
}

// dialWithStrategy opens the device directly for USB/native ports, and
// on a detached goroutine with a bounded timeout for Bluetooth, since
// RFCOMM connects can hang far longer than a USB tty open ever does.
func (p *SerialPort) dialWithStrategy(class DeviceClass) (fdConn, error) {
	if class != DeviceBluetooth {
		conn, err := p.dial(p.cfg.DevicePath)
		if err != nil {
			return nil, &TransportError{Kind: OpenFailed, Path: p.cfg.DevicePath, Err: err}
		}
		return conn, nil
	}

	resultCh := make(chan dialResult, 1)
	go func() {
		conn, err := p.dial(p.cfg.DevicePath)
		resultCh <- dialResult{conn, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, &TransportError{Kind: OpenFailed, Path: p.cfg.DevicePath, Err: r.err}
		}
		return r.conn, nil
	case <-time.After(btOpenTimeout):
		// The dial goroutine leaks until/unless the OS unblocks it; this
		// matches the teacher's blocking cgo opens, which have the same
		// property under the hood.
		return nil, &TransportError{Kind: OpenTimeoutBT, Path: p.cfg.DevicePath}
	}
}

// sendInitFrames stages the standard KISS configuration frames the
// TNC expects on each connect, per spec.md §4.1 step 4: full duplex,
// persistence, slot time, TX delay and TX tail (one frame each, values
// from cfg), any vendor SET_HARDWARE payloads, and a RESET two seconds
// after the rest.
func (p *SerialPort) sendInitFrames() {
	frames := []struct {
		cmd Command
		val byte
	}{
		{CmdFullDuplex, p.cfg.fullDuplex()},
		{CmdPersistence, p.cfg.persistence()},
		{CmdSlotTime, p.cfg.slotTime()},
		{CmdTXDelay, p.cfg.txDelay()},
		{CmdTXTail, p.cfg.txTail()},
	}
	for _, f := range frames {
		p.writeRaw(Encode(0, f.cmd, []byte{f.val}))
		time.Sleep(initFrameGap)
	}

	for _, payload := range p.cfg.Vendor {
		p.writeRaw(Encode(0, CmdSetHardware, payload))
		time.Sleep(initFrameGap)
	}

	go func() {
		time.Sleep(resetDelay)
		p.writeRaw(Encode(0, CmdReset, nil))
	}()
}

func (p *SerialPort) writeRaw(framed []byte) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(framed); err != nil {
		p.log.Warn("init frame write failed", "err", err)
	}
}

// Send frames and writes one already-encoded KISS frame (see Encode).
// A partial write is retried until the whole frame lands or a hard
// error occurs; ENXIO/EIO-class errors trigger a disconnect and, if
// enabled, an automatic reconnect, since they mean the device went
// away under us. Other write errors are reported with the port left
// open, since they are more likely transient.
func (p *SerialPort) Send(framed []byte) error {
	p.mu.Lock()
	if p.state != StateConnected || p.conn == nil {
		p.mu.Unlock()
		return &TransportError{Kind: NotOpen, Path: p.cfg.DevicePath}
	}
	conn := p.conn
	p.mu.Unlock()

	remaining := framed
	for len(remaining) > 0 {
		n, err := conn.Write(remaining)
		if err != nil {
			if isDeviceGoneErr(err) {
				p.handleDisconnect(err)
			}
			return &TransportError{Kind: WriteFailed, Path: p.cfg.DevicePath, Err: err}
		}
		remaining = remaining[n:]
	}
	return nil
}

func (p *SerialPort) readLoop() {
	defer close(p.readDone)

	p.mu.Lock()
	conn := p.conn
	stop := p.stopRead
	p.mu.Unlock()

	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			p.handleDisconnect(err)
			return
		}
		if n == 0 {
			continue
		}

		for _, frame := range p.deframer.Feed(buf[:n]) {
			port, cmd, payload, derr := Decode(frame)
			if derr != nil {
				p.log.Debug("dropping malformed KISS frame", "err", derr)
				continue
			}
			if p.onReceive != nil {
				p.onReceive(port, cmd, payload)
			}
		}
	}
}

func isDeviceGoneErr(err error) bool {
	// pkg/term surfaces device-removal as a plain *os.PathError wrapping
	// ENXIO or EIO; string matching keeps this independent of the exact
	// wrapped errno type across platforms.
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "no such device", "device not configured", "input/output error")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if indexFold(s, sub) {
			return true
		}
	}
	return false
}

func indexFold(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (p *SerialPort) handleDisconnect(cause error) {
	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return
	}
	p.state = StateFailed
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.releaseClaim()
	p.log.Warn("serial port disconnected", "err", cause)
	p.scheduleReconnect(cause)
}

// Close shuts the port down and cancels any pending reconnect. It does
// not return an error: closing an already-closed port is a no-op,
// matching the teacher's serial_port_close.
func (p *SerialPort) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conn := p.conn
	stop := p.stopRead
	done := p.readDone
	timer := p.reconnectTimer
	p.conn = nil
	p.state = StateDisconnected
	p.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	p.releaseClaim()
}

func (p *SerialPort) fail(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *SerialPort) releaseClaim() {
	p.mu.Lock()
	if !p.claimed {
		p.mu.Unlock()
		return
	}
	p.claimed = false
	p.mu.Unlock()
	p.registry.Release(p.cfg.DevicePath)
}

// scheduleReconnect arms an exponential backoff retry of Open, seeded
// by a failure-class-specific initial delay (spec.md §4.1 step 5): a
// busy device backs off fastest since the holder may release it
// quickly, a missing device waits longer, and a Bluetooth open timeout
// waits longest since the radio is probably out of range.
func (p *SerialPort) scheduleReconnect(cause error) {
	if !p.cfg.AutoReconnect {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	attempt := p.reconnectAttempt
	p.reconnectAttempt++
	p.mu.Unlock()

	delay := initialReconnectDelay(cause)
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
			break
		}
	}
	delay += time.Duration(jitterNanos(delay))

	p.mu.Lock()
	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
	}
	p.reconnectTimer = time.AfterFunc(delay, func() {
		if err := p.Open(); err != nil {
			p.log.Warn("reconnect attempt failed", "err", err)
		}
	})
	p.mu.Unlock()
}

func initialReconnectDelay(cause error) time.Duration {
	var terr *TransportError
	if e, ok := cause.(*TransportError); ok {
		terr = e
	}
	if terr == nil {
		return reconnectBase
	}
	switch terr.Kind {
	case OpenTimeoutBT:
		return 5 * time.Second
	case AlreadyClaimed:
		return 1 * time.Second
	case OpenFailed:
		return 2 * time.Second
	default:
		return reconnectBase
	}
}

func jitterNanos(base time.Duration) int64 {
	// A cheap deterministic-looking spread derived from the delay
	// itself; avoids pulling in math/rand for half a second of jitter
	// while still staggering simultaneous reconnects of several ports.
	n := int64(base) % int64(reconnectJitter)
	if n < 0 {
		n = -n
	}
	return n
}

// ErrContextDone is returned by WaitConnected when ctx is cancelled
// before the port reaches StateConnected.
var ErrContextDone = fmt.Errorf("kiss: context done before port connected")

// WaitConnected blocks until the port reaches StateConnected or ctx is
// done, polling at a short fixed interval. It exists for tests and
// startup code that need a synchronous "is it up yet" check against an
// inherently asynchronous open/reconnect lifecycle.
func (p *SerialPort) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.State() == StateConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrContextDone
		case <-ticker.C:
		}
	}
}
