package transfer

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/minorsecond/axterm/internal/dgp"
)

// OutboundState is the state machine spec.md §4.7's sender side walks
// through.
type OutboundState int

const (
	OutboundAwaitingAccept OutboundState = iota
	OutboundSending
	OutboundAwaitingCompletion
	OutboundCompleted
	OutboundDeclined
	OutboundFailed
)

func (s OutboundState) String() string {
	switch s {
	case OutboundAwaitingAccept:
		return "awaiting-accept"
	case OutboundSending:
		return "sending"
	case OutboundAwaitingCompletion:
		return "awaiting-completion"
	case OutboundCompleted:
		return "completed"
	case OutboundDeclined:
		return "declined"
	case OutboundFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CompletionRequestInterval is how often an AwaitingCompletion transfer
// re-sends its completion request while nothing comes back.
const CompletionRequestInterval = 2 * time.Second

// SendFrame delivers one DGP message over the owning AX.25 session;
// the session's own pending queue and flow control apply, so this
// function need not throttle anything itself.
type SendFrame func(msg dgp.Message) error

// OutboundTransfer drives one file send to completion, retry, or
// failure.
type OutboundTransfer struct {
	sessionID uint32
	filename  string
	chunkSize uint32
	send      SendFrame
	log       *log.Logger

	mu           sync.Mutex
	state        OutboundState
	chunks       [][]byte
	totalChunks  uint32
	hash         [32]byte
	originalSize uint64
	algo         dgp.CompressionAlgorithm

	completionStop chan struct{}
	onDone         func(OutboundState)
	retransmitID   uint32
}

// NewOutboundTransfer prepares (compresses, chunks, hashes) original
// for sending but does not transmit anything yet; call Start.
func NewOutboundTransfer(sessionID uint32, filename string, original []byte, chunkSize uint32, compressible bool, send SendFrame, logger *log.Logger) *OutboundTransfer {
	t := &OutboundTransfer{
		sessionID: sessionID,
		filename:  filename,
		chunkSize: chunkSize,
		send:      send,
		log:       logger,
		state:     OutboundAwaitingAccept,
	}

	payload := original
	algo := dgp.CompressionNone
	if compressible {
		payload, algo = compressWholeFile(original)
	}
	t.chunks = chunkBytes(payload, chunkSize)
	t.totalChunks = uint32(len(t.chunks))
	t.hash = sha256.Sum256(original)
	t.originalSize = uint64(len(original))
	t.algo = algo

	return t
}

// Start sends the FileMeta announcement and waits for the receiver's
// accept/decline ACK before anything else goes out.
func (t *OutboundTransfer) Start() error {
	meta := &dgp.FileMeta{
		Filename:     t.filename,
		OriginalSize: t.originalSize,
		SHA256:       t.hash,
		ChunkSize:    t.chunkSize,
	}
	algo := t.algo
	total := t.totalChunks

	return t.send(dgp.Message{
		Type:        dgp.MessageFileMeta,
		SessionID:   t.sessionID,
		MessageID:   0,
		Metadata:    meta,
		TotalChunks: &total,
		Compression: &algo,
	})
}

// OnDone registers a callback invoked exactly once, when the transfer
// reaches a terminal state.
func (t *OutboundTransfer) OnDone(fn func(OutboundState)) {
	t.mu.Lock()
	t.onDone = fn
	t.mu.Unlock()
}

// State reports the transfer's current state.
func (t *OutboundTransfer) State() OutboundState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HandleIncoming routes one DGP message addressed to this transfer's
// session, advancing the state machine.
func (t *OutboundTransfer) HandleIncoming(msg dgp.Message) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	switch state {
	case OutboundAwaitingAccept:
		t.handleAcceptDecision(msg)
	case OutboundAwaitingCompletion:
		t.handleCompletionResponse(msg)
	}
}

func (t *OutboundTransfer) handleAcceptDecision(msg dgp.Message) {
	if msg.Type == dgp.MessageNack {
		t.finish(OutboundDeclined)
		return
	}
	if msg.Type != dgp.MessageAck {
		return
	}

	t.mu.Lock()
	t.state = OutboundSending
	chunks := t.chunks
	t.mu.Unlock()

	for i, c := range chunks {
		idx := uint32(i)
		crc := dgp.ComputeCRC32(c)
		if err := t.send(dgp.Message{
			Type:         dgp.MessageFileChunk,
			SessionID:    t.sessionID,
			MessageID:    idx + 1,
			ChunkIndex:   &idx,
			Payload:      c,
			PayloadCRC32: &crc,
		}); err != nil {
			t.log.Warn("chunk send failed", "index", idx, "err", err)
		}
	}

	t.mu.Lock()
	t.state = OutboundAwaitingCompletion
	t.completionStop = make(chan struct{})
	t.mu.Unlock()

	go t.runCompletionRequests()
}

func (t *OutboundTransfer) runCompletionRequests() {
	t.mu.Lock()
	stop := t.completionStop
	t.mu.Unlock()

	ticker := time.NewTicker(CompletionRequestInterval)
	defer ticker.Stop()

	t.sendCompletionRequest()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sendCompletionRequest()
		}
	}
}

func (t *OutboundTransfer) sendCompletionRequest() {
	if err := t.send(dgp.Message{
		Type:      dgp.MessageAck,
		SessionID: t.sessionID,
		MessageID: dgp.CompletionRequestID,
	}); err != nil {
		t.log.Warn("completion request send failed", "err", err)
	}
}

func (t *OutboundTransfer) handleCompletionResponse(msg dgp.Message) {
	if msg.MessageID != dgp.CompletionAckID {
		return
	}

	switch msg.Type {
	case dgp.MessageAck:
		t.finish(OutboundCompleted)
	case dgp.MessageNack:
		if msg.SackBitmap == nil {
			t.finish(OutboundFailed)
			return
		}
		t.retransmitMissing(msg.SackBitmap)
	}
}

func (t *OutboundTransfer) retransmitMissing(bitmap []byte) {
	t.mu.Lock()
	received := dgp.DecodeSackBitmap(bitmap, t.totalChunks)
	chunks := t.chunks
	// Retransmits take message ids above the first-pass range (index+1),
	// so replay suppression on the receiving side never drops them.
	if t.retransmitID == 0 {
		t.retransmitID = t.totalChunks + 1
	}
	t.mu.Unlock()

	for i, got := range received {
		if got {
			continue
		}
		idx := uint32(i)
		crc := dgp.ComputeCRC32(chunks[i])
		t.mu.Lock()
		msgID := t.retransmitID
		t.retransmitID++
		t.mu.Unlock()
		if err := t.send(dgp.Message{
			Type:         dgp.MessageFileChunk,
			SessionID:    t.sessionID,
			MessageID:    msgID,
			ChunkIndex:   &idx,
			Payload:      chunks[i],
			PayloadCRC32: &crc,
		}); err != nil {
			t.log.Warn("chunk retransmit failed", "index", idx, "err", err)
		}
	}
}

func (t *OutboundTransfer) finish(state OutboundState) {
	t.mu.Lock()
	if t.state == OutboundCompleted || t.state == OutboundFailed || t.state == OutboundDeclined {
		t.mu.Unlock()
		return
	}
	t.state = state
	stop := t.completionStop
	done := t.onDone
	t.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		done(state)
	}
}

// Stop cancels an in-flight transfer (e.g. the owning session
// disconnected), marking it Failed without sending anything more.
func (t *OutboundTransfer) Stop() {
	t.finish(OutboundFailed)
}
