package transfer

import (
	"bytes"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/minorsecond/axterm/internal/dgp"
)

// InboundState is the state machine spec.md §4.7's receiver side walks
// through.
type InboundState int

const (
	InboundAwaitingDecision InboundState = iota
	InboundReceiving
	InboundCompleted
	InboundFailed
	InboundDeclined
)

func (s InboundState) String() string {
	switch s {
	case InboundAwaitingDecision:
		return "awaiting-decision"
	case InboundReceiving:
		return "receiving"
	case InboundCompleted:
		return "completed"
	case InboundFailed:
		return "failed"
	case InboundDeclined:
		return "declined"
	default:
		return "unknown"
	}
}

// AcceptFunc decides whether to accept an incoming transfer, typically
// by asking the UI.
type AcceptFunc func(meta dgp.FileMeta) bool

// InboundTransfer tracks one incoming file from FileMeta through
// completion.
type InboundTransfer struct {
	sessionID uint32
	saveDir   string
	send      SendFrame
	log       *log.Logger

	mu          sync.Mutex
	state       InboundState
	meta        *dgp.FileMeta
	algo        dgp.CompressionAlgorithm
	totalChunks uint32
	received    map[uint32][]byte
	startedAt   time.Time
	savedPath   string
}

// NewInboundTransfer starts tracking a transfer for sessionID. Accepted
// files are written under saveDir.
func NewInboundTransfer(sessionID uint32, saveDir string, send SendFrame, logger *log.Logger) *InboundTransfer {
	return &InboundTransfer{
		sessionID: sessionID,
		saveDir:   saveDir,
		send:      send,
		log:       logger,
		state:     InboundAwaitingDecision,
		received:  make(map[uint32][]byte),
		startedAt: time.Now(),
	}
}

// State reports the transfer's current state.
func (t *InboundTransfer) State() InboundState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HandleFileMeta processes the initial announcement, asks accept
// whether to take the file, and replies with an ACK/NACK that echoes
// msg's exact session id (spec.md §4.7 step 1).
func (t *InboundTransfer) HandleFileMeta(msg dgp.Message, accept AcceptFunc) error {
	if msg.Metadata == nil {
		return t.send(dgp.Message{Type: dgp.MessageNack, SessionID: msg.SessionID, MessageID: msg.MessageID})
	}

	total := uint32(0)
	if msg.TotalChunks != nil {
		total = *msg.TotalChunks
	}
	algo := dgp.CompressionNone
	if msg.Compression != nil {
		algo = *msg.Compression
	}

	ok := accept(*msg.Metadata)

	t.mu.Lock()
	t.meta = msg.Metadata
	t.totalChunks = total
	t.algo = algo
	if ok {
		t.state = InboundReceiving
	} else {
		t.state = InboundDeclined
	}
	t.mu.Unlock()

	replyType := dgp.MessageNack
	if ok {
		replyType = dgp.MessageAck
	}
	return t.send(dgp.Message{Type: replyType, SessionID: msg.SessionID, MessageID: msg.MessageID})
}

// HandleFileChunk verifies a chunk's CRC32 and stores it by index. A
// CRC mismatch silently drops the chunk, leaving it "missing" for a
// future SACK-driven retransmit; a repeat of an already-stored index
// is a no-op.
func (t *InboundTransfer) HandleFileChunk(msg dgp.Message) {
	if msg.ChunkIndex == nil || msg.PayloadCRC32 == nil {
		return
	}
	if dgp.ComputeCRC32(msg.Payload) != *msg.PayloadCRC32 {
		t.log.Debug("dropping corrupt chunk", "index", *msg.ChunkIndex)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.received[*msg.ChunkIndex]; ok {
		return
	}
	t.received[*msg.ChunkIndex] = append([]byte(nil), msg.Payload...)
}

// HandleCompletionRequest responds to the sender's periodic completion
// poll: reassembles and saves the file if every chunk arrived,
// otherwise reports back which indices are still missing.
func (t *InboundTransfer) HandleCompletionRequest(msg dgp.Message) {
	t.mu.Lock()
	complete := uint32(len(t.received)) == t.totalChunks && t.totalChunks > 0
	meta := t.meta
	algo := t.algo
	total := t.totalChunks
	received := t.received
	t.mu.Unlock()

	if !complete {
		bitmap := dgp.EncodeSackBitmap(boolMapToReceivedSet(received), 0, total)
		_ = t.send(dgp.Message{
			Type:       dgp.MessageNack,
			SessionID:  msg.SessionID,
			MessageID:  dgp.CompletionAckID,
			SackBitmap: bitmap,
		})
		return
	}

	assembled := make([]byte, 0, meta.ChunkSize*total)
	for i := uint32(0); i < total; i++ {
		assembled = append(assembled, received[i]...)
	}

	data, err := decompress(assembled, algo, uint32(meta.OriginalSize))
	if err != nil {
		t.log.Warn("decompress failed", "err", err)
		t.finishFailed(msg.SessionID)
		return
	}

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], meta.SHA256[:]) {
		t.log.Warn("sha256 mismatch on reassembled transfer", "filename", meta.Filename)
		t.finishFailed(msg.SessionID)
		return
	}

	path, err := saveFile(t.saveDir, meta.Filename, data)
	if err != nil {
		t.log.Warn("save failed", "err", err)
		t.finishFailed(msg.SessionID)
		return
	}

	t.mu.Lock()
	t.state = InboundCompleted
	t.savedPath = path
	startedAt := t.startedAt
	t.mu.Unlock()

	metrics := &dgp.TransferMetrics{
		DurationMillis:   uint64(time.Since(startedAt).Milliseconds()),
		BytesTransferred: uint64(len(data)),
	}
	_ = t.send(dgp.Message{
		Type:            dgp.MessageAck,
		SessionID:       msg.SessionID,
		MessageID:       dgp.CompletionAckID,
		TransferMetrics: metrics,
	})
}

func (t *InboundTransfer) finishFailed(sessionID uint32) {
	t.mu.Lock()
	t.state = InboundFailed
	t.mu.Unlock()
	_ = t.send(dgp.Message{Type: dgp.MessageNack, SessionID: sessionID, MessageID: dgp.CompletionAckID})
}

// SavedPath returns where a completed transfer's file was written.
func (t *InboundTransfer) SavedPath() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.savedPath
}

func boolMapToReceivedSet(received map[uint32][]byte) map[uint32]bool {
	out := make(map[uint32]bool, len(received))
	for idx := range received {
		out[idx] = true
	}
	return out
}
