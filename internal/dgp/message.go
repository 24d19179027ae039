// Package dgp implements the TLV application protocol ("AXT1") carried
// over AX.25 I-frames or UI frames: message encode/decode, reassembly
// of the delivered byte stream into complete messages, and replay
// deduplication.
package dgp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Magic identifies a version-1 AXT1 message header.
var Magic = [4]byte{'A', 'X', 'T', '1'}

// ErrIncomplete is returned by DecodeMessage when buf does not yet hold
// a full message; the caller should wait for more bytes and retry.
var ErrIncomplete = errors.New("dgp: incomplete message")

// MessageType is the required top-level TLV naming what kind of
// message this is.
type MessageType uint8

const (
	MessageChat MessageType = iota + 1
	MessageFileMeta
	MessageFileChunk
	MessageAck
	MessageNack
	MessagePing
	MessagePong
	MessagePeerEnabled
	MessagePeerDisabled
)

func (t MessageType) String() string {
	switch t {
	case MessageChat:
		return "Chat"
	case MessageFileMeta:
		return "FileMeta"
	case MessageFileChunk:
		return "FileChunk"
	case MessageAck:
		return "Ack"
	case MessageNack:
		return "Nack"
	case MessagePing:
		return "Ping"
	case MessagePong:
		return "Pong"
	case MessagePeerEnabled:
		return "PeerEnabled"
	case MessagePeerDisabled:
		return "PeerDisabled"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// CompressionAlgorithm names the whole-file compression applied to a
// transfer's payload before chunking.
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionDeflate
	CompressionLZ4
	CompressionZstd
)

func (c CompressionAlgorithm) String() string {
	switch c {
	case CompressionNone:
		return "None"
	case CompressionDeflate:
		return "Deflate"
	case CompressionLZ4:
		return "LZ4"
	case CompressionZstd:
		return "Zstd"
	default:
		return fmt.Sprintf("CompressionAlgorithm(%d)", uint8(c))
	}
}

// TLV type codes, matching spec.md §3's Required/Optional TLV list.
const (
	tlvMessageType uint8 = iota + 1
	tlvSessionID
	tlvMessageID
	tlvChunkIndex
	tlvTotalChunks
	tlvPayload
	tlvPayloadCRC32
	tlvSackBitmap
	tlvMetadata
	tlvCapabilities
	tlvCompression
	tlvOriginalLength
	tlvPayloadCompressed
	tlvTransferMetrics
)

// Completion sentinels, fixed by spec.md §4.7; they never name a real
// chunk index.
const (
	CompletionRequestID uint32 = 0xFFFFFFFE
	CompletionAckID     uint32 = 0xFFFFFFFF
)

// TLV is one opaque type/length/value triple, used verbatim to
// preserve any type this decoder doesn't recognize.
type TLV struct {
	Type  uint8
	Value []byte
}

// Message is the fully decoded form of one AXT1 wire message. Fields
// use pointers where the TLV is optional, so a nil pointer and an
// explicit zero value are distinguishable.
type Message struct {
	Type      MessageType
	SessionID uint32
	MessageID uint32

	ChunkIndex        *uint32
	TotalChunks       *uint32
	Payload           []byte
	PayloadCRC32      *uint32
	SackBitmap        []byte
	Metadata          *FileMeta
	Capabilities      *Capabilities
	Compression       *CompressionAlgorithm
	OriginalLength    *uint32
	PayloadCompressed *bool
	TransferMetrics   *TransferMetrics

	// Unknown carries any TLV this decoder didn't recognize, preserved
	// opaquely in arrival order.
	Unknown []TLV
}

// ComputeCRC32 is the per-chunk checksum spec.md §4.7 requires:
// standard IEEE CRC-32.
func ComputeCRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func u32(v uint32) *uint32 { return &v }
func boolp(v bool) *bool   { return &v }

// EncodeMessage serializes m as MAGIC || length(u32 BE) || TLV*. The
// explicit length prefix (not spelled out verbatim in the TLV table,
// but required for a decoder to know a message's extent without
// scanning ahead for the next MAGIC) lets DecodeMessage tell "need more
// bytes" apart from "message ends here" unambiguously; see DESIGN.md.
func EncodeMessage(m Message) []byte {
	var body bytes.Buffer

	writeTLV(&body, tlvMessageType, []byte{uint8(m.Type)})
	writeTLV(&body, tlvSessionID, beU32(m.SessionID))
	writeTLV(&body, tlvMessageID, beU32(m.MessageID))

	if m.ChunkIndex != nil {
		writeTLV(&body, tlvChunkIndex, beU32(*m.ChunkIndex))
	}
	if m.TotalChunks != nil {
		writeTLV(&body, tlvTotalChunks, beU32(*m.TotalChunks))
	}
	if m.Payload != nil {
		writeTLV(&body, tlvPayload, m.Payload)
	}
	if m.PayloadCRC32 != nil {
		writeTLV(&body, tlvPayloadCRC32, beU32(*m.PayloadCRC32))
	}
	if m.SackBitmap != nil {
		writeTLV(&body, tlvSackBitmap, m.SackBitmap)
	}
	if m.Metadata != nil {
		writeTLV(&body, tlvMetadata, m.Metadata.encode())
	}
	if m.Capabilities != nil {
		writeTLV(&body, tlvCapabilities, m.Capabilities.encode())
	}
	if m.Compression != nil {
		writeTLV(&body, tlvCompression, []byte{uint8(*m.Compression)})
	}
	if m.OriginalLength != nil {
		writeTLV(&body, tlvOriginalLength, beU32(*m.OriginalLength))
	}
	if m.PayloadCompressed != nil {
		v := byte(0)
		if *m.PayloadCompressed {
			v = 1
		}
		writeTLV(&body, tlvPayloadCompressed, []byte{v})
	}
	if m.TransferMetrics != nil {
		writeTLV(&body, tlvTransferMetrics, m.TransferMetrics.encode())
	}
	for _, u := range m.Unknown {
		writeTLV(&body, u.Type, u.Value)
	}

	var out bytes.Buffer
	out.Write(Magic[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeMessage parses one message from the front of buf. It returns
// the message and the number of bytes it consumed; trailing bytes are
// left for the caller. ErrIncomplete means buf is shorter than the
// 8-byte magic and length header (its magic is not checked yet), or
// holds a valid magic but not yet the full announced length.
func DecodeMessage(buf []byte) (Message, int, error) {
	if len(buf) < 8 {
		return Message{}, 0, ErrIncomplete
	}
	if !bytes.Equal(buf[:4], Magic[:]) {
		return Message{}, 0, fmt.Errorf("dgp: missing magic header")
	}
	length := binary.BigEndian.Uint32(buf[4:8])
	total := 8 + int(length)
	if len(buf) < total {
		return Message{}, 0, ErrIncomplete
	}

	body := buf[8:total]
	m := Message{}
	sawType, sawSession, sawMessageID := false, false, false

	for pos := 0; pos < len(body); {
		t, value, consumed, err := readTLV(body[pos:])
		if err != nil {
			return Message{}, 0, err
		}
		pos += consumed

		switch t {
		case tlvMessageType:
			if len(value) != 1 {
				return Message{}, 0, fmt.Errorf("dgp: bad MessageType TLV length %d", len(value))
			}
			m.Type = MessageType(value[0])
			sawType = true
		case tlvSessionID:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.SessionID = v
			sawSession = true
		case tlvMessageID:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.MessageID = v
			sawMessageID = true
		case tlvChunkIndex:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.ChunkIndex = u32(v)
		case tlvTotalChunks:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.TotalChunks = u32(v)
		case tlvPayload:
			m.Payload = append([]byte(nil), value...)
		case tlvPayloadCRC32:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.PayloadCRC32 = u32(v)
		case tlvSackBitmap:
			m.SackBitmap = append([]byte(nil), value...)
		case tlvMetadata:
			fm, err := decodeFileMeta(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.Metadata = fm
		case tlvCapabilities:
			caps, err := decodeCapabilities(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.Capabilities = caps
		case tlvCompression:
			if len(value) != 1 {
				return Message{}, 0, fmt.Errorf("dgp: bad Compression TLV length %d", len(value))
			}
			alg := CompressionAlgorithm(value[0])
			m.Compression = &alg
		case tlvOriginalLength:
			v, err := readU32(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.OriginalLength = u32(v)
		case tlvPayloadCompressed:
			if len(value) != 1 {
				return Message{}, 0, fmt.Errorf("dgp: bad PayloadCompressed TLV length %d", len(value))
			}
			m.PayloadCompressed = boolp(value[0] != 0)
		case tlvTransferMetrics:
			tm, err := decodeTransferMetrics(value)
			if err != nil {
				return Message{}, 0, err
			}
			m.TransferMetrics = tm
		default:
			m.Unknown = append(m.Unknown, TLV{Type: t, Value: append([]byte(nil), value...)})
		}
	}

	if !sawType || !sawSession || !sawMessageID {
		return Message{}, 0, fmt.Errorf("dgp: message missing a required TLV")
	}

	return m, total, nil
}

func beU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func readU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("dgp: expected 4-byte field, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
