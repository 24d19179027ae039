package dgp

import (
	"encoding/binary"
	"fmt"
)

// FileMeta describes a file transfer before any chunk is sent. It is
// carried as the value of a Metadata TLV, encoded as a small fixed
// layout rather than nested TLVs: the field set is closed and doesn't
// need the forward-compatibility that the outer message gets from TLV.
type FileMeta struct {
	Filename     string
	OriginalSize uint64
	SHA256       [32]byte
	ChunkSize    uint32
}

func (f *FileMeta) encode() []byte {
	name := []byte(f.Filename)
	out := make([]byte, 0, 2+len(name)+8+32+4)

	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	out = append(out, nameLen[:]...)
	out = append(out, name...)

	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], f.OriginalSize)
	out = append(out, sizeBuf[:]...)

	out = append(out, f.SHA256[:]...)

	var chunkBuf [4]byte
	binary.BigEndian.PutUint32(chunkBuf[:], f.ChunkSize)
	out = append(out, chunkBuf[:]...)

	return out
}

func decodeFileMeta(b []byte) (*FileMeta, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("dgp: truncated FileMeta")
	}
	nameLen := int(binary.BigEndian.Uint16(b[0:2]))
	pos := 2 + nameLen
	if len(b) < pos+8+32+4 {
		return nil, fmt.Errorf("dgp: truncated FileMeta")
	}

	fm := &FileMeta{Filename: string(b[2:pos])}
	fm.OriginalSize = binary.BigEndian.Uint64(b[pos : pos+8])
	pos += 8
	copy(fm.SHA256[:], b[pos:pos+32])
	pos += 32
	fm.ChunkSize = binary.BigEndian.Uint32(b[pos : pos+4])

	return fm, nil
}

// Capabilities advertises protocol version and optional feature
// support during the §4.6 PING/PONG exchange.
type Capabilities struct {
	MaxVersion uint8
	Features   uint32
}

// Feature bits for Capabilities.Features.
const (
	FeatureCompression uint32 = 1 << iota
	FeatureSack
	FeatureChat
)

func (c *Capabilities) encode() []byte {
	out := make([]byte, 5)
	out[0] = c.MaxVersion
	binary.BigEndian.PutUint32(out[1:5], c.Features)
	return out
}

func decodeCapabilities(b []byte) (*Capabilities, error) {
	if len(b) != 5 {
		return nil, fmt.Errorf("dgp: bad Capabilities length %d", len(b))
	}
	return &Capabilities{
		MaxVersion: b[0],
		Features:   binary.BigEndian.Uint32(b[1:5]),
	}, nil
}

// TransferMetrics rides an optional TLV on the completion ACK, purely
// informational for the UI.
type TransferMetrics struct {
	DurationMillis   uint64
	BytesTransferred uint64
	Retransmits      uint32
}

func (m *TransferMetrics) encode() []byte {
	out := make([]byte, 20)
	binary.BigEndian.PutUint64(out[0:8], m.DurationMillis)
	binary.BigEndian.PutUint64(out[8:16], m.BytesTransferred)
	binary.BigEndian.PutUint32(out[16:20], m.Retransmits)
	return out
}

func decodeTransferMetrics(b []byte) (*TransferMetrics, error) {
	if len(b) != 20 {
		return nil, fmt.Errorf("dgp: bad TransferMetrics length %d", len(b))
	}
	return &TransferMetrics{
		DurationMillis:   binary.BigEndian.Uint64(b[0:8]),
		BytesTransferred: binary.BigEndian.Uint64(b[8:16]),
		Retransmits:      binary.BigEndian.Uint32(b[16:20]),
	}, nil
}
