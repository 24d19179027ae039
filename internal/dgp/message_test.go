package dgp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripChat(t *testing.T) {
	msg := Message{
		Type:      MessageChat,
		SessionID: 42,
		MessageID: 7,
		Payload:   []byte("hello there"),
	}
	crc := ComputeCRC32(msg.Payload)
	msg.PayloadCRC32 = &crc

	encoded := EncodeMessage(msg)
	decoded, consumed, err := DecodeMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.SessionID, decoded.SessionID)
	require.Equal(t, msg.MessageID, decoded.MessageID)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.Equal(t, *msg.PayloadCRC32, *decoded.PayloadCRC32)
}

func TestDecodeMessagePreservesUnknownTLV(t *testing.T) {
	msg := Message{Type: MessagePing, SessionID: 1, MessageID: 2}
	encoded := EncodeMessage(msg)

	// Append an unknown TLV by hand-editing the length prefix and
	// appending a fresh TLV after the known ones.
	extra := []byte{200, 0, 3, 'a', 'b', 'c'}
	patched := append([]byte(nil), encoded...)
	newLen := uint32(len(patched)-8) + uint32(len(extra))
	patched[4] = byte(newLen >> 24)
	patched[5] = byte(newLen >> 16)
	patched[6] = byte(newLen >> 8)
	patched[7] = byte(newLen)
	patched = append(patched, extra...)

	decoded, consumed, err := DecodeMessage(patched)
	require.NoError(t, err)
	require.Equal(t, len(patched), consumed)
	require.Len(t, decoded.Unknown, 1)
	require.Equal(t, uint8(200), decoded.Unknown[0].Type)
	require.Equal(t, []byte("abc"), decoded.Unknown[0].Value)
}

func TestDecodeMessageIncompleteWaitsForMoreBytes(t *testing.T) {
	msg := Message{Type: MessageAck, SessionID: 1, MessageID: 2}
	encoded := EncodeMessage(msg)

	_, _, err := DecodeMessage(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodeMessageRejectsMissingMagic(t *testing.T) {
	_, _, err := DecodeMessage([]byte("not a dgp message at all"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrIncomplete)
}

func TestFileMetaAndCapabilitiesRoundTrip(t *testing.T) {
	fm := &FileMeta{Filename: "report.pdf", OriginalSize: 123456, ChunkSize: 512}
	fm.SHA256[0] = 0xAB

	caps := &Capabilities{MaxVersion: 1, Features: FeatureCompression | FeatureSack}

	msg := Message{
		Type:         MessageFileMeta,
		SessionID:    9,
		MessageID:    1,
		Metadata:     fm,
		Capabilities: caps,
	}

	decoded, _, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	require.Equal(t, fm.Filename, decoded.Metadata.Filename)
	require.Equal(t, fm.OriginalSize, decoded.Metadata.OriginalSize)
	require.Equal(t, fm.SHA256, decoded.Metadata.SHA256)
	require.Equal(t, fm.ChunkSize, decoded.Metadata.ChunkSize)
	require.Equal(t, caps.MaxVersion, decoded.Capabilities.MaxVersion)
	require.Equal(t, caps.Features, decoded.Capabilities.Features)
}

func TestSackBitmapRoundTrip(t *testing.T) {
	received := map[uint32]bool{0: true, 1: true, 3: true, 9: true}
	bitmap := EncodeSackBitmap(received, 0, 10)
	decoded := DecodeSackBitmap(bitmap, 10)

	for i := uint32(0); i < 10; i++ {
		require.Equal(t, received[i], decoded[i], "index %d", i)
	}
}
