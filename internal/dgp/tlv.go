package dgp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// writeTLV appends one type(u8)/length(u16 BE)/value TLV to buf.
func writeTLV(buf *bytes.Buffer, t uint8, value []byte) {
	buf.WriteByte(t)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
	buf.Write(lenBuf[:])
	buf.Write(value)
}

// readTLV parses one TLV from the front of b, returning its type,
// value, and the number of bytes consumed.
func readTLV(b []byte) (t uint8, value []byte, consumed int, err error) {
	if len(b) < 3 {
		return 0, nil, 0, fmt.Errorf("dgp: truncated TLV header")
	}
	t = b[0]
	length := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < 3+length {
		return 0, nil, 0, fmt.Errorf("dgp: TLV value truncated (type %d, want %d bytes)", t, length)
	}
	return t, b[3 : 3+length], 3 + length, nil
}
