// Package kiss implements the KISS host<->TNC framing protocol (§4.1,
// §6) and the serial transport that carries it.
package kiss

import (
	"bytes"
	"fmt"
)

// Special framing bytes, per spec.md §6 and the teacher's kiss_frame.go.
const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD
)

// Command nibble values (low 4 bits of the first frame byte).
type Command byte

const (
	CmdDataFrame   Command = 0
	CmdTXDelay     Command = 1
	CmdPersistence Command = 2
	CmdSlotTime    Command = 3
	CmdTXTail      Command = 4
	CmdFullDuplex  Command = 5
	CmdSetHardware Command = 6
	CmdReturn      Command = 15
	CmdReset       Command = 0xFF
)

// MaxFrameLen bounds a single KISS frame's unescaped content, generous
// enough for the largest AX.25 frame this engine produces.
const MaxFrameLen = 2048

// Encode wraps payload as a complete KISS frame: FEND, port<<4|cmd byte,
// escaped content, FEND.
func Encode(port byte, cmd Command, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(FEND)

	escapeInto(&buf, (port<<4)|byte(cmd))
	for _, b := range payload {
		escapeInto(&buf, b)
	}

	buf.WriteByte(FEND)
	return buf.Bytes()
}

func escapeInto(buf *bytes.Buffer, b byte) {
	switch b {
	case FEND:
		buf.WriteByte(FESC)
		buf.WriteByte(TFEND)
	case FESC:
		buf.WriteByte(FESC)
		buf.WriteByte(TFESC)
	default:
		buf.WriteByte(b)
	}
}

// Decode unescapes the content of a single KISS frame (without its
// delimiting FENDs) into port, command, and payload. It rejects frames
// that still contain an un-escaped FEND in the middle, which indicates a
// framing error upstream.
func Decode(framed []byte) (port byte, cmd Command, payload []byte, err error) {
	if len(framed) == 0 {
		return 0, 0, nil, fmt.Errorf("kiss: empty frame")
	}

	out := make([]byte, 0, len(framed))
	escaped := false
	for i, b := range framed {
		if escaped {
			switch b {
			case TFEND:
				out = append(out, FEND)
			case TFESC:
				out = append(out, FESC)
			default:
				return 0, 0, nil, fmt.Errorf("kiss: invalid escape sequence at byte %d", i)
			}
			escaped = false
			continue
		}
		switch b {
		case FESC:
			escaped = true
		case FEND:
			return 0, 0, nil, fmt.Errorf("kiss: unescaped FEND within frame at byte %d", i)
		default:
			out = append(out, b)
		}
	}
	if escaped {
		return 0, 0, nil, fmt.Errorf("kiss: frame ends mid-escape")
	}
	if len(out) == 0 {
		return 0, 0, nil, fmt.Errorf("kiss: empty frame after unescaping")
	}

	first := out[0]
	return first >> 4, Command(first & 0x0F), out[1:], nil
}

// Deframer incrementally splits a byte stream delivered from the TNC into
// complete KISS frames, tolerating data split across arbitrary read
// boundaries.
type Deframer struct {
	buf       []byte
	inFrame   bool
	collected []byte
}

// Feed appends newly-read bytes and returns zero or more complete,
// still-escaped frame bodies (the bytes between a pair of FENDs,
// exclusive). Decode each with Decode.
func (d *Deframer) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if b == FEND {
			if d.inFrame && len(d.collected) > 0 {
				frames = append(frames, d.collected)
			}
			d.collected = nil
			d.inFrame = true
			continue
		}
		if !d.inFrame {
			// Stray byte before the first FEND: ignore (matches KISS's
			// "leading FEND is optional" tolerance on the decode side,
			// while being conservative about pre-sync noise).
			continue
		}
		d.collected = append(d.collected, b)
		if len(d.collected) > MaxFrameLen {
			d.inFrame = false
			d.collected = nil
		}
	}
	return frames
}
