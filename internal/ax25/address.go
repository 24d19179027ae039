// Package ax25 implements the AX.25 link-layer frame codec and the
// connected-mode session state machine used by the core transmission
// engine.
package ax25

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxDigis is the maximum number of digipeater addresses a path may carry.
const MaxDigis = 8

// addressFieldLen is the size of one shifted AX.25 address on the air:
// 6 call characters left-shifted by one bit, space-padded, followed by an
// SSID octet. The end-of-address bit is set by the encoder on the final
// address of a header, not stored in Address.
const addressFieldLen = 7

// Address is a station callsign plus SSID, e.g. "N0BBB-2".
//
// Equality is case-insensitive on the call; SSID is numeric. The zero
// value is not a valid address (call must be 3-6 characters).
type Address struct {
	Call string
	SSID int
}

// ParseAddress parses "CALL" or "CALL-N" into an Address. The call must be
// 3-6 uppercase alphanumerics (case is folded to upper) and SSID must be
// in [0,15].
func ParseAddress(s string) (Address, error) {
	call := s
	ssid := 0

	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		call = s[:idx]
		n, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return Address{}, fmt.Errorf("ax25: bad SSID in %q: %w", s, err)
		}
		ssid = n
	}

	call = strings.ToUpper(call)

	if len(call) < 3 || len(call) > 6 {
		return Address{}, fmt.Errorf("ax25: callsign %q must be 3-6 characters", call)
	}
	for _, r := range call {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return Address{}, fmt.Errorf("ax25: callsign %q has non-alphanumeric character %q", call, r)
		}
	}
	if ssid < 0 || ssid > 15 {
		return Address{}, fmt.Errorf("ax25: SSID %d out of range 0-15", ssid)
	}

	return Address{Call: call, SSID: ssid}, nil
}

// Equal compares two addresses case-insensitively on the call.
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(a.Call, b.Call) && a.SSID == b.SSID
}

// SameCall reports whether two addresses share a callsign, ignoring SSID.
func (a Address) SameCall(b Address) bool {
	return strings.EqualFold(a.Call, b.Call)
}

// String returns the canonical display form: "CALL" when SSID is 0,
// otherwise "CALL-N".
func (a Address) String() string {
	if a.SSID == 0 {
		return a.Call
	}
	return fmt.Sprintf("%s-%d", a.Call, a.SSID)
}

// encode writes the 7-byte shifted-address representation of a into dst,
// which must have len(dst) >= 7. last marks this as the final address in
// the header, setting the end-of-address bit.
func (a Address) encode(dst []byte, last bool, commandBit, reservedBits byte) {
	call := a.Call
	for i := 0; i < 6; i++ {
		var c byte = ' '
		if i < len(call) {
			c = call[i]
		}
		dst[i] = c << 1
	}

	b := byte(0x60) | (byte(a.SSID) << 1) | (reservedBits &^ 0x60)
	if commandBit != 0 {
		b |= 0x80
	}
	if last {
		b |= 0x01
	}
	dst[6] = b
}

// decodeAddress reads a 7-byte shifted address field, returning the
// address, whether the command/high bit was set, and whether this was
// marked as the last address in the header.
func decodeAddress(src []byte) (addr Address, commandBit bool, last bool, err error) {
	if len(src) < addressFieldLen {
		return Address{}, false, false, fmt.Errorf("ax25: short address field (%d bytes)", len(src))
	}

	var call [6]byte
	for i := 0; i < 6; i++ {
		call[i] = src[i] >> 1
	}
	callStr := strings.TrimRight(string(call[:]), " ")

	ssidByte := src[6]
	ssid := int((ssidByte >> 1) & 0x0F)
	commandBit = ssidByte&0x80 != 0
	last = ssidByte&0x01 != 0

	return Address{Call: callStr, SSID: ssid}, commandBit, last, nil
}

// DigiPath is an ordered sequence of digipeater addresses, at most
// MaxDigis long.
type DigiPath []Address

// Signature returns the comma-joined display form of the path, used as
// part of a SessionKey. An empty path's signature is the empty string
// ("direct").
func (p DigiPath) Signature() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, a := range p {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
