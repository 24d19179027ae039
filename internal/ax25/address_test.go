package ax25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressNoSSID(t *testing.T) {
	a, err := ParseAddress("n0aaa")
	require.NoError(t, err)
	assert.Equal(t, "N0AAA", a.Call)
	assert.Equal(t, 0, a.SSID)
	assert.Equal(t, "N0AAA", a.String())
}

func TestParseAddressWithSSID(t *testing.T) {
	a, err := ParseAddress("N0BBB-2")
	require.NoError(t, err)
	assert.Equal(t, 2, a.SSID)
	assert.Equal(t, "N0BBB-2", a.String())
}

func TestParseAddressRejectsBadSSID(t *testing.T) {
	_, err := ParseAddress("N0BBB-16")
	assert.Error(t, err)
}

func TestParseAddressRejectsShortCall(t *testing.T) {
	_, err := ParseAddress("AB")
	assert.Error(t, err)
}

func TestAddressEqualIsCaseInsensitive(t *testing.T) {
	a, _ := ParseAddress("n0aaa-1")
	b, _ := ParseAddress("N0AAA-1")
	assert.True(t, a.Equal(b))
}

func TestDigiPathSignature(t *testing.T) {
	var p DigiPath
	assert.Equal(t, "", p.Signature())

	a1, _ := ParseAddress("WIDE1-1")
	a2, _ := ParseAddress("WIDE2-2")
	p = DigiPath{a1, a2}
	assert.Equal(t, "WIDE1-1,WIDE2-2", p.Signature())
}

func TestAddressEncodeDecodeRoundTrip(t *testing.T) {
	a, _ := ParseAddress("N0BBB-2")
	buf := make([]byte, 7)
	a.encode(buf, true, 1, 0x60)

	decoded, cmd, last, err := decodeAddress(buf)
	require.NoError(t, err)
	assert.True(t, a.Equal(decoded))
	assert.True(t, cmd)
	assert.True(t, last)
}
