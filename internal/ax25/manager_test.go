package ax25

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func drainFrame(t *testing.T, ch <-chan OutboundFrame, timeout time.Duration) OutboundFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbound frame")
		return OutboundFrame{}
	}
}

func assertNoFrame(t *testing.T, ch <-chan OutboundFrame, wait time.Duration) {
	t.Helper()
	select {
	case f := <-ch:
		t.Fatalf("unexpected outbound frame: %+v", f)
	case <-time.After(wait):
	}
}

func setup(t *testing.T) (m *Manager, out chan OutboundFrame, events chan SessionEvent, local, remote Address) {
	t.Helper()
	out = make(chan OutboundFrame, 32)
	events = make(chan SessionEvent, 32)
	m = NewManager(out, events, testLogger())
	t.Cleanup(m.Close)
	local, _ = ParseAddress("N0AAA-1")
	remote, _ = ParseAddress("N0BBB-2")
	return
}

// TestConnectOneIFrameGracefulDisconnect is spec.md §8 scenario 1.
func TestConnectOneIFrameGracefulDisconnect(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	cfg.InitialRTO = 2 * time.Second
	key := Key{Destination: remote, Channel: 0}

	_, err := m.Connect(key, local, remote, nil, cfg)
	require.NoError(t, err)

	sabm := drainFrame(t, out, time.Second)
	assert.Equal(t, "SABM", sabm.FrameType)
	ctrl, _ := EncodeUControl(USABM, true)
	assert.Equal(t, ctrl, sabm.Control)

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	s, ok := m.Session(key)
	require.True(t, ok)
	assert.Equal(t, StateConnected, s.State())

	require.NoError(t, m.SendData(key, []byte("hi\r"), DefaultPID, ""))
	iFrame := drainFrame(t, out, time.Second)
	assert.Equal(t, "I", iFrame.FrameType)
	assert.Equal(t, 0, iFrame.NS)
	assert.Equal(t, 0, iFrame.NR)
	assert.Equal(t, []byte("hi\r"), iFrame.Payload)

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindS, SSub: SRR, NR: 1, PF: false},
	})
	assert.Equal(t, 0, s.Outstanding())

	require.NoError(t, m.Disconnect(key))
	disc := drainFrame(t, out, time.Second)
	assert.Equal(t, "DISC", disc.FrameType)

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	_, ok = m.Session(key)
	assert.False(t, ok, "session should be removed once disconnected")

	assertNoFrame(t, out, 50*time.Millisecond)
}

// TestT1TimeoutThenLateRRCancelsRetransmit is spec.md §8 scenario 2.
func TestT1TimeoutThenLateRRCancelsRetransmit(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	cfg.InitialRTO = 40 * time.Millisecond
	cfg.RTOMin = 10 * time.Millisecond
	key := Key{Destination: remote, Channel: 0}

	_, err := m.Connect(key, local, remote, nil, cfg)
	require.NoError(t, err)
	drainFrame(t, out, time.Second) // SABM

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	require.NoError(t, m.SendData(key, []byte("hi"), DefaultPID, ""))
	drainFrame(t, out, time.Second) // I(0)

	s, _ := m.Session(key)
	require.Equal(t, 1, s.Outstanding())

	// Wait for T1 to fire and enter the grace window, then deliver RR(1)
	// before the grace window (200ms) elapses.
	time.Sleep(cfg.InitialRTO + 20*time.Millisecond)
	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindS, SSub: SRR, NR: 1, PF: false},
	})

	assert.Equal(t, 0, s.Outstanding())

	// No duplicate I(0) should ever hit the wire.
	assertNoFrame(t, out, GraceWindow+100*time.Millisecond)
}

// TestREJRetransmitsFromNR is spec.md §8 scenario 3.
func TestREJRetransmitsFromNR(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	cfg.WindowSize = 7
	cfg.InitialRTO = 5 * time.Second
	key := Key{Destination: remote, Channel: 0}

	_, err := m.Connect(key, local, remote, nil, cfg)
	require.NoError(t, err)
	drainFrame(t, out, time.Second) // SABM

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SendData(key, []byte{byte(i)}, DefaultPID, ""))
		drainFrame(t, out, time.Second)
	}

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindS, SSub: SREJ, NR: 1, PF: false},
	})

	f1 := drainFrame(t, out, time.Second)
	f2 := drainFrame(t, out, time.Second)
	assert.Equal(t, 1, f1.NS)
	assert.Equal(t, 2, f2.NS)
	assertNoFrame(t, out, 50*time.Millisecond)

	// REJ(N(R)=1) acks frame 0 just like RR would; it must not be stuck
	// in the send buffer forever or re-sent on a later retransmit pass.
	s, _ := m.Session(key)
	assert.Equal(t, 2, s.Outstanding())
	_, stillBuffered := s.sendBuffer[0]
	assert.False(t, stillBuffered, "frame 0 should have been acked and dropped from the send buffer")
}

// TestSendDataSplitsOnPaclen confirms a single SendData call larger than
// Paclen turns into multiple I-frames, none exceeding it, instead of one
// oversized frame.
func TestSendDataSplitsOnPaclen(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	cfg.WindowSize = 7
	cfg.Paclen = 32
	key := Key{Destination: remote, Channel: 0}

	_, err := m.Connect(key, local, remote, nil, cfg)
	require.NoError(t, err)
	drainFrame(t, out, time.Second) // SABM

	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	payload := make([]byte, 70)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, m.SendData(key, payload, DefaultPID, ""))

	f0 := drainFrame(t, out, time.Second)
	f1 := drainFrame(t, out, time.Second)
	f2 := drainFrame(t, out, time.Second)
	assertNoFrame(t, out, 50*time.Millisecond)

	assert.Equal(t, 0, f0.NS)
	assert.Equal(t, 1, f1.NS)
	assert.Equal(t, 2, f2.NS)
	assert.Len(t, f0.Payload, 32)
	assert.Len(t, f1.Payload, 32)
	assert.Len(t, f2.Payload, 6)
	assert.Equal(t, payload, append(append(append([]byte{}, f0.Payload...), f1.Payload...), f2.Payload...))
}

func TestSequenceWrapEmptiesBuffer(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	cfg.WindowSize = 1
	cfg.InitialRTO = 5 * time.Second
	key := Key{Destination: remote, Channel: 0}

	_, err := m.Connect(key, local, remote, nil, cfg)
	require.NoError(t, err)
	drainFrame(t, out, time.Second)
	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	s, _ := m.Session(key)

	for i := 0; i < 8; i++ {
		require.NoError(t, m.SendData(key, []byte{byte(i)}, DefaultPID, ""))
		f := drainFrame(t, out, time.Second)
		assert.Equal(t, i, f.NS)
		m.HandleInboundFrame(0, Frame{
			Destination: local, Source: remote,
			Control: Control{Kind: KindS, SSub: SRR, NR: (i + 1) % 8, PF: false},
		})
	}

	assert.Equal(t, 0, s.Outstanding())
}

func TestPathMismatchUAStillCompletesConnect(t *testing.T) {
	m, out, _, local, remote := setup(t)

	cfg := DefaultConfig()
	wide, _ := ParseAddress("WIDE1-1")
	key := Key{Destination: remote, PathSig: DigiPath{wide}.Signature(), Channel: 0}

	_, err := m.Connect(key, local, remote, DigiPath{wide}, cfg)
	require.NoError(t, err)
	drainFrame(t, out, time.Second)

	// UA arrives with an empty (digipeater-stripped) path, differing from
	// the SABM's path -- must still complete the connect via fallback
	// lookup (spec.md §8 "Path mismatch").
	m.HandleInboundFrame(0, Frame{
		Destination: local, Source: remote,
		Control: Control{Kind: KindU, UFrame: UUA, PF: true},
	})

	s, ok := m.Session(key)
	require.True(t, ok)
	assert.Equal(t, StateConnected, s.State())
}
