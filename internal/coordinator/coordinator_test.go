package coordinator

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/minorsecond/axterm/internal/adaptive"
	"github.com/minorsecond/axterm/internal/ax25"
	"github.com/minorsecond/axterm/internal/dgp"
	"github.com/minorsecond/axterm/internal/kiss"
	"github.com/minorsecond/axterm/internal/transfer"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

// pipeTransport delivers every frame sent on one coordinator straight
// into its peer's HandleKISSFrame, standing in for a real KISS serial
// link between two stations.
type pipeTransport struct {
	peer *Coordinator
}

func (p *pipeTransport) Send(framed []byte) error {
	inner := framed[1 : len(framed)-1] // strip the delimiting FENDs
	port, cmd, payload, err := kiss.Decode(inner)
	if err != nil {
		return err
	}
	p.peer.HandleKISSFrame(port, cmd, payload)
	return nil
}

func newLinkedPair(t *testing.T) (a, b *Coordinator) {
	t.Helper()

	callA, _ := ax25.ParseAddress("KC1ABC")
	callB, _ := ax25.ParseAddress("KC1XYZ")

	a = New(Config{Local: callA, Channel: 0, SaveDir: t.TempDir(), ChunkSize: 32}, testLogger())
	b = New(Config{Local: callB, Channel: 0, SaveDir: t.TempDir(), ChunkSize: 32}, testLogger())

	a.SetTransport(&pipeTransport{peer: b})
	b.SetTransport(&pipeTransport{peer: a})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Run(ctx)
	b.Run(ctx)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)

	return a, b
}

func waitForState(t *testing.T, mgr *ax25.Manager, key ax25.Key, want ax25.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := mgr.Session(key); ok && s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %v did not reach state %v in time", key, want)
}

func TestCoordinatorConnectHandshakeCompletes(t *testing.T) {
	a, b := newLinkedPair(t)

	callB, _ := ax25.ParseAddress("KC1XYZ")
	keyA, err := a.Connect(callB, nil)
	require.NoError(t, err)

	waitForState(t, a.mgr, keyA, ax25.StateConnected)
}

func TestCoordinatorCapabilityNegotiationConfirms(t *testing.T) {
	a, b := newLinkedPair(t)
	_ = b

	callB, _ := ax25.ParseAddress("KC1XYZ")
	_, err := a.Connect(callB, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.negotiator.IsConfirmed("KC1XYZ"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("capability negotiation never confirmed")
}

func TestCoordinatorFileTransferRoundTrip(t *testing.T) {
	a, b := newLinkedPair(t)

	callA, _ := ax25.ParseAddress("KC1ABC")
	callB, _ := ax25.ParseAddress("KC1XYZ")

	keyA, err := a.Connect(callB, nil)
	require.NoError(t, err)
	waitForState(t, a.mgr, keyA, ax25.StateConnected)

	content := make([]byte, 500)
	for i := range content {
		content[i] = byte(i % 251)
	}

	out, err := a.SendFile(keyA, "blob.bin", content)
	require.NoError(t, err)

	done := make(chan transfer.OutboundState, 1)
	out.OnDone(func(s transfer.OutboundState) { done <- s })

	select {
	case state := <-done:
		require.Equal(t, transfer.OutboundCompleted, state)
	case <-time.After(5 * time.Second):
		t.Fatal("file transfer did not complete")
	}

	// The receiving side stored its inbound transfer keyed by B's view
	// of the session (destination == A).
	keyB := ax25.Key{Destination: callA, PathSig: "", Channel: 0}
	b.mu.Lock()
	in := b.inXfers[peerKey(keyB)]
	b.mu.Unlock()
	require.NotNil(t, in)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && in.State() != transfer.InboundCompleted {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, transfer.InboundCompleted, in.State())

	gotData, err := os.ReadFile(in.SavedPath())
	require.NoError(t, err)
	require.Equal(t, content, gotData)
}

func TestCoordinatorChatMessageDelivered(t *testing.T) {
	a, b := newLinkedPair(t)
	_ = b

	callB, _ := ax25.ParseAddress("KC1XYZ")

	keyA, err := a.Connect(callB, nil)
	require.NoError(t, err)
	waitForState(t, a.mgr, keyA, ax25.StateConnected)

	require.NoError(t, a.SendChat(keyA, "hello from A"))

	// No assertion beyond "did not panic/deadlock"; chat delivery has
	// no observable side effect outside logging in this build.
	time.Sleep(100 * time.Millisecond)
}

func TestPeerKeyAndRouteKeyDeriveFromAX25Key(t *testing.T) {
	dest, _ := ax25.ParseAddress("W1AW-5")
	key := ax25.Key{Destination: dest, PathSig: "DIGI1", Channel: 2}

	require.Equal(t, "W1AW-5|DIGI1|2", peerKey(key))

	rk := routeKey(key)
	require.Equal(t, "W1AW-5", rk.Destination)
	require.Equal(t, "DIGI1", rk.PathSig)
}

func TestSessionConfigMergesAcrossConcurrentSessionsToSameDestination(t *testing.T) {
	local, _ := ax25.ParseAddress("KC1ABC")
	dest, _ := ax25.ParseAddress("W1AW")
	digi, _ := ax25.ParseAddress("WIDE1-1")

	c := New(Config{Local: local, Channel: 0, SaveDir: t.TempDir()}, testLogger())

	pathA := ax25.DigiPath(nil)
	pathB := ax25.DigiPath{digi}
	keyA := ax25.Key{Destination: dest, PathSig: pathA.Signature(), Channel: 0}
	keyB := ax25.Key{Destination: dest, PathSig: pathB.Signature(), Channel: 0}

	// Route A is healthy: its window/paclen grow above baseline.
	c.routes.Record(routeKey(keyA), adaptive.Sample{FramesSent: 10, Retransmissions: 0})
	// Route B is lossy: its window/paclen drop below baseline.
	c.routes.Record(routeKey(keyB), adaptive.Sample{FramesSent: 10, Retransmissions: 5})

	_, err := c.mgr.Connect(keyA, local, dest, pathA, ax25.DefaultConfig())
	require.NoError(t, err)
	_, err = c.mgr.Connect(keyB, local, dest, pathB, ax25.DefaultConfig())
	require.NoError(t, err)

	// A third, not-yet-open session to the same destination should pick
	// up the conservative merge across A and B, not just its own
	// (nonexistent) route history.
	digi2, _ := ax25.ParseAddress("WIDE2-2")
	pathC := ax25.DigiPath{digi2}
	keyC := ax25.Key{Destination: dest, PathSig: pathC.Signature(), Channel: 0}

	cfg := c.sessionConfig(keyC)
	require.Equal(t, 1, cfg.WindowSize, "window should be the min across A, B, and baseline")
	require.Equal(t, 64, cfg.Paclen, "paclen should be the min across A, B, and baseline")
}

func TestRequiresDedupeDistinguishesControlFromData(t *testing.T) {
	require.True(t, requiresDedupe(dgp.MessageChat))
	require.True(t, requiresDedupe(dgp.MessageFileChunk))
	require.False(t, requiresDedupe(dgp.MessageFileMeta))
	require.False(t, requiresDedupe(dgp.MessageAck))
	require.False(t, requiresDedupe(dgp.MessageNack))
}
