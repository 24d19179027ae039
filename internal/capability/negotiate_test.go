package capability

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/minorsecond/axterm/internal/dgp"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

type fakeUI struct {
	mu   sync.Mutex
	sent []struct {
		peer    string
		payload []byte
	}
}

func (f *fakeUI) send(peer string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		peer    string
		payload []byte
	}{peer, append([]byte(nil), payload...)})
	return nil
}

func (f *fakeUI) last() (string, []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return "", nil
	}
	s := f.sent[len(f.sent)-1]
	return s.peer, s.payload
}

func (f *fakeUI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestOnFirstInboundIFrameSendsProbeImmediately(t *testing.T) {
	ui := &fakeUI{}
	n := NewNegotiator(dgp.Capabilities{MaxVersion: 1}, ui.send, testLogger())

	n.OnSessionConnected("KC1ABC-1", true)
	n.OnFirstInboundIFrame("KC1ABC-1")

	require.Eventually(t, func() bool { return ui.count() == 1 }, time.Second, 5*time.Millisecond)
	peer, payload := ui.last()
	require.Equal(t, "KC1ABC-1", peer)
	require.Equal(t, Probe, payload)
}

func TestTextProbeReceivedRespondsWithPong(t *testing.T) {
	ui := &fakeUI{}
	n := NewNegotiator(dgp.Capabilities{MaxVersion: 1, Features: dgp.FeatureSack}, ui.send, testLogger())

	n.OnUIFrameReceived("KC1ABC-1", Probe)

	require.Equal(t, 1, ui.count())
	_, payload := ui.last()
	msg, _, err := dgp.DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, dgp.MessagePong, msg.Type)
	require.NotNil(t, msg.Capabilities)
	require.Equal(t, uint8(1), msg.Capabilities.MaxVersion)
}

func TestPongReceivedConfirmsAndSendsPing(t *testing.T) {
	ui := &fakeUI{}
	n := NewNegotiator(dgp.Capabilities{MaxVersion: 1}, ui.send, testLogger())

	pong := dgp.EncodeMessage(dgp.Message{
		Type:         dgp.MessagePong,
		Capabilities: &dgp.Capabilities{MaxVersion: 1, Features: dgp.FeatureChat},
	})
	n.OnUIFrameReceived("KC1ABC-1", pong)

	caps, confirmed := n.IsConfirmed("KC1ABC-1")
	require.True(t, confirmed)
	require.Equal(t, dgp.FeatureChat, caps.Features)

	require.Equal(t, 1, ui.count())
	_, payload := ui.last()
	msg, _, err := dgp.DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, dgp.MessagePing, msg.Type)
}

func TestSessionDisconnectClearsConfirmedState(t *testing.T) {
	ui := &fakeUI{}
	n := NewNegotiator(dgp.Capabilities{}, ui.send, testLogger())

	n.OnUIFrameReceived("KC1ABC-1", dgp.EncodeMessage(dgp.Message{Type: dgp.MessagePing}))
	_, confirmed := n.IsConfirmed("KC1ABC-1")
	require.True(t, confirmed)

	n.OnSessionDisconnected("KC1ABC-1")
	_, confirmed = n.IsConfirmed("KC1ABC-1")
	require.False(t, confirmed)
}

func TestManualDiscoverClearsNotSupported(t *testing.T) {
	ui := &fakeUI{}
	n := NewNegotiator(dgp.Capabilities{}, ui.send, testLogger())

	n.cache.markNotSupported("KC1ABC-1")
	require.True(t, n.cache.isNotSupported("KC1ABC-1"))

	n.ManualDiscover("KC1ABC-1")
	require.False(t, n.cache.isNotSupported("KC1ABC-1"))
}
