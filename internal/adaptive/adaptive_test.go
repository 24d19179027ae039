package adaptive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdjustHighLossDropsToMinimum(t *testing.T) {
	base := Baseline()
	adj := Adjust(base, Sample{FramesSent: 10, Retransmissions: 3})
	require.Equal(t, 64, adj.Params.Paclen)
	require.Equal(t, 1, adj.Params.Window)
	require.NotEmpty(t, adj.Reason)
}

func TestAdjustModerateLossCapsParams(t *testing.T) {
	base := Params{Paclen: 256, Window: 4}
	adj := Adjust(base, Sample{FramesSent: 100, Retransmissions: 15})
	require.Equal(t, 128, adj.Params.Paclen)
	require.Equal(t, 2, adj.Params.Window)
}

func TestAdjustStableGrowsParams(t *testing.T) {
	base := Params{Paclen: 128, Window: 2}
	adj := Adjust(base, Sample{FramesSent: 100, Retransmissions: 2})
	require.Equal(t, 192, adj.Params.Paclen)
	require.Equal(t, 3, adj.Params.Window)
}

func TestCacheGetMissingReturnsBaseline(t *testing.T) {
	c := NewCache(time.Minute)
	p, ok := c.Get(RouteKey{Destination: "KC1ABC", PathSig: ""})
	require.False(t, ok)
	require.Equal(t, Baseline(), p)
}

func TestCacheRecordThenGet(t *testing.T) {
	c := NewCache(time.Minute)
	key := RouteKey{Destination: "KC1ABC", PathSig: ""}

	reason := c.Record(key, Sample{FramesSent: 10, Retransmissions: 3})
	require.NotEmpty(t, reason)

	p, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, 64, p.Paclen)
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(time.Millisecond)
	key := RouteKey{Destination: "KC1ABC", PathSig: ""}
	c.Record(key, Sample{FramesSent: 10, Retransmissions: 3})

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestMergeTakesConservativeAcrossRoutes(t *testing.T) {
	c := NewCache(time.Minute)
	a := RouteKey{Destination: "KC1ABC", PathSig: ""}
	b := RouteKey{Destination: "KC1ABC", PathSig: "W1AW"}

	c.Record(a, Sample{FramesSent: 100, Retransmissions: 2}) // stable, grows
	c.Record(b, Sample{FramesSent: 10, Retransmissions: 3})  // high loss, shrinks

	merged := c.Merge([]RouteKey{a, b})
	require.Equal(t, 64, merged.Paclen)
	require.Equal(t, 1, merged.Window)
}
