package dgp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDedupeSeenMarksAndReports(t *testing.T) {
	d := NewDedupe(10)
	require.False(t, d.Seen(1, 100))
	require.True(t, d.Seen(1, 100))
	require.False(t, d.Seen(1, 101))
}

func TestDedupeEvictsLeastRecentlyUsed(t *testing.T) {
	d := NewDedupe(2)
	require.False(t, d.Seen(1, 1))
	require.False(t, d.Seen(1, 2))
	require.False(t, d.Seen(1, 3)) // evicts (1,1)

	require.False(t, d.Seen(1, 1)) // forgotten, reports unseen again
	require.True(t, d.Seen(1, 3))  // still remembered
}
