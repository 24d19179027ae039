// Package capability implements the §4.6 text-probe / binary PING-PONG
// handshake that decides whether a peer speaks DGP, without ever
// sending binary frames to a legacy line-oriented node.
package capability

import (
	"sync"
	"time"

	"github.com/minorsecond/axterm/internal/dgp"
)

// NotSupportedTTL and ProbeTimeout are the durations spec.md §4.6
// names: a peer that never answers a probe is parked for a day, and a
// probe itself is abandoned after 15 minutes.
const (
	NotSupportedTTL = 24 * time.Hour
	ProbeTimeout    = 900 * time.Second
	ProbeFallback   = 3 * time.Second
)

// cache tracks, per peer key, whether DGP is confirmed supported and
// whether a prior probe went unanswered long enough to park the peer.
type cache struct {
	mu sync.Mutex

	confirmed    map[string]dgp.Capabilities
	notSupported map[string]time.Time // peer -> expiry
}

func newCache() *cache {
	return &cache{
		confirmed:    make(map[string]dgp.Capabilities),
		notSupported: make(map[string]time.Time),
	}
}

func (c *cache) isNotSupported(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.notSupported[peer]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.notSupported, peer)
		return false
	}
	return true
}

func (c *cache) markNotSupported(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notSupported[peer] = time.Now().Add(NotSupportedTTL)
}

// clearNotSupported implements manual discovery: the operator asked to
// retry a peer regardless of the parked state.
func (c *cache) clearNotSupported(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.notSupported, peer)
}

func (c *cache) confirm(peer string, caps dgp.Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed[peer] = caps
	delete(c.notSupported, peer)
}

func (c *cache) isConfirmed(peer string) (dgp.Capabilities, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps, ok := c.confirmed[peer]
	return caps, ok
}

// clearConfirmed drops a peer's confirmed state on session disconnect;
// spec.md §4.6 has peers always re-probed on reconnect.
func (c *cache) clearConfirmed(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.confirmed, peer)
}
