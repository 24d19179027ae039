package coordinator

import (
	"fmt"

	"github.com/minorsecond/axterm/internal/adaptive"
	"github.com/minorsecond/axterm/internal/ax25"
	"github.com/minorsecond/axterm/internal/dgp"
	"github.com/minorsecond/axterm/internal/transfer"
)

// peerKey identifies one session's reassembly/transfer state, scoped
// to destination, digipeater path, and channel the way ax25.Key itself
// is.
func peerKey(key ax25.Key) string {
	return fmt.Sprintf("%s|%s|%d", key.Destination.String(), key.PathSig, key.Channel)
}

// routeKey narrows an ax25.Key down to what adaptive tuning cares
// about: the destination and path, independent of channel.
func routeKey(key ax25.Key) adaptive.RouteKey {
	return adaptive.RouteKey{Destination: key.Destination.String(), PathSig: key.PathSig}
}

// sessionConfig builds an ax25.Config for a new connection to key,
// starting from the engine defaults and applying whatever adaptive has
// learned about this route. When one or more other sessions are
// already open to the same destination (over any path), it derives the
// spec.md §4.8 merged conservative config across all of them instead of
// just this one route's learned params: min(window), min(paclen),
// max(rto), max(retries).
func (c *Coordinator) sessionConfig(key ax25.Key) ax25.Config {
	cfg := ax25.DefaultConfig()

	var concurrent []adaptive.RouteKey
	for _, other := range c.mgr.SessionKeysByDestination(key.Destination) {
		if other != key {
			concurrent = append(concurrent, routeKey(other))
		}
	}

	var params adaptive.Params
	if len(concurrent) == 0 {
		var ok bool
		params, ok = c.routes.Get(routeKey(key))
		if !ok {
			return cfg
		}
	} else {
		params = c.routes.Merge(append([]adaptive.RouteKey{routeKey(key)}, concurrent...))
	}

	cfg.WindowSize = params.Window
	cfg.Paclen = params.Paclen
	cfg.RTOMin = params.RTOMin
	cfg.RTOMax = params.RTOMax
	cfg.MaxRetries = params.Retries
	cfg.InitialRTO = params.RTOMin
	return cfg
}

func (c *Coordinator) handleInboundFileMeta(pk string, key ax25.Key, msg dgp.Message) {
	in := transfer.NewInboundTransfer(msg.SessionID, c.cfg.SaveDir, c.sendFuncFor(key), c.log)

	c.mu.Lock()
	c.inXfers[pk] = in
	accept := c.accept
	c.mu.Unlock()

	peer := key.Destination.String()
	if err := in.HandleFileMeta(msg, func(meta dgp.FileMeta) bool { return accept(peer, meta) }); err != nil {
		c.log.Warn("file offer handling failed", "peer", peer, "err", err)
	}
}
