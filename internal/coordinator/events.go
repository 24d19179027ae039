package coordinator

import (
	"context"

	"github.com/minorsecond/axterm/internal/adaptive"
	"github.com/minorsecond/axterm/internal/ax25"
	"github.com/minorsecond/axterm/internal/dgp"
)

func (c *Coordinator) runOutboundLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.outbound:
			raw, err := ax25.Encode(f)
			if err != nil {
				c.log.Warn("frame encode failed", "type", f.FrameType, "err", err)
				continue
			}
			if err := c.sendRaw(raw); err != nil {
				c.log.Warn("frame send failed", "type", f.FrameType, "err", err)
			}
		}
	}
}

func (c *Coordinator) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			switch ev.Kind {
			case ax25.EventStateChanged:
				c.onStateChanged(ev)
			case ax25.EventDataDelivered:
				c.onDataDelivered(ev)
			case ax25.EventLinkFailure:
				c.onLinkFailure(ev)
			}
		}
	}
}

func (c *Coordinator) onStateChanged(ev ax25.SessionEvent) {
	peer := ev.Key.Destination.String()

	switch ev.NewState {
	case ax25.StateConnected:
		if s, ok := c.mgr.Session(ev.Key); ok {
			c.negotiator.OnSessionConnected(peer, s.IsInitiator)
		}
	case ax25.StateDisconnected, ax25.StateError:
		c.negotiator.OnSessionDisconnected(peer)
		c.teardownSession(ev.Key)
	}
}

func (c *Coordinator) teardownSession(key ax25.Key) {
	pk := peerKey(key)
	c.reassemblers.Flush(pk)

	c.mu.Lock()
	out, hasOut := c.outXfers[pk]
	delete(c.outXfers, pk)
	delete(c.inXfers, pk)
	c.mu.Unlock()

	if hasOut {
		out.Stop()
	}
}

func (c *Coordinator) onLinkFailure(ev ax25.SessionEvent) {
	reason := c.routes.Record(routeKey(ev.Key), adaptive.Sample{FramesSent: 1, Retransmissions: 1})
	c.log.Warn("session link failure", "key", ev.Key, "reason", ev.Reason, "route_adjustment", reason)
}

func (c *Coordinator) onDataDelivered(ev ax25.SessionEvent) {
	peer := ev.Key.Destination.String()
	c.negotiator.OnFirstInboundIFrame(peer)

	pk := peerKey(ev.Key)
	for _, msg := range c.reassemblers.Feed(pk, ev.Payload) {
		if requiresDedupe(msg.Type) && c.dedupe.Seen(msg.SessionID, msg.MessageID) {
			continue
		}
		c.dispatchMessage(pk, ev.Key, msg)
	}
}

// requiresDedupe reports whether t needs replay suppression. Chat and
// file chunks are the only messages a peer never intentionally resends
// with the same (sessionID, messageID); FileMeta/Ack/Nack include
// completion polling, which is deliberately repeated until it gets a
// fresh answer and must never be swallowed as a "duplicate".
func requiresDedupe(t dgp.MessageType) bool {
	switch t {
	case dgp.MessageChat, dgp.MessageFileChunk:
		return true
	default:
		return false
	}
}

// dispatchMessage routes one fully-reassembled DGP message to whichever
// consumer owns it: the file-transfer sender/receiver pair keyed by pk,
// or (for chat) straight to the log -- a richer UI layer is out of
// scope here.
func (c *Coordinator) dispatchMessage(pk string, key ax25.Key, msg dgp.Message) {
	switch msg.Type {
	case dgp.MessageChat:
		c.log.Info("chat message received", "peer", key.Destination, "text", string(msg.Payload))

	case dgp.MessageFileMeta:
		c.handleInboundFileMeta(pk, key, msg)

	case dgp.MessageFileChunk:
		c.mu.Lock()
		in := c.inXfers[pk]
		c.mu.Unlock()
		if in != nil {
			in.HandleFileChunk(msg)
		}

	case dgp.MessageAck, dgp.MessageNack:
		if msg.MessageID == dgp.CompletionRequestID {
			c.mu.Lock()
			in := c.inXfers[pk]
			c.mu.Unlock()
			if in != nil {
				in.HandleCompletionRequest(msg)
			}
			return
		}
		c.mu.Lock()
		out := c.outXfers[pk]
		c.mu.Unlock()
		if out != nil {
			out.HandleIncoming(msg)
		}
	}
}
