package dgp

import (
	"container/list"
	"sync"
)

// DefaultDedupeCapacity is the bound spec.md §4.5 names for the replay
// suppression set.
const DefaultDedupeCapacity = 1000

type dedupeKey struct {
	sessionID uint32
	messageID uint32
}

// Dedupe is a bounded LRU set of (sessionId, messageId) pairs used to
// suppress chat/message replay. It never touches AX.25-layer
// acknowledgement, which has already happened by the time a message
// reaches here.
//
// No third-party LRU implementation appears anywhere in the retrieval
// pack, so this is built on container/list + a map, the standard
// textbook shape.
type Dedupe struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[dedupeKey]*list.Element
}

// NewDedupe returns an empty set bounded to capacity entries.
func NewDedupe(capacity int) *Dedupe {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	return &Dedupe{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[dedupeKey]*list.Element),
	}
}

// Seen reports whether (sessionID, messageID) was already recorded,
// and records it (refreshing its LRU position) either way.
func (d *Dedupe) Seen(sessionID, messageID uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupeKey{sessionID, messageID}
	if el, ok := d.entries[key]; ok {
		d.order.MoveToFront(el)
		return true
	}

	el := d.order.PushFront(key)
	d.entries[key] = el

	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		if oldest == nil {
			break
		}
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(dedupeKey))
	}

	return false
}
