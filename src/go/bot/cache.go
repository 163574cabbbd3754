package bot

import "sync"

// DefaultCacheCapacity bounds the anti-delete capture buffer.
const DefaultCacheCapacity = 1000

// MessageCache keeps recently seen messages so their content can be
// reconstructed when a sender deletes them. Fixed capacity, FIFO eviction:
// inserting past capacity drops the oldest entry whether or not it was ever
// consulted. Reported entries stay until evicted.
type MessageCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]CachedMessage
	order    []string
}

func NewMessageCache(capacity int) *MessageCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &MessageCache{
		capacity: capacity,
		entries:  make(map[string]CachedMessage),
		order:    make([]string, 0, capacity),
	}
}

// Insert appends an entry, evicting the oldest when over capacity.
// Duplicate message ids are ignored.
func (c *MessageCache) Insert(entry CachedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.MessageID]; exists {
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[entry.MessageID] = entry
	c.order = append(c.order, entry.MessageID)
}

// Lookup returns the cached entry for a message id, if still present.
func (c *MessageCache) Lookup(messageID string) (CachedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[messageID]
	return entry, ok
}

// Len reports the current number of cached entries.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
