package llm

import (
	"crypto/sha256"
	"sync"
)

// embedCache is a bounded map from SHA-256(model ‖ text) to embedding vector.
// Eviction is FIFO by insertion order: embeddings are immutable for a given
// model so recency matters less than keeping the map bounded.
type embedCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[[32]byte][]float32
	order    [][32]byte
}

func newEmbedCache(capacity int) *embedCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &embedCache{
		capacity: capacity,
		entries:  make(map[[32]byte][]float32, capacity),
	}
}

func cacheKey(model, text string) [32]byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

func (c *embedCache) get(model, text string) ([]float32, bool) {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[key]
	return vec, ok
}

func (c *embedCache) put(model, text string, vec []float32) {
	key := cacheKey(model, text)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = vec
	c.order = append(c.order, key)
}

func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
