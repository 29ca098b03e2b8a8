// Package topiccache holds the most recent broker value per topic.
//
// Entries expire lazily: a lookup that finds a stale entry evicts it. There
// is no background sweep because the cache is only consulted when a mesh
// message asks for a value.
package topiccache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a broker value stays servable after it arrives.
const DefaultTTL = 300 * time.Second

// Entry is the stored value for one topic.
type Entry struct {
	Topic      string
	Value      string
	RecordedAt time.Time
}

// Cache is a concurrency-safe topic → latest value store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
}

// New creates a cache with the given TTL. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
	}
}

// TTL returns the expiry applied to entries.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Put stores value as the latest for topic, replacing any previous value.
func (c *Cache) Put(topic, value string, now time.Time) {
	c.mu.Lock()
	c.entries[topic] = Entry{Topic: topic, Value: value, RecordedAt: now}
	c.mu.Unlock()
}

// Get returns the value for topic if it was recorded less than TTL before now.
// A stale entry is removed.
func (c *Cache) Get(topic string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[topic]
	if !ok {
		return "", false
	}
	if now.Sub(e.RecordedAt) >= c.ttl {
		delete(c.entries, topic)
		return "", false
	}
	return e.Value, true
}

// Len returns the number of held entries, including stale ones that have not
// been looked up yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
