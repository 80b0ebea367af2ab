// Package dedup is an in-memory, TTL-bounded LRU used by the main hub to
// recognize a retransmitted QUERY by its packet_id and answer from the
// cached capsule instead of regenerating it (§4.5.1). Unlike the authority
// and capsule stores, this state is never durable — a dedup window
// surviving a restart is not required, and losing it only costs a
// redundant regeneration, not correctness.
//
// NetSim's own duplicate-ACK idempotence doesn't go through this package:
// internal/queue's retransmit entries already no-op on an ACK for a
// packet_id marked Delivered, which is enough to keep a late-arriving
// duplicate ACK from doing anything twice.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	key       uuid.UUID
	value     any
	expiresAt time.Time
}

// Cache is a bounded, TTL-expiring map keyed by packet_id (or capsule_id).
// Get (and a repeated Put) promote an entry to the front of the LRU list;
// Seen does not. Eviction happens
// on Put when the cache is at capacity, oldest first.
type Cache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	hot   map[uuid.UUID]*list.Element
	order *list.List
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		cap:   capacity,
		ttl:   ttl,
		hot:   make(map[uuid.UUID]*list.Element),
		order: list.New(),
	}
}

// Seen reports whether id has been recorded within the current TTL window,
// without recording it.
func (c *Cache) Seen(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	_, ok := c.hot[id]
	return ok
}

// Get returns the value previously stored for id, if any and not expired.
func (c *Cache) Get(id uuid.UUID) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	el, ok := c.hot[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).value, true
}

// Put records id with an associated value (e.g. the CAPSULE frame already
// produced for this packet_id) so a repeated request within the window
// reuses it instead of invoking Answer again.
func (c *Cache) Put(id uuid.UUID, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if el, ok := c.hot[id]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.cap > 0 && len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &entry{key: id, value: value, expiresAt: time.Now().Add(c.ttl)}
	el := c.order.PushFront(ent)
	c.hot[id] = el
}

func (c *Cache) pruneLocked() {
	now := time.Now()
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if !now.Before(ent.expiresAt) {
			delete(c.hot, ent.key)
			c.order.Remove(el)
		}
		el = prev
	}
}

func (c *Cache) evictLocked(n int) {
	for i := 0; i < n; i++ {
		el := c.order.Back()
		if el == nil {
			return
		}
		ent := el.Value.(*entry)
		delete(c.hot, ent.key)
		c.order.Remove(el)
	}
}

// Len reports the number of live (non-pruned-on-last-access) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hot)
}
