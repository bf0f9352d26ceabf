// Package arc implements a byte-sized Adaptive Replacement Cache: two
// resident lists (T1: seen once, T2: seen more than once) plus their
// eviction ghosts (B1, B2), with an adaptive split parameter p steering
// how aggressively the cache favors recency (LRU) over frequency (LFU).
//
// Unlike the textbook ARC (fixed page count), every list's size is
// measured in bytes, since cache entries here vary wildly in size.
package arc

import (
	"container/list"
	"sync"
)

type listID int

const (
	listT1 listID = iota
	listT2
	listB1
	listB2
)

// node is the payload of a list.Element in any of the four lists.
type node struct {
	key  string
	size int64
}

// ring is one of T1/T2/B1/B2: an ordered (LRU..MRU) list plus a running
// byte total, so membership and eviction order can both be queried in
// O(1) amortized time without re-summing the list.
type ring struct {
	bytes int64
	order *list.List // front = LRU, back = MRU
}

func newRing() *ring { return &ring{order: list.New()} }

func (r *ring) pushMRU(n *node) *list.Element { r.bytes += n.size; return r.order.PushBack(n) }

func (r *ring) remove(el *list.Element) {
	n := el.Value.(*node)
	r.bytes -= n.size
	r.order.Remove(el)
}

func (r *ring) popLRU() *node {
	el := r.order.Front()
	if el == nil {
		return nil
	}
	n := el.Value.(*node)
	r.remove(el)
	return n
}

// locator lets us find, in O(1), which ring a key currently lives in and
// its list.Element within that ring, without scanning any list.
type locator struct {
	list listID
	el   *list.Element
}

// Cache is a byte-sized ARC cache. All operations are serialized under a
// single mutex, matching the concurrency model ("ARC operations never
// suspend" and are "serialized under one mutex").
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	p        int64 // target size (bytes) of T1 before eviction favors T2

	t1, t2, b1, b2 ring
	loc            map[string]locator
	buf            map[string][]byte // resident payload, keyed like loc but only for T1/T2 members

	hits, misses uint64
}

// New creates an ARC cache bounded at maxBytes total resident bytes
// (T1+T2). Ghost lists (B1/B2) are bookkeeping only and hold no payload.
func New(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		t1:       *newRing(),
		t2:       *newRing(),
		b1:       *newRing(),
		b2:       *newRing(),
		loc:      make(map[string]locator),
		buf:      make(map[string][]byte),
	}
}

// TryGet returns the resident buffer for key, if any. A hit on a ghost
// list (B1/B2) is not visible here — ghosts carry no payload, so from the
// caller's perspective that's still a miss; promotion out of a ghost list
// only happens through Put, mirroring the reference implementation.
func (c *Cache) TryGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	loc, ok := c.loc[key]
	if !ok || (loc.list != listT1 && loc.list != listT2) {
		c.misses++
		return nil, false
	}
	c.hits++

	switch loc.list {
	case listT1:
		c.t1.remove(loc.el)
		n := &node{key: key, size: int64(len(c.buf[key]))}
		el := c.t2.pushMRU(n)
		c.loc[key] = locator{list: listT2, el: el}
	case listT2:
		c.t2.remove(loc.el)
		n := &node{key: key, size: int64(len(c.buf[key]))}
		el := c.t2.pushMRU(n)
		c.loc[key] = locator{list: listT2, el: el}
	}
	return c.buf[key], true
}

// Put inserts or replaces key. It fails (returns false) only if buf alone
// exceeds the cache's total budget; otherwise it always succeeds,
// evicting and cascading into the ghost lists as needed.
func (c *Cache) Put(key string, buf []byte) bool {
	size := int64(len(buf))
	if size > c.maxBytes {
		return false
	}

	// Repack into tight, owned storage: the caller's buffer may come from
	// a fragmented source (e.g. assembled from network chunks).
	tight := make([]byte, len(buf))
	copy(tight, buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	if loc, ok := c.loc[key]; ok {
		switch loc.list {
		case listT1, listT2:
			c.overwriteResident(key, loc, tight, size)
			return true
		case listB1:
			c.cacheFromGhost(key, loc, &c.b1, &c.b2, tight, size)
			return true
		case listB2:
			c.cacheFromGhost(key, loc, &c.b2, &c.b1, tight, size)
			return true
		}
	}

	c.cacheOnMiss(key, tight, size)
	return true
}

// overwriteResident replaces the buffer of a key already in T1/T2 and
// treats the write as a fresh access: it is promoted/refreshed into T2
// MRU, same as a TryGet hit would.
func (c *Cache) overwriteResident(key string, loc locator, buf []byte, size int64) {
	switch loc.list {
	case listT1:
		c.t1.remove(loc.el)
	case listT2:
		c.t2.remove(loc.el)
	}
	c.buf[key] = buf
	el := c.t2.pushMRU(&node{key: key, size: size})
	c.loc[key] = locator{list: listT2, el: el}
	c.evictOverflow()
}

// cacheFromGhost handles a Put that targets a key currently in a ghost
// list: it's a phantom hit, so we nudge p towards whichever of T1/T2
// favored that ghost, then bring the key back as a T2 resident.
func (c *Cache) cacheFromGhost(key string, loc locator, hitGhost, otherGhost *ring, buf []byte, size int64) {
	hitGhost.remove(loc.el)
	delete(c.loc, key)

	// The adjustment is at least one full entry; the ratio only scales it
	// up when the other ghost list is the larger one.
	ratio := 1.0
	if hitGhost.bytes > 0 && otherGhost.bytes > hitGhost.bytes {
		ratio = float64(otherGhost.bytes) / float64(hitGhost.bytes)
	}
	delta := int64(ratio * float64(size))

	if hitGhost == &c.b1 {
		c.p = clamp(c.p+delta, 0, c.maxBytes)
	} else {
		c.p = clamp(c.p-delta, 0, c.maxBytes)
	}

	c.buf[key] = buf
	el := c.t2.pushMRU(&node{key: key, size: size})
	c.loc[key] = locator{list: listT2, el: el}
	c.evictOverflow()
}

func (c *Cache) cacheOnMiss(key string, buf []byte, size int64) {
	c.buf[key] = buf
	el := c.t1.pushMRU(&node{key: key, size: size})
	c.loc[key] = locator{list: listT1, el: el}
	c.evictOverflow()
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// evictOverflow restores |T1|+|T2| <= maxBytes, cascading evicted entries
// into the matching ghost list, then trims each ghost list so that
// |T1|+|B1| <= maxBytes and |T2|+|B2| <= maxBytes.
func (c *Cache) evictOverflow() {
	for c.t1.bytes+c.t2.bytes > c.maxBytes {
		if c.t1.bytes > 0 && c.t1.bytes >= c.p {
			c.evictLRUTo(&c.t1, &c.b1)
		} else if c.t2.bytes > 0 {
			c.evictLRUTo(&c.t2, &c.b2)
		} else if c.t1.bytes > 0 {
			c.evictLRUTo(&c.t1, &c.b1)
		} else {
			break
		}
	}
	c.trimGhost(&c.b1, &c.t1)
	c.trimGhost(&c.b2, &c.t2)
}

func (c *Cache) evictLRUTo(from, ghost *ring) {
	// Find the LRU entry of `from` that's actually resident (the ring and
	// c.buf are kept in lockstep, so the front element always is).
	el := from.order.Front()
	if el == nil {
		return
	}
	n := el.Value.(*node)
	from.remove(el)
	delete(c.buf, n.key)

	gel := ghost.pushMRU(n)
	c.loc[n.key] = locator{list: ghostListID(ghost, c), el: gel}
}

func ghostListID(g *ring, c *Cache) listID {
	if g == &c.b1 {
		return listB1
	}
	return listB2
}

func (c *Cache) trimGhost(ghost, counterpart *ring) {
	for ghost.bytes+counterpart.bytes > c.maxBytes && ghost.order.Len() > 0 {
		n := ghost.popLRU()
		delete(c.loc, n.key)
	}
}

// Remove evicts keys from every list they might be in. Not in the hot
// path: it walks all four lists, O(n*m) in the number of lists times keys
// requested.
func (c *Cache) Remove(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		loc, ok := c.loc[key]
		if !ok {
			continue
		}
		switch loc.list {
		case listT1:
			c.t1.remove(loc.el)
		case listT2:
			c.t2.remove(loc.el)
		case listB1:
			c.b1.remove(loc.el)
		case listB2:
			c.b2.remove(loc.el)
		}
		delete(c.buf, key)
		delete(c.loc, key)
	}
}

// GetKeys returns every key currently resident (T1 or T2); ghost-list
// entries carry no payload and are not reported.
func (c *Cache) GetKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.buf))
	for key := range c.buf {
		keys = append(keys, key)
	}
	return keys
}

// Internals is a snapshot of list sizes exposed for diagnostics/metrics.
type Internals struct {
	T1Bytes, T2Bytes, B1Bytes, B2Bytes         int64
	T1Entries, T2Entries, B1Entries, B2Entries int
	P                                          int64
	Hits, Misses                               uint64
}

// DumpInternals reports per-list byte sizes, entry counts, the current
// adaptive parameter, and hit/miss counters.
func (c *Cache) DumpInternals() Internals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Internals{
		T1Bytes: c.t1.bytes, T2Bytes: c.t2.bytes, B1Bytes: c.b1.bytes, B2Bytes: c.b2.bytes,
		T1Entries: c.t1.order.Len(), T2Entries: c.t2.order.Len(),
		B1Entries: c.b1.order.Len(), B2Entries: c.b2.order.Len(),
		P: c.p, Hits: c.hits, Misses: c.misses,
	}
}
