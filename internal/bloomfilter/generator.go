package bloomfilter

import (
	"container/list"
	"sync"
	"time"
)

// newlyPopulatedKeyHistory bounds how far back GetNewlyPopulatedKeys can
// reach: entries older than this are pruned regardless of what's asked.
const newlyPopulatedKeyHistory = time.Hour

type historyEntry struct {
	key string
	at  time.Time
}

// Generator maintains one current Bloom filter that (approximately)
// reflects a cache server's live key set, plus a one-hour deque of
// recently added keys used both to compensate Rebuild for keys added
// mid-rebuild and to answer incremental-fetch queries.
//
// Thread-safe.
type Generator struct {
	mu      sync.Mutex
	current *Filter
	history *list.List // front = oldest, back = newest
}

// NewGenerator creates a generator with an empty filter sized per the
// default parameters (~10^6 keys at ~10^-5 FPR).
func NewGenerator() *Generator {
	return &Generator{
		current: NewSalted(DefaultSizeBits, DefaultHashCount),
		history: list.New(),
	}
}

// Rebuild replaces the current filter with a fresh one built from keys,
// plus any key Add-ed to this generator within the last
// keyGenerationCompensation — keys the caller might have missed while it
// was busy enumerating `keys` from the backing store.
func (g *Generator) Rebuild(keys []string, keyGenerationCompensation time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	compensation := g.unsafeGetNewlyPopulatedKeys(keyGenerationCompensation)

	filter := NewSalted(DefaultSizeBits, DefaultHashCount)
	for _, k := range keys {
		filter.Add(k)
	}
	for _, k := range compensation {
		filter.Add(k)
	}
	g.current = filter
}

// Add notifies the generator that cacheKey was just populated: it's
// folded into the live filter immediately and recorded in the recent
// history.
func (g *Generator) Add(cacheKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current.Add(cacheKey)
	g.history.PushBack(&historyEntry{key: cacheKey, at: time.Now()})
}

// GetNewlyPopulatedKeys returns keys added within the last `recent`
// duration, most-recent first, after pruning anything older than one
// hour from the internal history.
func (g *Generator) GetNewlyPopulatedKeys(recent time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unsafeGetNewlyPopulatedKeys(recent)
}

func (g *Generator) unsafeGetNewlyPopulatedKeys(recent time.Duration) []string {
	now := time.Now()
	keepSince := now.Add(-newlyPopulatedKeyHistory)

	for {
		front := g.history.Front()
		if front == nil {
			break
		}
		if front.Value.(*historyEntry).at.Before(keepSince) {
			g.history.Remove(front)
			continue
		}
		break
	}

	since := now.Add(-recent)
	var result []string
	for el := g.history.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*historyEntry)
		if e.at.Before(since) {
			break
		}
		result = append(result, e.key)
	}
	return result
}

// GetBloomFilter returns a point-in-time, independently mutable copy of
// the current filter — cheap (a few MB) relative to the compressed
// on-wire form callers will actually send.
func (g *Generator) GetBloomFilter() *Filter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current.Clone()
}
