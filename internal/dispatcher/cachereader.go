package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yadcc-go/yadcc/internal/api"
	"github.com/yadcc-go/yadcc/internal/bloomfilter"
	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/compression"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const (
	bloomFilterFetchInterval = 10 * time.Second
	// Past this, the local snapshot is too stale to trust for skipping
	// lookups; probes go straight to the cache server.
	bloomFilterMaxStaleness = 10 * time.Minute
)

// DistributedCacheReader is the requestor-side view of the cache layer:
// a locally mirrored Bloom filter short-circuits almost-certain misses,
// and concurrent probes for the same key share one RPC.
type DistributedCacheReader struct {
	cache *api.CacheClient

	mu            sync.Mutex
	filter        *bloomfilter.Filter
	lastFetch     time.Time
	lastFullFetch time.Time

	sf singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDistributedCacheReader builds a reader against cache.
func NewDistributedCacheReader(cache *api.CacheClient) *DistributedCacheReader {
	return &DistributedCacheReader{cache: cache, stopCh: make(chan struct{})}
}

// Start fetches the initial full filter and keeps pulling deltas.
func (r *DistributedCacheReader) Start() {
	r.fetchFilter()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(bloomFilterFetchInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.fetchFilter()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the filter sync.
func (r *DistributedCacheReader) Stop() { close(r.stopCh) }

// Join waits for the filter sync to exit.
func (r *DistributedCacheReader) Join() { r.wg.Wait() }

// TryRead probes the distributed cache for key. The Bloom filter
// swallows almost every miss without a network round trip; corrupted
// entries downgrade to a miss.
func (r *DistributedCacheReader) TryRead(ctx context.Context, key string) (*cacheformat.Entry, bool) {
	r.mu.Lock()
	filter := r.filter
	fresh := time.Since(r.lastFetch) < bloomFilterMaxStaleness
	r.mu.Unlock()

	if filter != nil && fresh && !filter.PossiblyContains(key) {
		return nil, false
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		return r.cache.TryGetEntry(ctx, key)
	})
	if err != nil {
		if !model.Is(err, model.ErrNotFound) {
			nlog.Warningf("Failed to read cache entry %q: %v.", key, err)
		}
		return nil, false
	}
	entry, err := cacheformat.Parse(v.([]byte))
	if err != nil {
		// A flipped byte anywhere shows up here. Not fatal: the entry
		// will be overwritten by the next fill.
		nlog.Warningf("Corrupted cache entry %q: %v.", key, err)
		return nil, false
	}
	return entry, true
}

func (r *DistributedCacheReader) fetchFilter() {
	r.mu.Lock()
	var sinceLastFetch, sinceLastFull float64
	if r.lastFetch.IsZero() {
		// Never fetched: report staleness large enough to force a full
		// snapshot.
		sinceLastFetch = (365 * 24 * time.Hour).Seconds()
		sinceLastFull = sinceLastFetch
	} else {
		sinceLastFetch = time.Since(r.lastFetch).Seconds()
		sinceLastFull = time.Since(r.lastFullFetch).Seconds()
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, attachment, err := r.cache.FetchBloomFilter(ctx, &api.FetchBloomFilterRequest{
		SecondsSinceLastFetch:     sinceLastFetch,
		SecondsSinceLastFullFetch: sinceLastFull,
	})
	if err != nil {
		nlog.Warningf("Failed to fetch cache bloom filter: %v.", err)
		return
	}

	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Incremental {
		if r.filter == nil {
			// Shouldn't happen: the server only goes incremental for
			// clients that have fetched a full filter recently.
			return
		}
		for _, key := range resp.NewlyPopulatedKeys {
			r.filter.Add(key)
		}
		r.lastFetch = now
		return
	}

	raw, err := compression.Unzstd(attachment)
	if err != nil {
		nlog.Errorf("Failed to decompress bloom filter snapshot: %v.", err)
		return
	}
	r.filter = bloomfilter.FromBytes(resp.SizeBits, uint64(resp.NumHashes), resp.Salt, raw)
	r.lastFetch = now
	r.lastFullFetch = now
}
