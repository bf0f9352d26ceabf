// Package cacheserver ties the in-memory ARC front cache, the on-disk
// cache engine, and the Bloom filter generator together behind the
// operations a cache node exposes over the wire: TryGetEntry, PutEntry,
// and FetchBloomFilter.
package cacheserver

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/yadcc-go/yadcc/internal/arc"
	"github.com/yadcc-go/yadcc/internal/auth"
	"github.com/yadcc-go/yadcc/internal/bloomfilter"
	"github.com/yadcc-go/yadcc/internal/cacheengine"
	"github.com/yadcc-go/yadcc/internal/model"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

const (
	defaultPurgeInterval           = time.Minute
	defaultBloomFilterRebuild      = 60 * time.Second
	bloomFilterNetworkCompensation = 5 * time.Second
	// Keys added while a periodic rebuild enumerates the backing store
	// are folded in from the generator's history.
	bloomFilterRebuildCompensation = 10 * time.Second

	fullFetchBaseDelay     = 10 * time.Minute
	fullFetchMaxClientBias = 120 // seconds
	fullFetchMaxRandomSkew = 120 // seconds
)

// Options configures a Server.
type Options struct {
	UserTokens    []string
	ServantTokens []string

	MaxInMemoryBytes int64

	PurgeInterval              time.Duration
	BloomFilterRebuildInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.PurgeInterval == 0 {
		o.PurgeInterval = defaultPurgeInterval
	}
	if o.BloomFilterRebuildInterval == 0 {
		o.BloomFilterRebuildInterval = defaultBloomFilterRebuild
	}
	if o.MaxInMemoryBytes == 0 {
		o.MaxInMemoryBytes = 4 << 30
	}
	return o
}

// Server is a cache node: ARC front cache (L1) + a cacheengine.Engine
// backing store (L2) + a Bloom filter generator kept approximately in
// sync with the backing store's key set.
type Server struct {
	opts Options

	userVerifier    *auth.TokenVerifier
	servantVerifier *auth.TokenVerifier

	mem    *arc.Cache
	engine cacheengine.Engine
	bfGen  *bloomfilter.Generator

	hits, misses int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a cache server fronting engine.
func New(engine cacheengine.Engine, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:            opts,
		userVerifier:    auth.NewTokenVerifier(opts.UserTokens),
		servantVerifier: auth.NewTokenVerifier(opts.ServantTokens),
		mem:             arc.New(opts.MaxInMemoryBytes),
		engine:          engine,
		bfGen:           bloomfilter.NewGenerator(),
		stopCh:          make(chan struct{}),
	}
}

// Start primes the Bloom filter from the backing store's existing keys
// and launches the background purge and rebuild timers. Must be called
// once before serving traffic.
func (s *Server) Start() {
	s.bfGen.Rebuild(s.GetKeys(), 0)

	s.wg.Add(2)
	go s.runTimer(s.opts.PurgeInterval, s.engine.Purge)
	go s.runTimer(s.opts.BloomFilterRebuildInterval, s.onRebuildTimer)
}

// Stop halts the background timers and waits for them to exit.
func (s *Server) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Server) runTimer(interval time.Duration, f func()) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) onRebuildTimer() {
	s.bfGen.Rebuild(s.GetKeys(), bloomFilterRebuildCompensation)
}

// GetKeys returns every key known to either the front cache or the
// backing engine. The Bloom filter tolerates duplicates, so no
// deduplication is needed between the two sources.
func (s *Server) GetKeys() []string {
	var out []string
	out = append(out, s.mem.GetKeys()...)
	out = append(out, s.engine.GetKeys()...)
	return out
}

// TryGetEntry looks up key in the front cache, falling back to the
// backing engine and promoting into the front cache on an L2 hit.
func (s *Server) TryGetEntry(token, key string) ([]byte, error) {
	if !s.userVerifier.Verify(token) {
		return nil, model.ErrAccessDenied
	}

	if buf, ok := s.mem.TryGet(key); ok {
		atomic.AddInt64(&s.hits, 1)
		return buf, nil
	}
	if buf, ok := s.engine.TryGet(key); ok {
		s.mem.Put(key, buf)
		atomic.AddInt64(&s.hits, 1)
		return buf, nil
	}

	atomic.AddInt64(&s.misses, 1)
	return nil, model.ErrNotFound
}

// PutEntry stores body under key in both cache levels and notifies the
// Bloom filter generator.
func (s *Server) PutEntry(token, key string, body []byte) error {
	if !s.servantVerifier.Verify(token) {
		return model.ErrAccessDenied
	}

	nlog.Infof("Filled cache entry %q with %d bytes.", key, len(body))

	if err := s.engine.Put(key, body); err != nil {
		return errors.Wrapf(err, "writing cache entry %q", key)
	}
	s.mem.Put(key, body)
	s.bfGen.Add(key)
	return nil
}

// BloomFilterFetch is the result of a FetchBloomFilter call: either an
// incremental key list or a compressed full filter, never both.
type BloomFilterFetch struct {
	Incremental        bool
	NewlyPopulatedKeys []string

	CompressedFilterBytes []byte
	SizeBits              uint64
	NumHashes             int
	Salt                  uint64
}

// fullFetchIntervalFor staggers how often a given client is pushed to a
// full (rather than incremental) fetch, so a fleet-wide restart doesn't
// cause every requestor to re-fetch the full filter simultaneously.
func fullFetchIntervalFor(clientAddr string) time.Duration {
	bias := time.Duration(xxhash.ChecksumString64S(clientAddr, 0)%fullFetchMaxClientBias) * time.Second
	skew := time.Duration(rand.Intn(fullFetchMaxRandomSkew)) * time.Second
	return fullFetchBaseDelay + bias + skew
}

// FetchBloomFilter serves either an incremental key delta or a full,
// zstd-compressed filter, depending on how long it's been since the
// client's last full fetch relative to its (per-client staggered)
// full-fetch interval.
func (s *Server) FetchBloomFilter(token, clientAddr string, secondsSinceLastFetch, secondsSinceLastFullFetch float64) (*BloomFilterFetch, error) {
	if !s.userVerifier.Verify(token) {
		return nil, model.ErrAccessDenied
	}
	if secondsSinceLastFetch > secondsSinceLastFullFetch {
		return nil, errors.WithStack(model.ErrInvalidArgument)
	}

	incremental := secondsSinceLastFullFetch < fullFetchIntervalFor(clientAddr).Seconds()
	if incremental {
		window := time.Duration(secondsSinceLastFetch*float64(time.Second)) + bloomFilterNetworkCompensation
		return &BloomFilterFetch{
			Incremental:        true,
			NewlyPopulatedKeys: s.bfGen.GetNewlyPopulatedKeys(window),
		}, nil
	}

	filter := s.bfGen.GetBloomFilter()
	compressed, err := compressZstd(filter.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "compressing bloom filter")
	}
	return &BloomFilterFetch{
		Incremental:           false,
		CompressedFilterBytes: compressed,
		SizeBits:              filter.SizeBits(),
		NumHashes:             filter.NumHashes(),
		Salt:                  filter.Salt(),
	}, nil
}

func compressZstd(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Internals reports aggregate hit/miss counters alongside the front
// cache's and backing engine's own diagnostics.
type Internals struct {
	Hits, Misses int64
	FrontCache   arc.Internals
	Backing      any
}

// DumpInternals reports a snapshot of server-wide statistics.
func (s *Server) DumpInternals() Internals {
	return Internals{
		Hits:       atomic.LoadInt64(&s.hits),
		Misses:     atomic.LoadInt64(&s.misses),
		FrontCache: s.mem.DumpInternals(),
		Backing:    s.engine.DumpInternals(),
	}
}
