// Package diskcache implements a sharded, file-based on-disk cache: each
// shard is a physical directory (typically a distinct drive) weighted by
// its configured capacity, entries are placed by consistent-hashing the
// cache key, and a startup reconciliation walk repairs a workspace that
// wasn't shut down cleanly.
package diskcache

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/hashring"
	"github.com/yadcc-go/yadcc/internal/nlog"
)

// ActionOnMisplacedEntry says what to do with a file that reconciliation
// finds in a location the current sharding algorithm wouldn't have chosen
// for it (usually because the shard set changed since it was written).
type ActionOnMisplacedEntry int

const (
	Delete ActionOnMisplacedEntry = iota
	Move
	Ignore
)

// ParseActionOnMisplacedEntry parses a config value into an action.
func ParseActionOnMisplacedEntry(config string) (ActionOnMisplacedEntry, error) {
	switch strings.ToLower(config) {
	case "delete":
		return Delete, nil
	case "move":
		return Move, nil
	case "ignore":
		return Ignore, nil
	default:
		return Delete, errors.Errorf("unrecognized misplaced-entry action %q", config)
	}
}

// weightPerDirSize: one virtual-node weight per started 128MiB of
// configured capacity (rounded up), at least 1 so a tiny shard still
// participates.
const weightPerDirSize = 7 // size_in_mb >> 7 == size_in_mb / 128

// ParseCacheDirs parses a "size1,path1:size2,path2:..." config string
// (sizes accept a trailing K/M/G/T suffix) into shard path -> byte budget.
func ParseCacheDirs(dirs string) (map[string]int64, error) {
	result := make(map[string]int64)
	if dirs == "" {
		return result, nil
	}
	for _, part := range strings.Split(dirs, ":") {
		idx := strings.IndexByte(part, ',')
		if idx < 0 {
			return nil, errors.Errorf("malformed cache dir spec %q, expected size,path", part)
		}
		size, err := ParseSize(part[:idx])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing size in %q", part)
		}
		path := part[idx+1:]
		if path == "" {
			return nil, errors.Errorf("empty path in %q", part)
		}
		result[path] = size
	}
	return result, nil
}

// ParseSize parses a "10G"-style size; bare numbers are bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult, s = 1<<10, s[:len(s)-1]
	case 'm', 'M':
		mult, s = 1<<20, s[:len(s)-1]
	case 'g', 'G':
		mult, s = 1<<30, s[:len(s)-1]
	case 't', 'T':
		mult, s = 1<<40, s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return v * mult, nil
}

// Options configures a Cache.
type Options struct {
	// Shards maps a directory path to its byte-size budget.
	Shards map[string]int64

	ActionOnMisplaced ActionOnMisplacedEntry

	// SubDirLevel/SubDirs: to avoid dumping thousands of files into one
	// directory, each shard fans out into SubDirs subdirectories,
	// SubDirLevel levels deep.
	SubDirLevel int
	SubDirs     int
}

func (o Options) withDefaults() Options {
	if o.SubDirLevel == 0 {
		o.SubDirLevel = 2
	}
	if o.SubDirs == 0 {
		o.SubDirs = 16
	}
	return o
}

type shardRecord struct {
	Size  int64 `json:"size"`
	MTime int64 `json:"mtime"` // unix nanoseconds
}

type shard struct {
	root      string
	budget    int64
	db        *buntdb.DB
	usedBytes int64 // atomic
	hits      int64 // atomic
}

// Cache is a sharded, file-based disk cache. All exported methods are
// safe for concurrent use.
type Cache struct {
	opts   Options
	ring   *hashring.Ring
	shards map[string]*shard

	fills, hitCount, missCount, overwrites int64 // atomic
}

// Open initializes (or reattaches to) the workspace described by opts,
// creating shard subdirectory trees that don't yet exist and
// reconciling any files already on disk against the current sharding.
func Open(opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	if len(opts.Shards) == 0 {
		return nil, errors.New("no cache shards configured")
	}

	weights := make(map[string]uint64, len(opts.Shards))
	for path, size := range opts.Shards {
		w := (uint64(size>>20) + (1<<weightPerDirSize - 1)) >> weightPerDirSize
		if w == 0 {
			w = 1
		}
		weights[path] = w
	}

	c := &Cache{
		opts:   opts,
		ring:   hashring.New(weights),
		shards: make(map[string]*shard, len(opts.Shards)),
	}

	for path, budget := range opts.Shards {
		db, err := buntdb.Open(":memory:")
		if err != nil {
			return nil, errors.Wrapf(err, "opening index for shard %q", path)
		}
		if err := db.CreateIndex("mtime", "*", buntdb.IndexJSON("mtime")); err != nil {
			return nil, errors.Wrapf(err, "creating mtime index for shard %q", path)
		}
		c.shards[path] = &shard{root: path, budget: budget, db: db}
		if err := c.initializeWorkspaceAt(path); err != nil {
			return nil, err
		}
	}

	for path, sh := range c.shards {
		if err := c.reconcile(path, sh); err != nil {
			return nil, errors.Wrapf(err, "reconciling shard %q", path)
		}
	}

	return c, nil
}

// initializeWorkspaceAt creates the full SubDirs^SubDirLevel subdirectory
// tree under root eagerly, so Put never has to check-then-create a
// directory on the hot path.
func (c *Cache) initializeWorkspaceAt(root string) error {
	dirs := []string{root}
	for level := 0; level < c.opts.SubDirLevel; level++ {
		var next []string
		for _, d := range dirs {
			for i := 0; i < c.opts.SubDirs; i++ {
				next = append(next, filepath.Join(d, strconv.Itoa(i)))
			}
		}
		dirs = next
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return errors.Wrapf(err, "creating cache subdirectory %q", d)
		}
	}
	return nil
}

// reconcile walks the shard's directory tree, populating the index from
// whatever is already on disk and repairing anything that doesn't match
// the expected layout: a non-directory above leaf level, a directory at
// leaf level, or a leaf file whose current hash routes it elsewhere.
func (c *Cache) reconcile(root string, sh *shard) error {
	// SubDirLevel levels of fan-out directories, then the entry files.
	leafDepth := c.opts.SubDirLevel + 1
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			depth := len(strings.Split(rel, string(filepath.Separator)))

			isDir, err := de.IsDirOrSymlinkToDir()
			if err != nil {
				isDir = de.IsDir()
			}

			if depth < leafDepth {
				if !isDir {
					nlog.Warningf("Non-directory found at %q, removing.", path)
					return os.Remove(path)
				}
				return nil
			}
			if depth == leafDepth {
				if isDir {
					nlog.Warningf("Directory found at leaf level %q, removing.", path)
					if err := os.RemoveAll(path); err != nil {
						return err
					}
					// Gone now; don't let the walk descend into it.
					return godirwalk.SkipThis
				}
				return c.reconcileLeafFile(sh, path)
			}
			// depth > leafDepth shouldn't happen; clean it up regardless.
			return os.RemoveAll(path)
		},
	})
}

func (c *Cache) reconcileLeafFile(sh *shard, path string) error {
	filename := filepath.Base(path)
	key, err := url.QueryUnescape(filename)
	if err != nil {
		nlog.Warningf("Unrecognized file name pattern %q, removing.", path)
		return os.Remove(path)
	}

	expectedRoot, expectedPath := c.pathFor(key)
	if expectedRoot != sh.root || expectedPath != path {
		switch c.opts.ActionOnMisplaced {
		case Delete:
			nlog.Warningf("Misplaced entry %q (belongs under %q), deleting.", path, expectedRoot)
			return os.Remove(path)
		case Move:
			if err := os.MkdirAll(filepath.Dir(expectedPath), 0o755); err != nil {
				return err
			}
			if err := os.Rename(path, expectedPath); err != nil {
				return err
			}
			path = expectedPath
			sh = c.shards[expectedRoot]
		case Ignore:
			// fall through and index it where it sits
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil // vanished under us (e.g. Move raced with something else)
	}
	return sh.db.Update(func(tx *buntdb.Tx) error {
		rec := shardRecord{Size: info.Size(), MTime: info.ModTime().UnixNano()}
		_, _, err := tx.Set(path, encodeRecord(rec), nil)
		if err == nil {
			atomic.AddInt64(&sh.usedBytes, info.Size())
		}
		return err
	})
}

// pathFor computes the shard root and full on-disk path a key currently
// hashes to.
func (c *Cache) pathFor(key string) (shardRoot, fullPath string) {
	hash := hashring.HashKey(key)
	shardRoot = c.ring.GetNode(hash)

	digits := make([]string, c.opts.SubDirLevel)
	h := hash
	for i := 0; i < c.opts.SubDirLevel; i++ {
		digits[i] = strconv.FormatUint(h%uint64(c.opts.SubDirs), 10)
		h /= uint64(c.opts.SubDirs)
	}

	parts := append([]string{shardRoot}, digits...)
	parts = append(parts, url.QueryEscape(key))
	fullPath = filepath.Join(parts...)
	return shardRoot, fullPath
}

// TryGet returns the raw bytes stored for key, if present.
func (c *Cache) TryGet(key string) ([]byte, bool) {
	shardRoot, path := c.pathFor(key)
	sh, ok := c.shards[shardRoot]
	if !ok {
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}

	var present bool
	sh.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(path)
		present = err == nil
		return nil
	})
	if !present {
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}
	if err := cacheformat.Verify(data); err != nil {
		// Corrupted on disk. Reported as a miss and left in place: the
		// refill triggered by this miss overwrites it.
		nlog.Warningf("Cache entry %q failed integrity check: %v.", key, err)
		atomic.AddInt64(&c.missCount, 1)
		return nil, false
	}

	now := time.Now()
	_ = os.Chtimes(path, now, now)
	sh.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(path, encodeRecord(shardRecord{Size: int64(len(data)), MTime: now.UnixNano()}), nil)
		return err
	})

	atomic.AddInt64(&sh.hits, 1)
	atomic.AddInt64(&c.hitCount, 1)
	return data, true
}

// Put writes (or overwrites) the entry for key.
func (c *Cache) Put(key string, data []byte) error {
	shardRoot, path := c.pathFor(key)
	sh, ok := c.shards[shardRoot]
	if !ok {
		return errors.Errorf("key %q hashes to unknown shard %q", key, shardRoot)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing cache entry at %q", path)
	}

	now := time.Now()
	err := sh.db.Update(func(tx *buntdb.Tx) error {
		existing, getErr := tx.Get(path)
		if getErr == nil {
			old := decodeRecord(existing)
			atomic.AddInt64(&sh.usedBytes, int64(len(data))-old.Size)
			atomic.AddInt64(&c.overwrites, 1)
		} else {
			atomic.AddInt64(&sh.usedBytes, int64(len(data)))
		}
		_, _, err := tx.Set(path, encodeRecord(shardRecord{Size: int64(len(data)), MTime: now.UnixNano()}), nil)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "indexing cache entry at %q", path)
	}

	atomic.AddInt64(&c.fills, 1)
	return nil
}

// discardThreshold: purge stops once a shard is back under 95% of its
// configured budget, matching the reference cache's hysteresis so Purge
// doesn't thrash right at the limit.
const discardThreshold = 0.95

// Purge evicts the oldest (by last-access mtime) entries from any shard
// over its budget, until each shard is back under 95% of capacity. It's
// slow and may transiently block TryGet/Put on the affected shard, so it
// shouldn't be called too often.
func (c *Cache) Purge() {
	for _, sh := range c.shards {
		c.purgeShard(sh)
	}
}

func (c *Cache) purgeShard(sh *shard) {
	limit := int64(float64(sh.budget) * discardThreshold)
	for atomic.LoadInt64(&sh.usedBytes) > limit {
		var oldestKey string
		var oldestRec shardRecord
		found := false
		sh.db.View(func(tx *buntdb.Tx) error {
			return tx.Ascend("mtime", func(k, v string) bool {
				oldestKey, oldestRec, found = k, decodeRecord(v), true
				return false // stop after the first (oldest) entry
			})
		})
		if !found {
			return
		}
		if err := os.Remove(oldestKey); err != nil && !os.IsNotExist(err) {
			nlog.Warningf("Failed to remove purged cache entry %q: %v", oldestKey, err)
		}
		if err := sh.db.Update(func(tx *buntdb.Tx) error {
			_, err := tx.Delete(oldestKey)
			return err
		}); err != nil {
			nlog.Warningf("Failed to unindex purged cache entry %q: %v", oldestKey, err)
			return
		}
		atomic.AddInt64(&sh.usedBytes, -oldestRec.Size)
	}
}

// GetKeys enumerates every key currently held across all shards. Used by
// the Bloom filter generator to rebuild its membership summary.
func (c *Cache) GetKeys() []string {
	var keys []string
	for _, sh := range c.shards {
		sh.db.View(func(tx *buntdb.Tx) error {
			return tx.Ascend("", func(path, _ string) bool {
				if key, err := url.QueryUnescape(filepath.Base(path)); err == nil {
					keys = append(keys, key)
				}
				return true
			})
		})
	}
	return keys
}

// ShardInternals reports per-shard capacity/usage/hit statistics.
type ShardInternals struct {
	CapacityBytes int64
	UsedBytes     int64
	Entries       int
	Hits          int64
}

// Internals is a snapshot of the cache's global and per-shard state.
type Internals struct {
	Fills, Hits, Misses, Overwrites int64
	Shards                          map[string]ShardInternals
}

// DumpInternals reports aggregate statistics and per-shard usage.
func (c *Cache) DumpInternals() Internals {
	in := Internals{
		Fills:      atomic.LoadInt64(&c.fills),
		Hits:       atomic.LoadInt64(&c.hitCount),
		Misses:     atomic.LoadInt64(&c.missCount),
		Overwrites: atomic.LoadInt64(&c.overwrites),
		Shards:     make(map[string]ShardInternals, len(c.shards)),
	}
	for path, sh := range c.shards {
		entries := 0
		sh.db.View(func(tx *buntdb.Tx) error {
			n, err := tx.Len()
			entries = n
			return err
		})
		in.Shards[path] = ShardInternals{
			CapacityBytes: sh.budget,
			UsedBytes:     atomic.LoadInt64(&sh.usedBytes),
			Entries:       entries,
			Hits:          atomic.LoadInt64(&sh.hits),
		}
	}
	return in
}

// Close releases each shard's in-memory index. It does not remove
// on-disk entries.
func (c *Cache) Close() error {
	var firstErr error
	for _, sh := range c.shards {
		if err := sh.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func encodeRecord(r shardRecord) string {
	// Hand-rolled rather than encoding/json: this is on the hot path of
	// every Put/Get and the schema is two integers.
	return `{"size":` + strconv.FormatInt(r.Size, 10) + `,"mtime":` + strconv.FormatInt(r.MTime, 10) + `}`
}

func decodeRecord(s string) shardRecord {
	var r shardRecord
	sizeIdx := strings.Index(s, `"size":`)
	mtimeIdx := strings.Index(s, `"mtime":`)
	if sizeIdx >= 0 {
		end := strings.IndexByte(s[sizeIdx+7:], ',')
		if end < 0 {
			end = strings.IndexByte(s[sizeIdx+7:], '}')
		}
		r.Size, _ = strconv.ParseInt(strings.TrimSpace(s[sizeIdx+7:sizeIdx+7+end]), 10, 64)
	}
	if mtimeIdx >= 0 {
		end := strings.IndexByte(s[mtimeIdx+8:], '}')
		if end < 0 {
			end = len(s) - mtimeIdx - 8
		}
		r.MTime, _ = strconv.ParseInt(strings.TrimSpace(s[mtimeIdx+8:mtimeIdx+8+end]), 10, 64)
	}
	return r
}
