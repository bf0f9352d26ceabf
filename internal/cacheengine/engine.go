// Package cacheengine defines the capability set a cache backing store
// must provide, so the cache server can dispatch to whichever storage
// engine it was configured with without caring about its internals.
package cacheengine

// Engine is the capability set a cache storage backend exposes. The disk
// cache (internal/diskcache, fronted by internal/arc) is the only engine
// implemented today, but keeping it behind an interface leaves room for,
// e.g., a remote object-store-backed engine later without touching the
// cache server.
type Engine interface {
	// GetKeys enumerates every key currently held.
	GetKeys() []string

	// TryGet returns the raw bytes stored for key, if present.
	TryGet(key string) ([]byte, bool)

	// Put adds a new entry or replaces an existing one.
	Put(key string, bytes []byte) error

	// Purge discards old entries to make room. Slow; callers should not
	// invoke it more often than necessary.
	Purge()

	// DumpInternals reports implementation-defined diagnostic state.
	DumpInternals() any
}
