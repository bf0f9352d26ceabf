package cacheengine

import "github.com/yadcc-go/yadcc/internal/diskcache"

// DiskEngine adapts a diskcache.Cache to the Engine interface.
type DiskEngine struct {
	cache *diskcache.Cache
}

// NewDiskEngine wraps an already-opened disk cache as an Engine.
func NewDiskEngine(cache *diskcache.Cache) *DiskEngine {
	return &DiskEngine{cache: cache}
}

func (e *DiskEngine) GetKeys() []string                  { return e.cache.GetKeys() }
func (e *DiskEngine) TryGet(key string) ([]byte, bool)   { return e.cache.TryGet(key) }
func (e *DiskEngine) Put(key string, bytes []byte) error { return e.cache.Put(key, bytes) }
func (e *DiskEngine) Purge()                             { e.cache.Purge() }
func (e *DiskEngine) DumpInternals() any                 { return e.cache.DumpInternals() }

var _ Engine = (*DiskEngine)(nil)
