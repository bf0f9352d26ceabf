package dispatcher

import (
	"sync"
)

type fileSignature struct {
	Path      string
	Size      int64
	Timestamp int64
}

// FileDigestCache remembers the content digest of compiler binaries,
// keyed by (path, size, mtime). The wrapper digests a compiler once and
// teaches the daemon via set_file_digest; a changed binary (different
// size or mtime) misses and gets re-digested wrapper-side.
type FileDigestCache struct {
	mu      sync.RWMutex
	digests map[fileSignature]string
}

// NewFileDigestCache returns an empty cache.
func NewFileDigestCache() *FileDigestCache {
	return &FileDigestCache{digests: make(map[fileSignature]string)}
}

// TryGet looks up the digest of the file identified by path and its
// observed size and mtime.
func (c *FileDigestCache) TryGet(path string, size, timestamp int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.digests[fileSignature{path, size, timestamp}]
	return d, ok
}

// Set records the digest.
func (c *FileDigestCache) Set(path string, size, timestamp int64, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digests[fileSignature{path, size, timestamp}] = digest
}
