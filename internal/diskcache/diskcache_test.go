package diskcache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/diskcache"
)

// framedEntry builds a valid framed cache entry; TryGet verifies the
// integrity header on every read, so tests store real entries.
func framedEntry(payload string) []byte {
	return cacheformat.Write(cacheformat.Entry{
		Files: []cacheformat.FileEntry{{Name: ".o", Data: []byte(payload)}},
	})
}

func openTestCache(t *testing.T, budget int64) *diskcache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := diskcache.Open(diskcache.Options{
		Shards: map[string]int64{dir: budget},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutThenTryGetRoundTrips(t *testing.T) {
	c := openTestCache(t, 1<<20)
	entry := framedEntry("payload")
	require.NoError(t, c.Put("some-key", entry))

	got, ok := c.TryGet("some-key")
	require.True(t, ok)
	require.Equal(t, entry, got)
}

func TestTryGetMissOnUnknownKey(t *testing.T) {
	c := openTestCache(t, 1<<20)
	_, ok := c.TryGet("never-written")
	require.False(t, ok)
}

func TestOverwriteUpdatesUsedBytes(t *testing.T) {
	c := openTestCache(t, 1<<20)
	longer := framedEntry("a much longer payload than before")
	require.NoError(t, c.Put("key", framedEntry("short")))
	require.NoError(t, c.Put("key", longer))

	got, ok := c.TryGet("key")
	require.True(t, ok)
	require.Equal(t, longer, got)

	in := c.DumpInternals()
	require.EqualValues(t, 1, in.Overwrites)
}

// TestCorruptedEntryIsAMiss flips one byte of an entry on disk: TryGet
// must fail the header check and report a miss, without deleting the
// file — the overwrite triggered by the miss heals it.
func TestCorruptedEntryIsAMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := diskcache.Open(diskcache.Options{Shards: map[string]int64{dir: 1 << 20}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	entry := framedEntry("object bytes")
	require.NoError(t, c.Put("key", entry))

	var path string
	require.NoError(t, filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			path = p
		}
		return err
	}))
	require.NotEmpty(t, path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, ok := c.TryGet("key")
	require.False(t, ok)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	// A refill overwrites the damaged file in place; reads work again.
	require.NoError(t, c.Put("key", entry))
	got, ok := c.TryGet("key")
	require.True(t, ok)
	require.Equal(t, entry, got)
}

func TestGetKeysEnumeratesEverythingWritten(t *testing.T) {
	c := openTestCache(t, 1<<20)
	want := map[string]bool{"alpha": true, "beta": true, "gamma": true}
	for k := range want {
		require.NoError(t, c.Put(k, []byte(k)))
	}

	got := c.GetKeys()
	require.Len(t, got, len(want))
	for _, k := range got {
		require.True(t, want[k])
	}
}

// TestPurgeStaysUnderBudget writes far more than the configured shard
// budget and asserts Purge() brings total on-disk usage back under the
// 95% discard threshold.
func TestPurgeStaysUnderBudget(t *testing.T) {
	budget := int64(4096)
	c := openTestCache(t, budget)

	payload := make([]byte, 256)
	for i := 0; i < 64; i++ {
		require.NoError(t, c.Put(keyFor(i), payload))
	}

	c.Purge()

	in := c.DumpInternals()
	var total int64
	for _, sh := range in.Shards {
		total += sh.UsedBytes
	}
	require.LessOrEqual(t, total, int64(float64(budget)*0.95)+1)
}

// TestReconciliationRemovesUnexpectedLeafDirectory writes a stray
// directory where a leaf cache file is expected and asserts a fresh
// Open() cleans it up rather than crashing.
func TestReconciliationRemovesUnexpectedLeafDirectory(t *testing.T) {
	dir := t.TempDir()
	c, err := diskcache.Open(diskcache.Options{Shards: map[string]int64{dir: 1 << 20}})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// Poke a bogus directory in at leaf depth (2 levels deep, matching
	// the default SubDirLevel).
	stray := filepath.Join(dir, "0", "0", "not-a-file")
	require.NoError(t, os.MkdirAll(stray, 0o755))

	c2, err := diskcache.Open(diskcache.Options{Shards: map[string]int64{dir: 1 << 20}})
	require.NoError(t, err)
	defer c2.Close()

	_, statErr := os.Stat(stray)
	require.True(t, os.IsNotExist(statErr))
}

func keyFor(i int) string {
	return "key-" + string(rune('a'+i%26)) + "-" + string(rune('0'+i/26))
}
