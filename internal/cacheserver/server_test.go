package cacheserver_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/cacheserver"
	"github.com/yadcc-go/yadcc/internal/model"
)

// fakeEngine is an in-memory stand-in for cacheengine.Engine, enough to
// exercise the server without touching disk.
type fakeEngine struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeEngine() *fakeEngine { return &fakeEngine{data: make(map[string][]byte)} }

func (f *fakeEngine) GetKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys
}

func (f *fakeEngine) TryGet(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	return b, ok
}

func (f *fakeEngine) Put(key string, bytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = bytes
	return nil
}

func (f *fakeEngine) Purge()             {}
func (f *fakeEngine) DumpInternals() any { return nil }

func TestPutEntryRequiresServantToken(t *testing.T) {
	s := cacheserver.New(newFakeEngine(), cacheserver.Options{ServantTokens: []string{"servant-tok"}})

	err := s.PutEntry("wrong-token", "key", []byte("data"))
	require.True(t, model.Is(err, model.ErrAccessDenied))

	require.NoError(t, s.PutEntry("servant-tok", "key", []byte("data")))
}

func TestTryGetEntryRequiresUserToken(t *testing.T) {
	s := cacheserver.New(newFakeEngine(), cacheserver.Options{UserTokens: []string{"user-tok"}})

	_, err := s.TryGetEntry("wrong-token", "key")
	require.True(t, model.Is(err, model.ErrAccessDenied))
}

func TestTryGetEntryFallsBackToEngineAndPromotes(t *testing.T) {
	engine := newFakeEngine()
	require.NoError(t, engine.Put("key", []byte("engine-value")))

	s := cacheserver.New(engine, cacheserver.Options{UserTokens: []string{"tok"}})
	got, err := s.TryGetEntry("tok", "key")
	require.NoError(t, err)
	require.Equal(t, []byte("engine-value"), got)
	require.Equal(t, 1, s.DumpInternals().FrontCache.T1Entries)
}

func TestTryGetEntryMissReturnsNotFound(t *testing.T) {
	s := cacheserver.New(newFakeEngine(), cacheserver.Options{UserTokens: []string{"tok"}})
	_, err := s.TryGetEntry("tok", "absent")
	require.True(t, model.Is(err, model.ErrNotFound))
}

func TestFetchBloomFilterRejectsInvertedTimestamps(t *testing.T) {
	s := cacheserver.New(newFakeEngine(), cacheserver.Options{UserTokens: []string{"tok"}})
	_, err := s.FetchBloomFilter("tok", "1.2.3.4:5", 100, 10)
	require.True(t, model.Is(err, model.ErrInvalidArgument))
}

func TestFetchBloomFilterIncrementalShortlyAfterPut(t *testing.T) {
	engine := newFakeEngine()
	s := cacheserver.New(engine, cacheserver.Options{UserTokens: []string{"tok"}, ServantTokens: []string{"tok"}})
	require.NoError(t, s.PutEntry("tok", "key", []byte("v")))

	result, err := s.FetchBloomFilter("tok", "1.2.3.4:5", 1, 1)
	require.NoError(t, err)
	require.True(t, result.Incremental)
	require.Contains(t, result.NewlyPopulatedKeys, "key")
}
