package cacheformat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yadcc-go/yadcc/internal/cacheformat"
	"github.com/yadcc-go/yadcc/internal/model"
)

func sampleEntry() cacheformat.Entry {
	return cacheformat.Entry{
		ExitCode: 0,
		Stdout:   "",
		Stderr:   "warning: unused variable\n",
		Extra:    []byte(`{"lang":"cxx"}`),
		Files: []cacheformat.FileEntry{
			{Name: ".o", Data: []byte("OBJ-BYTES")},
			{Name: ".d", Data: []byte("dep-file-bytes")},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	e := sampleEntry()
	buf := cacheformat.Write(e)

	got, err := cacheformat.Parse(buf)
	require.NoError(t, err)
	require.Equal(t, e.ExitCode, got.ExitCode)
	require.Equal(t, e.Stderr, got.Stderr)
	require.Equal(t, e.Extra, got.Extra)
	require.Equal(t, e.Files, got.Files)
}

func TestSingleByteMutationFailsParse(t *testing.T) {
	buf := cacheformat.Write(sampleEntry())
	for i := range buf {
		mutated := append([]byte(nil), buf...)
		mutated[i] ^= 0xFF
		_, err := cacheformat.Parse(mutated)
		require.Error(t, err, "byte %d mutation should have been detected", i)
		require.True(t, model.Is(err, model.ErrCorruptedEntry))
	}
}

func TestParseTruncatedBuffer(t *testing.T) {
	buf := cacheformat.Write(sampleEntry())
	_, err := cacheformat.Parse(buf[:10])
	require.Error(t, err)
}

func TestKeyIsStableAndDistinctFromDigest(t *testing.T) {
	env := model.EnvironmentDesc{CompilerDigest: "abc123"}
	k1 := cacheformat.Key(env, "-O2 -c a.cc", "srcdigest")
	k2 := cacheformat.Key(env, "-O2 -c a.cc", "srcdigest")
	require.Equal(t, k1, k2)

	d := cacheformat.Digest(env, "-O2 -c a.cc", "srcdigest")
	require.NotEqual(t, k1, d, "cache key and task digest must use different salts")
}
