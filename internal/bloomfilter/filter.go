// Package bloomfilter implements a salted, fixed-size Bloom filter used
// by requestors to cheaply skip cache lookups that would certainly miss,
// plus a generator that keeps one such filter approximately in sync with
// a cache server's live key set.
package bloomfilter

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"

	"github.com/OneOfOne/xxhash"
)

// Sizing parameters, chosen for ~10^6 keys at ~10^-5 false-positive rate
// (https://hur.st/bloomfilter/?n=1048576&p=0.00001&k=10).
const (
	DefaultSizeBits  = 27584639 // ~4MB
	DefaultHashCount = 10
)

// Filter is a salted Bloom filter over a fixed bit array.
type Filter struct {
	bits []uint64
	m    uint64 // size in bits
	k    uint64 // number of hash iterations
	salt uint64
}

// New constructs an empty filter of m bits using k hash iterations and an
// explicit salt (useful for deterministic tests).
func New(m, k, salt uint64) *Filter {
	words := (m + 63) / 64
	return &Filter{bits: make([]uint64, words), m: m, k: k, salt: salt}
}

// NewSalted is New with a randomly generated salt, the normal constructor
// for production use: salting makes it harder for an adversarial key set
// to induce pathological collision patterns across filter instances.
func NewSalted(m, k uint64) *Filter {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is a fatal platform condition; fall back to
		// a fixed salt rather than panic, since a predictable salt is
		// still a correct (if less defensive) filter.
		return New(m, k, 0xD15EA5ED)
	}
	return New(m, k, binary.LittleEndian.Uint64(buf[:]))
}

func (f *Filter) hashes(key string) (h1, h2 uint64) {
	d := xxhash.ChecksumString64S(key, f.salt)
	// Kirsch-Mitzenmacher double hashing: derive k index functions from
	// two independent-enough 64-bit hashes instead of k real hash funcs.
	h1 = d
	h2 = xxhash.ChecksumString64S(key, f.salt^0x9e3779b97f4a7c15)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func (f *Filter) bitIndex(h1, h2 uint64, i uint64) uint64 {
	return (h1 + i*h2) % f.m
}

// Add sets the k bit positions derived from key.
func (f *Filter) Add(key string) {
	h1, h2 := f.hashes(key)
	for i := uint64(0); i < f.k; i++ {
		idx := f.bitIndex(h1, h2, i)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// PossiblyContains reports whether key may be a member: false means
// definitely absent, true means probably present (subject to the
// filter's false-positive rate).
func (f *Filter) PossiblyContains(key string) bool {
	h1, h2 := f.hashes(key)
	for i := uint64(0); i < f.k; i++ {
		idx := f.bitIndex(h1, h2, i)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// NumHashes returns k, exposed so a client can tell the wire format apart
// if filter parameters ever change.
func (f *Filter) NumHashes() int { return int(f.k) }

// SizeBits returns m.
func (f *Filter) SizeBits() uint64 { return f.m }

// Salt returns the filter's salt, needed by a reader to reconstruct hash
// positions identically.
func (f *Filter) Salt() uint64 { return f.salt }

// Bytes returns the raw bit array, little-endian word by word — this is
// what gets zstd-compressed for the wire.
func (f *Filter) Bytes() []byte {
	out := make([]byte, len(f.bits)*8)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// FromBytes reconstructs a filter from Bytes() plus its parameters.
func FromBytes(m, k, salt uint64, raw []byte) *Filter {
	f := New(m, k, salt)
	for i := range f.bits {
		if (i+1)*8 <= len(raw) {
			f.bits[i] = binary.LittleEndian.Uint64(raw[i*8:])
		}
	}
	return f
}

// Clone deep-copies the filter so a reader can keep using a snapshot
// while the generator continues mutating its own live filter.
func (f *Filter) Clone() *Filter {
	cp := &Filter{bits: make([]uint64, len(f.bits)), m: f.m, k: f.k, salt: f.salt}
	copy(cp.bits, f.bits)
	return cp
}

// PopCount is a diagnostic: how many bits are set, useful for estimating
// load factor in DumpInternals-style endpoints.
func (f *Filter) PopCount() int {
	n := 0
	for _, w := range f.bits {
		n += bits.OnesCount64(w)
	}
	return n
}
