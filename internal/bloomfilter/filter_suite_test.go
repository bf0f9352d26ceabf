// Package bloomfilter_test exercises the filter with ginkgo/gomega, the
// same BDD style the teacher's own probabilistic-filter suite uses.
package bloomfilter_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/yadcc-go/yadcc/internal/bloomfilter"
)

func TestFilter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

var _ = Describe("Filter", func() {
	It("never reports a false negative for an added key", func() {
		f := bloomfilter.New(1<<20, 10, 42)
		keys := []string{"alpha", "beta", "gamma", "delta"}
		for _, k := range keys {
			f.Add(k)
		}
		for _, k := range keys {
			Expect(f.PossiblyContains(k)).To(BeTrue())
		}
	})

	It("round-trips through Bytes/FromBytes", func() {
		f := bloomfilter.New(1<<16, 10, 7)
		f.Add("survives-the-wire")

		reconstructed := bloomfilter.FromBytes(f.SizeBits(), uint64(f.NumHashes()), f.Salt(), f.Bytes())
		Expect(reconstructed.PossiblyContains("survives-the-wire")).To(BeTrue())
	})
})

var _ = Describe("Generator", func() {
	It("contains every rebuilt key and every key added within the compensation window", func() {
		g := bloomfilter.NewGenerator()
		g.Add("d")
		g.Rebuild([]string{"a", "b", "c"}, time.Second)

		f := g.GetBloomFilter()
		for _, k := range []string{"a", "b", "c", "d"} {
			Expect(f.PossiblyContains(k)).To(BeTrue())
		}
	})

	It("surfaces newly populated keys through an incremental fetch", func() {
		g := bloomfilter.NewGenerator()
		g.Rebuild([]string{"a", "b", "c"}, time.Second)
		g.Add("d")

		fresh := g.GetNewlyPopulatedKeys(time.Minute)
		Expect(fresh).To(ContainElement("d"))

		f := g.GetBloomFilter()
		Expect(f.PossiblyContains("d")).To(BeTrue())
	})

	It("accepts a window wider than the one-hour history and still returns recent keys", func() {
		g := bloomfilter.NewGenerator()
		g.Add("ancient")
		// Can't fast-forward a real clock in a unit test; we only assert
		// that asking for a window far beyond an hour doesn't panic and
		// still returns the key we just added (it's well within an hour).
		keys := g.GetNewlyPopulatedKeys(2 * time.Hour)
		Expect(keys).To(ContainElement("ancient"))
	})
})
