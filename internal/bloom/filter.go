// Package bloom implements the small bloom filter the flat backend uses
// to prune full scans: a definite miss on an indexed equality answers a
// search without touching the records.
package bloom

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// Filter is a fixed-size bloom filter keyed by murmur3 double hashing.
type Filter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

// New creates a filter sized for the expected item count at the target
// false-positive rate.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	numBits := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 64 {
		numBits = 64
	}
	numHashes := uint64(math.Round(float64(numBits) / float64(expectedItems) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	return &Filter{
		bits:      make([]uint64, (numBits+63)/64),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// Add inserts the item.
func (f *Filter) Add(item []byte) {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		f.bits[pos/64] |= 1 << (pos % 64)
	}
}

// Contains reports whether the item may have been added. False positives
// are possible; false negatives are not.
func (f *Filter) Contains(item []byte) bool {
	h1, h2 := murmur3.Sum128(item)
	for i := uint64(0); i < f.numHashes; i++ {
		pos := (h1 + i*h2) % f.numBits
		if f.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}
