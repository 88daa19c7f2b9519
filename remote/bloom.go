package remote

import (
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

var ErrBadBloomFilter = errors.New("bad bloom filter")

// BloomFilter is the server-provided membership filter attached to an
// existence filter. Bits are packed little-endian within each byte; the
// last Padding bits of the final byte are unused.
type BloomFilter struct {
	Bits      []byte
	Padding   int
	HashCount int

	bitCount uint64
}

func NewBloomFilter(bits []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, errors.Wrapf(ErrBadBloomFilter, "padding %d", padding)
	}
	if hashCount < 0 {
		return nil, errors.Wrapf(ErrBadBloomFilter, "hash count %d", hashCount)
	}
	if len(bits) > 0 && hashCount == 0 {
		return nil, errors.Wrap(ErrBadBloomFilter, "zero hash count")
	}
	if len(bits) == 0 && padding != 0 {
		return nil, errors.Wrap(ErrBadBloomFilter, "padding without bits")
	}
	return &BloomFilter{
		Bits:      bits,
		Padding:   padding,
		HashCount: hashCount,
		bitCount:  uint64(len(bits)*8 - padding),
	}, nil
}

// MightContain probes the filter with the double-hashing scheme: two
// independent 64-bit hashes combined as h1 + i*h2 per probe.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	h1 := xxhash.Sum64String(value)
	h2 := xxhash.Sum64String(value + "\x00salt")
	for i := 0; i < f.HashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bitCount
		if f.Bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Insert is used by tests and the in-process server to build filters the
// decoder side can probe.
func (f *BloomFilter) Insert(value string) {
	if f.bitCount == 0 {
		return
	}
	h1 := xxhash.Sum64String(value)
	h2 := xxhash.Sum64String(value + "\x00salt")
	for i := 0; i < f.HashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bitCount
		f.Bits[idx/8] |= 1 << (idx % 8)
	}
}
