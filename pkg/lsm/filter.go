package lsm

import (
	"bytes"
	"math"
)

// Filter is an approximate-membership structure over a finite set of user
// keys: no false negatives, a bounded false-positive rate, cheap to query and
// to persist as a sorted-run's filter block. Grounded on
// original_source/src/engine/bloom_filter.cpp's MurmurHash3 double-hashing
// Bloom filter; the byte-exact wire format below is dictated by spec §4.3,
// which is why this is hand-rolled rather than built on an ecosystem Bloom
// package (see DESIGN.md).
type Filter struct {
	bits      []byte
	numHashes uint32
	numKeys   int
}

// defaultBitsPerKey is the BloomBitsPerKey value DefaultOptions sets. A
// BloomBitsPerKey of 0 disables the filter.
const defaultBitsPerKey = 10

// NewFilter builds a filter over keys with the given bits-per-key budget.
// bitsPerKey <= 0 yields a filter that always answers "maybe" (equivalent to
// having no filter, but keeps the block format uniform).
func NewFilter(keys [][]byte, bitsPerKey int) *Filter {
	f := &Filter{}
	if bitsPerKey <= 0 {
		// Every bit set: each probe hits, so MayContain is always true.
		f.bits = bytes.Repeat([]byte{0xff}, 8)
		f.numHashes = 1
		f.numKeys = len(keys)
		return f
	}

	numBits := len(keys) * bitsPerKey
	numBytes := (numBits + 7) / 8
	if numBytes < 8 {
		numBytes = 8
	}
	f.bits = make([]byte, numBytes)

	numHashes := int(math.Round(float64(bitsPerKey) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	if numHashes > 30 {
		numHashes = 30
	}
	f.numHashes = uint32(numHashes)

	for _, k := range keys {
		f.Add(k)
	}
	return f
}

// Add sets this key's probe bits and counts the key. NewFilter calls it once
// per key; the sorted-run writer collects its keys and builds the filter
// through NewFilter at Finish.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashKey(key)
	numBits := uint32(len(f.bits) * 8)
	for i := uint32(0); i < f.numHashes; i++ {
		bitPos := (h1 + i*h2) % numBits
		f.bits[bitPos/8] |= 1 << (bitPos % 8)
	}
	f.numKeys++
}

// MayContain reports whether key could be in the set. False means definitely
// absent; true means possibly present.
func (f *Filter) MayContain(key []byte) bool {
	if len(f.bits) == 0 {
		return true
	}
	h1, h2 := hashKey(key)
	numBits := uint32(len(f.bits) * 8)
	for i := uint32(0); i < f.numHashes; i++ {
		bitPos := (h1 + i*h2) % numBits
		if f.bits[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
	}
	return true
}

// Size is the serialized size in bytes.
func (f *Filter) Size() int { return 4 + len(f.bits) }

// FalsePositiveRate reconstructs the expected false-positive rate from the
// filter's parameters: p = (1 - e^(-kn/m))^k.
func (f *Filter) FalsePositiveRate() float64 {
	if f.numKeys == 0 {
		return 0
	}
	k := float64(f.numHashes)
	n := float64(f.numKeys)
	m := float64(len(f.bits) * 8)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// Serialize encodes [probe-count(4)][raw bit array], per spec §4.3.
func (f *Filter) Serialize() []byte {
	out := make([]byte, 0, f.Size())
	out = appendUint32(out, f.numHashes)
	out = append(out, f.bits...)
	return out
}

// DeserializeFilter decodes the output of Serialize. numKeys isn't recorded
// on the wire (only probe count and bits are, per the spec); callers that
// need FalsePositiveRate() after a reload should treat it as unknown (0)
// unless they separately track entry counts (the sorted-run footer does).
func DeserializeFilter(data []byte) (*Filter, error) {
	if len(data) < 4 {
		return nil, errCorruption("filter block shorter than probe-count header", nil)
	}
	numHashes := getUint32(data[:4])
	bits := append([]byte(nil), data[4:]...)
	return &Filter{bits: bits, numHashes: numHashes}, nil
}

// hashKey derives the two 32-bit seeds double-hashing probes from, per
// original_source/src/engine/bloom_filter.cpp: h1 seeded at 0, h2 seeded at h1.
func hashKey(key []byte) (uint32, uint32) {
	h1 := murmur3_32(key, 0)
	h2 := murmur3_32(key, h1)
	return h1, h2
}

// murmur3_32 is MurmurHash3's 32-bit variant (x86_32), matching
// original_source/src/engine/bloom_filter.cpp byte for byte.
func murmur3_32(data []byte, seed uint32) uint32 {
	const c1 = 0xcc9e2d51
	const c2 = 0x1b873593

	h1 := seed
	nblocks := len(data) / 4

	for i := 0; i < nblocks; i++ {
		k1 := getUint32(data[i*4 : i*4+4])
		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2

		h1 ^= k1
		h1 = rotl32(h1, 13)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) & 3 {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = rotl32(k1, 15)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(len(data))
	h1 = fmix32(h1)
	return h1
}

func rotl32(x uint32, r uint32) uint32 { return (x << r) | (x >> (32 - r)) }

func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
