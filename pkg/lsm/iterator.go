package lsm

import (
	"bytes"
	"container/heap"
)

// Iterator is the engine-facing ordered view over live entries visible at a
// snapshot: exactly one entry per user key, tombstones already resolved away,
// optionally restricted to a key prefix. Every MemTable/ImmutableMemTable and
// Engine.NewIterator returns one of these (spec §4.8).
type Iterator interface {
	Seek(key []byte)
	First()
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Close() error
}

// dedupIterator wraps any InternalIterator (a single source, or the merged
// output of mergingIterator below) and collapses it down to the Iterator
// contract: skip versions newer than seqLimit, skip everything but the
// newest surviving version per user key, drop tombstones, skip keys outside
// prefix. Grounded on spec §4.8's read-visibility rule, the same rule
// MemTable.Get/findInList (C4) already applies to point lookups.
type dedupIterator struct {
	src      InternalIterator
	seqLimit uint64
	prefix   []byte

	valid  bool
	curKey []byte
	curVal []byte
}

func newDedupIterator(src InternalIterator, seqLimit uint64, prefix []byte) *dedupIterator {
	it := &dedupIterator{src: src, seqLimit: seqLimit, prefix: prefix}
	it.First()
	return it
}

func (it *dedupIterator) First() {
	it.src.First()
	it.settle()
}

func (it *dedupIterator) Seek(key []byte) {
	it.src.SeekInternal(InternalKey{UserKey: key, Seq: it.seqLimit})
	it.settle()
}

func (it *dedupIterator) Next() { it.settle() }

// settle advances src until it lands on a live, visible, in-prefix entry (or
// runs out), leaving src positioned just past the user key it resolves.
func (it *dedupIterator) settle() {
	for it.src.Valid() {
		ik := it.src.InternalKey()

		if it.prefix != nil && !bytes.HasPrefix(ik.UserKey, it.prefix) {
			it.src.Next()
			continue
		}
		if ik.Seq > it.seqLimit {
			// Not yet visible at this snapshot; the next-older version of
			// the same key (if any) comes right after in internal order.
			it.src.Next()
			continue
		}
		if ik.Kind == KindDel {
			it.skipUserKey(ik.UserKey)
			continue
		}

		it.curKey = append([]byte(nil), ik.UserKey...)
		it.curVal = append([]byte(nil), it.src.Value()...)
		it.valid = true
		it.skipUserKey(ik.UserKey)
		return
	}
	it.valid = false
	it.curKey, it.curVal = nil, nil
}

func (it *dedupIterator) skipUserKey(key []byte) {
	for it.src.Valid() && bytes.Equal(it.src.InternalKey().UserKey, key) {
		it.src.Next()
	}
}

func (it *dedupIterator) Valid() bool  { return it.valid }
func (it *dedupIterator) Key() []byte  { return it.curKey }
func (it *dedupIterator) Value() []byte { return it.curVal }
func (it *dedupIterator) Close() error { return it.src.Close() }

// iterHeap is a min-heap of InternalIterator sources ordered by their current
// InternalKey (user key ascending, sequence descending), backing the merging
// iterator's k-way merge.
type iterHeap []InternalIterator

func (h iterHeap) Len() int            { return len(h) }
func (h iterHeap) Less(i, j int) bool  { return Compare(h[i].InternalKey(), h[j].InternalKey()) < 0 }
func (h iterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x interface{}) { *h = append(*h, x.(InternalIterator)) }
func (h *iterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergingIterator merges several InternalIterator sources (the mutable
// table, the immutable table, and the sorted runs a compaction or scan
// touches) into one InternalKey-ordered stream. At each step it picks the
// smallest user key among valid sources, breaking ties by largest sequence —
// which container/heap's ordering already encodes via Compare — then
// advances every source positioned at that user key past it, so each step
// produces exactly one (the newest) internal key per user key. It does not
// itself drop tombstones or apply a snapshot: wrap it in dedupIterator for
// that, or consume tombstones directly during compaction (C10), which needs
// to know a key was deleted rather than have that fact erased.
//
// mergingIterator implements InternalIterator so dedupIterator can wrap it
// the same way it wraps a single source.
type mergingIterator struct {
	sources []InternalIterator
	h       iterHeap

	valid  bool
	curKey []byte
	curSeq uint64
	curKnd uint8
	curVal []byte
}

func newMergingIterator(sources ...InternalIterator) *mergingIterator {
	return &mergingIterator{sources: sources}
}

func (it *mergingIterator) First() {
	it.h = it.h[:0]
	for _, src := range it.sources {
		src.First()
		if src.Valid() {
			it.h = append(it.h, src)
		}
	}
	heap.Init(&it.h)
	it.advance()
}

func (it *mergingIterator) SeekInternal(ikey InternalKey) {
	it.h = it.h[:0]
	for _, src := range it.sources {
		src.SeekInternal(ikey)
		if src.Valid() {
			it.h = append(it.h, src)
		}
	}
	heap.Init(&it.h)
	it.advance()
}

func (it *mergingIterator) Next() { it.advance() }

func (it *mergingIterator) advance() {
	if it.h.Len() == 0 {
		it.valid = false
		return
	}

	top := it.h[0]
	ik := top.InternalKey()
	it.curKey = ik.UserKey
	it.curSeq = ik.Seq
	it.curKnd = ik.Kind
	it.curVal = top.Value()
	it.valid = true

	// Advance every source currently sitting on this user key (including
	// top itself), re-pushing any that land on a further key.
	for it.h.Len() > 0 && bytes.Equal(it.h[0].InternalKey().UserKey, it.curKey) {
		src := heap.Pop(&it.h).(InternalIterator)
		src.Next()
		if src.Valid() {
			heap.Push(&it.h, src)
		}
	}
}

func (it *mergingIterator) Valid() bool { return it.valid }

func (it *mergingIterator) InternalKey() InternalKey {
	return InternalKey{UserKey: it.curKey, Seq: it.curSeq, Kind: it.curKnd}
}

func (it *mergingIterator) Value() []byte { return it.curVal }

func (it *mergingIterator) Close() error {
	var first error
	for _, src := range it.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
