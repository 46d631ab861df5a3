package lsm

import (
	"bytes"
	"sync"

	"github.com/huandu/skiplist"
)

// MemTable is the mutable, ordered, in-memory table receiving new mutations.
// A single logical writer is expected (the engine serializes writers through
// its own mutex per spec §4.4); many readers may run concurrently.
type MemTable interface {
	Put(userKey, value []byte, seq uint64) error
	Delete(userKey []byte, seq uint64) error

	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)

	// getInternal is Get's tri-state cousin used by the engine's read path:
	// found distinguishes "nothing at or below seqLimit here" (keep looking
	// in older sources) from "found, but it's a tombstone" (stop — the key
	// is shadowed-deleted, an older source's value must not resurface).
	getInternal(userKey []byte, seqLimit uint64) (val []byte, found, deleted bool, err error)

	// NewIterator returns a deduplicated, visibility-filtered iterator: at
	// most one (newest-first, kind-aware) entry per user key, restricted to
	// keys sharing prefix (nil for no restriction).
	NewIterator(seqLimit uint64, prefix []byte) Iterator

	// NewInternalIterator returns an unfiltered InternalKey-ordered walk,
	// for use as a C8 merge source alongside the immutable table and any
	// open sorted runs when the engine serves a full-scan NewIterator call.
	NewInternalIterator() InternalIterator

	ApproxSize() int64
	NumEntries() int64

	// Freeze returns a read-only view of the current contents and resets
	// this table to empty; the caller is responsible for installing the
	// returned table as the immutable table and this one as the new active
	// table.
	Freeze() (ImmutableMemTable, error)
}

// ImmutableMemTable is the frozen, read-only view produced by Freeze; it
// additionally exposes an InternalKey-ordered stream for flushing to a
// sorted run.
type ImmutableMemTable interface {
	Get(userKey []byte, seqLimit uint64) (val []byte, ok bool, err error)
	getInternal(userKey []byte, seqLimit uint64) (val []byte, found, deleted bool, err error)
	NewIterator(seqLimit uint64, prefix []byte) Iterator
	NewInternalIterator() InternalIterator

	ApproxSize() int64
	NumEntries() int64
}

// InternalIterator walks internal keys in ascending order (user key asc,
// sequence desc within a user key) without any snapshot filtering; callers
// filter by sequence themselves. Every internal source the merging iterator
// (C8) merges over implements this.
type InternalIterator interface {
	First()
	SeekInternal(ikey InternalKey)
	Next()
	Valid() bool

	InternalKey() InternalKey
	Value() []byte
	Close() error
}

// internalOrdKey is the skiplist's element key: userKey asc, seq desc.
type internalOrdKey struct {
	userKey []byte
	seq     uint64
}

type entryVal struct {
	kind  uint8
	value []byte
}

// compareInternal orders the skiplist: userKey ascending, then seq
// descending, matching InternalKey's total order (C1).
func compareInternal(a, b interface{}) int {
	ka := a.(internalOrdKey)
	kb := b.(internalOrdKey)
	if c := UserKeyCompare(ka.userKey, kb.userKey); c != 0 {
		return c
	}
	if ka.seq > kb.seq {
		return -1
	}
	if ka.seq < kb.seq {
		return 1
	}
	return 0
}

// memEntryOverhead approximates per-entry bookkeeping (skiplist node,
// interface boxing) so ApproxSize tracks real memory well enough to trigger
// rotation near Options.MemTableLimitBytes.
const memEntryOverhead = 32

type memTable struct {
	mu         sync.RWMutex
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
}

type immutableMemTable struct {
	list       *skiplist.SkipList
	approxSize int64
	numEntries int64
}

func newMemTable() *memTable {
	return &memTable{list: skiplist.New(skiplist.GreaterThanFunc(compareInternal))}
}

func (m *memTable) Put(userKey, value []byte, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(internalOrdKey{userKey: userKey, seq: seq}, entryVal{kind: KindPut, value: value})
	m.approxSize += int64(len(userKey)) + int64(len(value)) + memEntryOverhead
	m.numEntries++
	return nil
}

func (m *memTable) Delete(userKey []byte, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.list.Set(internalOrdKey{userKey: userKey, seq: seq}, entryVal{kind: KindDel})
	m.approxSize += int64(len(userKey)) + memEntryOverhead
	m.numEntries++
	return nil
}

func (m *memTable) Get(userKey []byte, seqLimit uint64) ([]byte, bool, error) {
	val, found, deleted, err := m.getInternal(userKey, seqLimit)
	if err != nil || !found || deleted {
		return nil, false, err
	}
	return val, true, nil
}

func (m *memTable) getInternal(userKey []byte, seqLimit uint64) ([]byte, bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findInList(m.list, userKey, seqLimit)
}

func (m *memTable) NewIterator(seqLimit uint64, prefix []byte) Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newDedupIterator(&memInternalIter{list: m.list}, seqLimit, prefix)
}

func (m *memTable) NewInternalIterator() InternalIterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memInternalIter{list: m.list}
}

func (m *memTable) ApproxSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.approxSize
}

func (m *memTable) NumEntries() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numEntries
}

// Freeze swaps in a fresh empty skiplist and hands the old one to an
// immutable view. Callers must hold whatever external lock (the engine
// write mutex) makes this swap atomic with respect to concurrent writers.
func (m *memTable) Freeze() (ImmutableMemTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	imm := &immutableMemTable{list: m.list, approxSize: m.approxSize, numEntries: m.numEntries}
	m.list = skiplist.New(skiplist.GreaterThanFunc(compareInternal))
	m.approxSize = 0
	m.numEntries = 0
	return imm, nil
}

func (im *immutableMemTable) Get(userKey []byte, seqLimit uint64) ([]byte, bool, error) {
	val, found, deleted, err := im.getInternal(userKey, seqLimit)
	if err != nil || !found || deleted {
		return nil, false, err
	}
	return val, true, nil
}

func (im *immutableMemTable) getInternal(userKey []byte, seqLimit uint64) ([]byte, bool, bool, error) {
	return findInList(im.list, userKey, seqLimit)
}

func (im *immutableMemTable) NewIterator(seqLimit uint64, prefix []byte) Iterator {
	return newDedupIterator(&memInternalIter{list: im.list}, seqLimit, prefix)
}

func (im *immutableMemTable) NewInternalIterator() InternalIterator {
	return &memInternalIter{list: im.list}
}

func (im *immutableMemTable) ApproxSize() int64 { return im.approxSize }
func (im *immutableMemTable) NumEntries() int64 { return im.numEntries }

// findInList implements the shared least-upper-bound lookup: the entry with
// the largest sequence <= seqLimit among entries matching userKey (spec
// §4.4). found reports whether such an entry exists at all; deleted reports
// whether it's a tombstone (a live entry further down the read path must not
// be allowed to surface once a newer tombstone has already answered "found").
func findInList(list *skiplist.SkipList, userKey []byte, seqLimit uint64) (val []byte, found, deleted bool, err error) {
	if list == nil {
		return nil, false, false, nil
	}
	res := list.Find(internalOrdKey{userKey: userKey, seq: seqLimit})
	if res == nil {
		return nil, false, false, nil
	}
	k := res.Key().(internalOrdKey)
	if !bytes.Equal(k.userKey, userKey) {
		return nil, false, false, nil
	}
	if k.seq > seqLimit {
		return nil, false, false, nil
	}
	ev := res.Value.(entryVal)
	if ev.kind == KindDel {
		return nil, true, true, nil
	}
	return append([]byte(nil), ev.value...), true, false, nil
}

// memInternalIter walks a skiplist in InternalKey order.
type memInternalIter struct {
	list *skiplist.SkipList
	elem *skiplist.Element
}

func (it *memInternalIter) First() { it.elem = it.list.Front() }

func (it *memInternalIter) SeekInternal(ikey InternalKey) {
	it.elem = it.list.Find(internalOrdKey{userKey: ikey.UserKey, seq: ikey.Seq})
}

func (it *memInternalIter) Next() {
	if it.elem != nil {
		it.elem = it.elem.Next()
	}
}

func (it *memInternalIter) Valid() bool { return it.elem != nil }

func (it *memInternalIter) InternalKey() InternalKey {
	k := it.elem.Key().(internalOrdKey)
	v := it.elem.Value.(entryVal)
	return InternalKey{UserKey: k.userKey, Seq: k.seq, Kind: v.kind}
}

func (it *memInternalIter) Value() []byte { return it.elem.Value.(entryVal).value }

func (it *memInternalIter) Close() error { return nil }
