package lsm

// WriteBatch accumulates a group of mutations applied atomically by
// Engine.Write: consecutive sequence numbers assigned together, journaled
// together, inserted into the mutable table in batch order, one optional
// sync covering the whole group (spec §4.11). Grounded on
// original_source/include/mydb/db.hpp's nested Database::WriteBatch.
type WriteBatch struct {
	ops []batchOp
}

type batchOp struct {
	kind  uint8
	key   []byte
	value []byte
}

func NewWriteBatch() *WriteBatch { return &WriteBatch{} }

// Put stages an insert-or-overwrite.
func (b *WriteBatch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{
		kind:  KindPut,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete stages a tombstone.
func (b *WriteBatch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{kind: KindDel, key: append([]byte(nil), key...)})
}

// Len reports the number of staged operations.
func (b *WriteBatch) Len() int { return len(b.ops) }

// Clear empties the batch so it can be reused.
func (b *WriteBatch) Clear() { b.ops = b.ops[:0] }
