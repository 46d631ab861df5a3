package lsm

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newPropertyTestDB(t *testing.T) DB {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 512
	db, err := Open(opts)
	if err != nil {
		t.Skipf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestReplayedModelMatchesLastWrite checks I3 against a simple in-process
// model: applying the same put/delete sequence to a plain map must agree
// with what the engine reports for the final value of that key. dels and
// vals are zipped together; dels[i]==true means step i is a delete,
// otherwise it's a put of vals[i].
func TestReplayedModelMatchesLastWrite(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("last write wins, deletes shadow older puts", prop.ForAll(
		func(dels []bool, vals []string) bool {
			db := newPropertyTestDB(t)
			ctx := context.Background()
			key := []byte("model-key")

			n := len(dels)
			if len(vals) < n {
				n = len(vals)
			}

			var modelVal string
			var modelPresent bool
			for i := 0; i < n; i++ {
				if dels[i] {
					if err := db.Delete(ctx, key, &WriteOptions{}); err != nil {
						return false
					}
					modelPresent = false
				} else {
					if err := db.Put(ctx, key, []byte(vals[i]), &WriteOptions{}); err != nil {
						return false
					}
					modelVal = vals[i]
					modelPresent = true
				}
			}

			val, ok, err := db.Get(ctx, key, &ReadOptions{})
			if err != nil {
				return false
			}
			if ok != modelPresent {
				return false
			}
			if ok && string(val) != modelVal {
				return false
			}
			return true
		},
		gen.SliceOfN(30, gen.Bool()),
		gen.SliceOfN(30, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestSequenceIsStrictlyMonotonic guards I1: every mutation, however it is
// batched, must observe a strictly larger sequence than every mutation
// before it. The test goes through the DB interface rather than reading
// db.seq; snapshots expose the sequence.
func TestSequenceIsStrictlyMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot sequence strictly increases across writes", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			db := newPropertyTestDB(t)
			ctx := context.Background()

			var lastSeq uint64
			for i := 0; i < n; i++ {
				k := []byte(fmt.Sprintf("seq-%d", i))
				if err := db.Put(ctx, k, []byte("v"), &WriteOptions{}); err != nil {
					return false
				}
				snap := db.NewSnapshot()
				if i > 0 && snap.Seq <= lastSeq {
					return false
				}
				lastSeq = snap.Seq
				db.ReleaseSnapshot(snap)
			}
			return true
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestBatchAtomicVisibility checks that once Write returns, every put staged
// in the WriteBatch is visible to a following Get. It reads only after the
// write; it does not run readers concurrently with it.
func TestBatchAtomicVisibility(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("every put in a batch is visible once Write returns", prop.ForAll(
		func(n int) bool {
			if n <= 0 {
				return true
			}
			db := newPropertyTestDB(t)
			ctx := context.Background()

			batch := NewWriteBatch()
			for i := 0; i < n; i++ {
				batch.Put([]byte(fmt.Sprintf("batch-%d", i)), []byte("v"))
			}
			if err := db.Write(ctx, batch, &WriteOptions{}); err != nil {
				return false
			}

			for i := 0; i < n; i++ {
				_, ok, err := db.Get(ctx, []byte(fmt.Sprintf("batch-%d", i)), &ReadOptions{})
				if err != nil || !ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
