package lsm

import (
	"context"
	"fmt"
	"testing"
)

func testOptions(dir string) Options {
	opts := DefaultOptions(dir)
	opts.Logger = discardLogger()
	return opts
}

func TestBasicPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()

	if err := db.Put(ctx, []byte("k1"), []byte("v1"), &WriteOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	val, ok, err := db.Get(ctx, []byte("k1"), &ReadOptions{})
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("get mismatch: ok=%v err=%v val=%q", ok, err, string(val))
	}

	if err := db.Delete(ctx, []byte("k1"), &WriteOptions{}); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, ok, _ := db.Get(ctx, []byte("k1"), &ReadOptions{}); ok {
		t.Fatalf("expected tombstone not found")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.Put(ctx, []byte("k"), []byte("v1"), &WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	snap := db.NewSnapshot()
	if err := db.Put(ctx, []byte("k"), []byte("v2"), &WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete(ctx, []byte("k"), &WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	val, ok, err := db.Get(ctx, []byte("k"), &ReadOptions{Snapshot: snap})
	if err != nil || !ok || string(val) != "v1" {
		t.Fatalf("snapshot read = (%q,%v,%v), want (v1,true,nil)", val, ok, err)
	}
	if _, ok, _ := db.Get(ctx, []byte("k"), &ReadOptions{}); ok {
		t.Fatalf("current read should see the tombstone")
	}
	db.ReleaseSnapshot(snap)
}

func TestRotationFlushesAndSurvivesSearchingSortedRuns(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 256
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%04d", i))
		if err := db.Put(ctx, k, v, &WriteOptions{}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	stats := db.Stats()
	if stats.SortedRunCount == 0 {
		t.Fatalf("expected at least one sorted run after exceeding MemTableLimitBytes repeatedly")
	}

	for i := 0; i < 200; i += 37 {
		k := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("value-%04d", i)
		val, ok, err := db.Get(ctx, k, &ReadOptions{})
		if err != nil || !ok || string(val) != want {
			t.Fatalf("Get(%s) = (%q,%v,%v), want (%s,true,nil)", k, val, ok, err, want)
		}
	}
}

func TestTombstoneInSortedRunShadowsOlderValue(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 128
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := db.Put(ctx, []byte("k"), []byte("v1"), &WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	// Pad past the rotation threshold so "k" lands in a level-0 sorted run.
	for i := 0; i < 20; i++ {
		if err := db.Put(ctx, []byte(fmt.Sprintf("pad-%03d", i)), []byte("padding-value"), &WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := db.Delete(ctx, []byte("k"), &WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := db.Get(ctx, []byte("k"), &ReadOptions{}); err != nil || ok {
		t.Fatalf("Get(k) after delete = (_,%v,%v), want (false,nil) even though an older sorted run has a live value", ok, err)
	}
}

func TestIteratorPrefixAndOrdering(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 128
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("ns1-%03d", i))
		if err := db.Put(ctx, k, []byte("v"), &WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("ns2-%03d", i))
		if err := db.Put(ctx, k, []byte("v"), &WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	it := db.NewIterator(&ReadOptions{Prefix: []byte("ns1-")})
	defer it.Close()

	var prev []byte
	count := 0
	for it.First(); it.Valid(); it.Next() {
		if prev != nil && string(it.Key()) <= string(prev) {
			t.Fatalf("iterator not strictly ascending: %q then %q", prev, it.Key())
		}
		prev = append([]byte(nil), it.Key()...)
		count++
	}
	if count != 50 {
		t.Fatalf("prefix scan returned %d keys, want 50", count)
	}
}

func TestCompactLevelMergesLevelZero(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 128
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	for round := 0; round < 4; round++ {
		for i := 0; i < 10; i++ {
			k := []byte(fmt.Sprintf("k-%02d", i))
			v := []byte(fmt.Sprintf("round-%d", round))
			if err := db.Put(ctx, k, v, &WriteOptions{}); err != nil {
				t.Fatal(err)
			}
		}
		if err := db.Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}

	before := db.Stats()
	if before.SortedRunCount < 2 {
		t.Fatalf("expected multiple level-0 runs before compaction, got %d", before.SortedRunCount)
	}

	if err := db.CompactLevel(ctx, 0); err != nil {
		t.Fatal(err)
	}

	val, ok, err := db.Get(ctx, []byte("k-03"), &ReadOptions{})
	if err != nil || !ok || string(val) != "round-3" {
		t.Fatalf("Get(k-03) after compaction = (%q,%v,%v), want (round-3,true,nil)", val, ok, err)
	}
}

func TestReopenRecoversFromJournalAndManifest(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemTableLimitBytes = 128
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		k := []byte(fmt.Sprintf("r-%03d", i))
		if err := db.Put(ctx, k, []byte("v"), &WriteOptions{Sync: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Delete(ctx, []byte("r-000"), &WriteOptions{Sync: true}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	if _, ok, err := db2.Get(ctx, []byte("r-000"), &ReadOptions{}); err != nil || ok {
		t.Fatalf("r-000 should stay deleted across reopen: ok=%v err=%v", ok, err)
	}
	val, ok, err := db2.Get(ctx, []byte("r-029"), &ReadOptions{})
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("Get(r-029) after reopen = (%q,%v,%v), want (v,true,nil)", val, ok, err)
	}
}

func BenchmarkPut(b *testing.B) {
	dir := b.TempDir()
	opts := testOptions(dir)
	opts.FsyncPolicy = "none"
	db, err := Open(opts)
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	val := []byte("value-xxxxxxxx")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i))
		if err := db.Put(ctx, key, val, &WriteOptions{Sync: false}); err != nil {
			b.Fatal(err)
		}
	}
}
