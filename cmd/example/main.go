package main

import (
	"context"
	"fmt"
	"os"

	"example.com/mini-lsm/pkg/lsm"
)

func main() {
	ctx := context.Background()

	dir := "./data"
	_ = os.RemoveAll(dir)

	opts := lsm.DefaultOptions(dir)
	opts.MemTableLimitBytes = 64 << 10
	opts.FsyncPolicy = "every_sec"
	db, err := lsm.Open(opts)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	for i := 0; i < 2000; i++ {
		k := []byte(fmt.Sprintf("key-%05d", i))
		v := []byte(fmt.Sprintf("value-%05d", i))
		if err := db.Put(ctx, k, v, &lsm.WriteOptions{}); err != nil {
			panic(err)
		}
	}

	snap := db.NewSnapshot()
	defer db.ReleaseSnapshot(snap)

	if err := db.Delete(ctx, []byte("key-00042"), &lsm.WriteOptions{Sync: true}); err != nil {
		panic(err)
	}

	val, ok, err := db.Get(ctx, []byte("key-00042"), &lsm.ReadOptions{})
	if err != nil {
		panic(err)
	}
	fmt.Printf("after delete: Get(key-00042) => ok=%v val=%q\n", ok, val)

	val, ok, err = db.Get(ctx, []byte("key-00042"), &lsm.ReadOptions{Snapshot: snap})
	if err != nil {
		panic(err)
	}
	fmt.Printf("snapshot view: Get(key-00042) => ok=%v val=%q\n", ok, val)

	if err := db.Flush(ctx); err != nil {
		panic(err)
	}
	if err := db.CompactLevel(ctx, -1); err != nil {
		panic(err)
	}

	it := db.NewIterator(&lsm.ReadOptions{Prefix: []byte("key-001")})
	count := 0
	for it.First(); it.Valid(); it.Next() {
		count++
	}
	_ = it.Close()
	fmt.Printf("prefix scan over key-001* => %d entries\n", count)

	stats := db.Stats()
	fmt.Printf("stats: entries=%d sorted-runs=%d on-disk-bytes=%d writes=%d deletes=%d\n",
		stats.Entries, stats.SortedRunCount, stats.OnDiskBytes, stats.Writes, stats.Deletes)
}
