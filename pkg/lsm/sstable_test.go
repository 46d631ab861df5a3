package lsm

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestTableWriterBasicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.sst")
	tw, err := NewTableWriter(path, 64)
	if err != nil {
		t.Fatalf("NewTableWriter: %v", err)
	}

	entries := []struct {
		k InternalKey
		v []byte
	}{
		{InternalKey{UserKey: []byte("a"), Seq: 5, Kind: KindPut}, []byte("va5")},
		{InternalKey{UserKey: []byte("b"), Seq: 7, Kind: KindPut}, []byte("vb7")},
		{InternalKey{UserKey: []byte("c"), Seq: 2, Kind: KindDel}, nil},
	}
	for _, e := range entries {
		if err := tw.Add(e.k, e.v); err != nil {
			t.Fatalf("Add(%v): %v", e.k, err)
		}
	}

	footer, err := tw.Finish(10)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if footer.Magic != sstMagic {
		t.Fatalf("footer magic = %x, want %x", footer.Magic, sstMagic)
	}
	if footer.EntryCount != uint64(len(entries)) {
		t.Fatalf("footer EntryCount = %d, want %d", footer.EntryCount, len(entries))
	}

	tr, err := OpenTable(path)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tr.Close()

	if !bytes.Equal(tr.SmallestKey(), []byte("a")) {
		t.Fatalf("SmallestKey = %q, want %q", tr.SmallestKey(), "a")
	}
	if !bytes.Equal(tr.LargestKey(), []byte("c")) {
		t.Fatalf("LargestKey = %q, want %q", tr.LargestKey(), "c")
	}

	val, ok, err := tr.Get([]byte("a"), 10)
	if err != nil || !ok || !bytes.Equal(val, []byte("va5")) {
		t.Fatalf("Get(a,10) = (%q,%v,%v), want (va5,true,nil)", val, ok, err)
	}
	val, ok, err = tr.Get([]byte("a"), 1)
	if err != nil || ok || val != nil {
		t.Fatalf("Get(a,1) = (%q,%v,%v), want (nil,false,nil) — version not visible yet", val, ok, err)
	}
	_, ok, err = tr.Get([]byte("c"), 10)
	if err != nil || ok {
		t.Fatalf("Get(c,10) = (_,%v,%v), want (false,nil) — c is a tombstone", ok, err)
	}
	_, ok, err = tr.Get([]byte("zzz"), 10)
	if err != nil || ok {
		t.Fatalf("Get(zzz,10) = (_,%v,%v), want (false,nil) — absent key", ok, err)
	}
}

func TestTableWriterRejectsOutOfOrderKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.sst")
	tw, err := NewTableWriter(path, defaultBlockSize)
	if err != nil {
		t.Fatalf("NewTableWriter: %v", err)
	}
	defer tw.Abandon()

	if err := tw.Add(InternalKey{UserKey: []byte("b"), Seq: 1, Kind: KindPut}, []byte("vb")); err != nil {
		t.Fatalf("Add(b): %v", err)
	}
	if err := tw.Add(InternalKey{UserKey: []byte("a"), Seq: 1, Kind: KindPut}, []byte("va")); err == nil {
		t.Fatalf("Add(a) after b should reject non-increasing user-key order")
	}
}

func TestTableIterCrossBlockOrderAndSeek(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.sst")
	tw, err := NewTableWriter(path, 48) // small block size forces many blocks
	if err != nil {
		t.Fatalf("NewTableWriter: %v", err)
	}

	var keys []string
	for _, root := range []string{"a", "b", "c", "d", "e"} {
		keys = append(keys, root)
	}
	for i, k := range keys {
		if err := tw.Add(InternalKey{UserKey: []byte(k), Seq: uint64(i + 1), Kind: KindPut}, []byte("v-"+k)); err != nil {
			t.Fatalf("Add(%s): %v", k, err)
		}
	}
	if _, err := tw.Finish(10); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tr, err := OpenTable(path)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tr.Close()

	it := tr.NewInternalIterator()
	defer it.Close()
	it.First()
	var seen []string
	for it.Valid() {
		seen = append(seen, string(it.InternalKey().UserKey))
		it.Next()
	}
	if len(seen) != len(keys) {
		t.Fatalf("iterator produced %d keys, want %d (%v)", len(seen), len(keys), seen)
	}
	for i, k := range keys {
		if seen[i] != k {
			t.Fatalf("seen[%d] = %q, want %q", i, seen[i], k)
		}
	}

	it.SeekInternal(InternalKey{UserKey: []byte("c"), Seq: ^uint64(0)})
	if !it.Valid() || string(it.InternalKey().UserKey) != "c" {
		t.Fatalf("SeekInternal(c) landed on %q, want c", it.InternalKey().UserKey)
	}
}

func TestTableReaderOverlapsAndContains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.sst")
	tw, err := NewTableWriter(path, defaultBlockSize)
	if err != nil {
		t.Fatalf("NewTableWriter: %v", err)
	}
	for i, k := range []string{"d", "m", "t"} {
		if err := tw.Add(InternalKey{UserKey: []byte(k), Seq: uint64(i + 1), Kind: KindPut}, []byte("v")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := tw.Finish(10); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	tr, err := OpenTable(path)
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	defer tr.Close()

	if !tr.Overlaps([]byte("a"), []byte("e")) {
		t.Fatalf("expected overlap with [a,e]")
	}
	if tr.Overlaps([]byte("u"), nil) {
		t.Fatalf("did not expect overlap with [u,+inf)")
	}
	if !tr.Contains([]byte("m")) {
		t.Fatalf("filter should MayContain m")
	}
}
