package lsm

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DB is the engine facade (spec §4.11, §6): the one type application code
// talks to. Everything else in this package — the mutable/immutable tables,
// the journal, sorted runs, the version set, the compactor — is wired
// together here.
type DB interface {
	Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, bool, error)
	Put(ctx context.Context, key, value []byte, wo *WriteOptions) error
	Delete(ctx context.Context, key []byte, wo *WriteOptions) error
	Write(ctx context.Context, batch *WriteBatch, wo *WriteOptions) error

	NewIterator(ro *ReadOptions) Iterator

	Flush(ctx context.Context) error
	CompactLevel(ctx context.Context, level int) error

	NewSnapshot() *Snapshot
	ReleaseSnapshot(*Snapshot)

	Stats() Stats
	Close() error
}

// dbImpl implements DB. writeMu serializes writers end to end (spec §4.4:
// a single logical writer at a time); tablesMu guards which concrete mem/imm
// table pointers are current. Readers hold it only to copy those pointers;
// Write holds it exclusively while it inserts a batch, so a reader fetching
// the pointers at that moment waits until the batch is in the table.
type dbImpl struct {
	dir    string
	opts   Options
	logger *log.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	tablesMu sync.RWMutex
	mem      *memTable
	imm      ImmutableMemTable

	vs  *VersionSet
	wal *Wal

	compactor *compactor
	group     *errgroup.Group
	cancel    context.CancelFunc

	reads   atomic.Uint64
	writes  atomic.Uint64
	deletes atomic.Uint64

	closed atomic.Bool
}

// Open creates or reopens a store at opts.Dir (spec §4.11's open() sequence):
// ensure the directory, load the manifest, replay journal epochs newer than
// it into the mutable table, clean up sorted-run files the manifest no
// longer tracks, open a fresh journal epoch, and start the background
// compactor.
func Open(opts Options) (DB, error) {
	if opts.Dir == "" {
		return nil, errInvalidArg("Options.Dir is required")
	}
	logger := opts.logger()

	info, statErr := os.Stat(opts.Dir)
	switch {
	case statErr == nil:
		if !info.IsDir() {
			return nil, errInvalidArg("Options.Dir exists and is not a directory")
		}
		if opts.ErrorIfExists {
			if _, err := os.Stat(filepath.Join(opts.Dir, manifestFileName)); err == nil {
				return nil, errAlreadyExists("engine directory already holds a store")
			}
		}
	case os.IsNotExist(statErr):
		if !opts.CreateIfMissing {
			return nil, errNotFound("engine directory does not exist")
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, errIO("create engine directory", err)
		}
	default:
		return nil, errIO("stat engine directory", statErr)
	}

	vs := NewVersionSet(opts.Dir, opts)
	if err := vs.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	db := &dbImpl{
		dir:    opts.Dir,
		opts:   opts,
		logger: logger,
		mem:    newMemTable(),
		vs:     vs,
	}

	epochs, err := ListEpochs(opts.Dir)
	if err != nil {
		return nil, err
	}
	apply := func(rec *WalRecord) error {
		switch rec.Kind {
		case KindPut:
			return db.mem.Put(rec.Key, rec.Value, rec.Seq)
		case KindDel:
			return db.mem.Delete(rec.Key, rec.Seq)
		default:
			return errCorruption("unrecognized journal record kind", nil)
		}
	}
	var maxSeq uint64
	for _, epochSeq := range epochs {
		// An epoch's filename is the sequence counter's value at the moment
		// it was created (spec §4.5): even an epoch left empty by a flush
		// that emptied it still proves the counter had reached that value,
		// so it's a floor on recovery independent of what replay finds.
		if epochSeq > maxSeq {
			maxSeq = epochSeq
		}
		path := filepath.Join(opts.Dir, walFileName(epochSeq))
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, errIO("open journal epoch for replay", err)
		}
		epochMax, replayErr := ReplayFile(f, apply)
		_ = f.Close()
		if replayErr != nil {
			return nil, replayErr
		}
		if epochMax > maxSeq {
			maxSeq = epochMax
		}
	}
	db.seq.Store(maxSeq)

	if err := cleanupOrphanedSortedRuns(opts.Dir, vs); err != nil {
		logger.Printf("orphaned sorted-run cleanup: %v", err)
	}

	if opts.EnableJournal {
		w, err := OpenWAL(WalOptions{
			Dir:         opts.Dir,
			Seq:         db.seq.Load(),
			RollSize:    opts.WALRollSize,
			FsyncPolicy: opts.FsyncPolicy,
		})
		if err != nil {
			return nil, err
		}
		db.wal = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	db.cancel = cancel
	db.group = group
	db.compactor = newCompactor(opts.Dir, vs, opts, logger)
	group.Go(func() error { return db.compactor.Run(gctx) })

	return db, nil
}

// cleanupOrphanedSortedRuns removes *.sst files the manifest does not
// reference — the only place such a file can come from is a crash between
// writing a sorted run and persisting the manifest entry that names it
// (spec §9), so it's safe to discard, never to adopt.
func cleanupOrphanedSortedRuns(dir string, vs *VersionSet) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	tracked := make(map[string]bool)
	for _, m := range vs.AllFiles() {
		tracked[filepath.Base(m.Path)] = true
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sst") || tracked[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Put stages a single insert-or-overwrite through Write.
func (db *dbImpl) Put(ctx context.Context, key, value []byte, wo *WriteOptions) error {
	b := NewWriteBatch()
	b.Put(key, value)
	return db.Write(ctx, b, wo)
}

// Delete stages a single tombstone through Write.
func (db *dbImpl) Delete(ctx context.Context, key []byte, wo *WriteOptions) error {
	b := NewWriteBatch()
	b.Delete(key)
	return db.Write(ctx, b, wo)
}

// Write applies a batch atomically: consecutive sequence numbers, journaled
// together, inserted into the mutable table in order, one optional sync
// covering the whole group, then a rotation check (spec §4.11's write-path
// steps generalized from one mutation to many).
func (db *dbImpl) Write(ctx context.Context, batch *WriteBatch, wo *WriteOptions) error {
	if db.closed.Load() {
		return errInvalidArg("engine is closed")
	}
	if batch == nil || batch.Len() == 0 {
		return nil
	}
	if wo == nil {
		wo = &WriteOptions{}
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	n := uint64(batch.Len())
	baseSeq := db.seq.Add(n) - n + 1

	if db.wal != nil && db.opts.EnableJournal && !wo.DisableJournal {
		for i, op := range batch.ops {
			rec := &WalRecord{Seq: baseSeq + uint64(i), Kind: op.kind, Key: op.key, Value: op.value}
			if err := db.wal.Append(rec, false); err != nil {
				return err
			}
		}
		if wo.Sync || db.opts.SyncWritesDefault {
			if err := db.wal.Sync(); err != nil {
				return err
			}
		}
	}

	db.tablesMu.Lock()
	for i, op := range batch.ops {
		seq := baseSeq + uint64(i)
		var err error
		switch op.kind {
		case KindPut:
			err = db.mem.Put(op.key, op.value, seq)
			db.writes.Add(1)
		case KindDel:
			err = db.mem.Delete(op.key, seq)
			db.deletes.Add(1)
		}
		if err != nil {
			db.tablesMu.Unlock()
			return err
		}
	}
	shouldRotate := db.opts.MemTableLimitBytes > 0 && db.mem.ApproxSize() >= int64(db.opts.MemTableLimitBytes)
	db.tablesMu.Unlock()

	if shouldRotate {
		return db.rotate()
	}
	return nil
}

// rotate freezes the active table, opens a new journal epoch, flushes the
// frozen table to a level-0 sorted run, and trims journal epochs the new run
// now covers. Called with writeMu held.
func (db *dbImpl) rotate() error {
	db.tablesMu.Lock()
	if db.mem.NumEntries() == 0 {
		db.tablesMu.Unlock()
		return nil
	}
	imm, err := db.mem.Freeze()
	if err != nil {
		db.tablesMu.Unlock()
		return err
	}
	db.imm = imm
	db.mem = newMemTable()
	db.tablesMu.Unlock()

	newSeq := db.seq.Load()
	if db.opts.EnableJournal {
		oldWal := db.wal
		newWal, err := OpenWAL(WalOptions{
			Dir:         db.dir,
			Seq:         newSeq,
			RollSize:    db.opts.WALRollSize,
			FsyncPolicy: db.opts.FsyncPolicy,
		})
		if err != nil {
			return err
		}
		db.wal = newWal
		if oldWal != nil {
			if err := oldWal.Close(); err != nil {
				db.logger.Printf("close retired journal epoch: %v", err)
			}
		}
	}

	if err := db.flushImmutable(); err != nil {
		return err
	}

	if db.opts.EnableJournal {
		if err := DeleteEpochsBelow(db.dir, newSeq); err != nil {
			db.logger.Printf("delete stale journal epochs: %v", err)
		}
	}

	db.compactor.Nudge()
	return nil
}

// flushImmutable writes the current immutable table out as a new level-0
// sorted run and publishes it to the version set (spec §4.6/§4.9).
func (db *dbImpl) flushImmutable() error {
	db.tablesMu.RLock()
	imm := db.imm
	db.tablesMu.RUnlock()
	if imm == nil {
		return nil
	}

	fileNumber := db.vs.NextFileNumber()
	path := sstablePath(db.dir, fileNumber)
	tw, err := NewTableWriter(path, db.opts.BlockSizeBytes)
	if err != nil {
		return err
	}

	// The merging iterator keeps only the newest version of each user key,
	// which is what tableWriter.Add accepts.
	it := newMergingIterator(imm.NewInternalIterator())
	defer it.Close()
	it.First()
	for it.Valid() {
		if err := tw.Add(it.InternalKey(), it.Value()); err != nil {
			_ = tw.Abandon()
			return err
		}
		it.Next()
	}
	footer, err := tw.Finish(db.opts.BloomBitsPerKey)
	if err != nil {
		_ = tw.Abandon()
		return err
	}

	meta := &FileMetaData{
		FileNumber: fileNumber,
		FileSize:   sortedRunSize(footer),
		Smallest:   tw.SmallestKey(),
		Largest:    tw.LargestKey(),
		EntryCount: tw.EntryCount(),
		Path:       path,
	}
	db.vs.AddFile(0, meta)
	if err := db.vs.Persist(); err != nil {
		return err
	}

	db.tablesMu.Lock()
	db.imm = nil
	db.tablesMu.Unlock()
	return nil
}

// Flush forces the active mutable table to rotate and land as a sorted run,
// even if it hasn't hit MemTableLimitBytes yet (spec §6's flush()).
func (db *dbImpl) Flush(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.rotate()
}

// CompactLevel runs the compactor synchronously. A negative level defers to
// the normal trigger-based picker; a non-negative level is compacted
// unconditionally, regardless of whether it has crossed its trigger (spec
// §6's compact-level(level?)).
func (db *dbImpl) CompactLevel(ctx context.Context, level int) error {
	if level < 0 {
		return db.compactor.maybeCompact()
	}
	return db.compactor.compactLevel(level)
}

// Get resolves the newest version of key visible at ro's snapshot (or the
// current sequence if none given), searching the mutable table, then the
// immutable table, then each level's sorted runs: level 0 newest-file-first,
// deeper levels in the order the version set lists them, whose runs do not
// overlap because compaction merges a level into the whole next level
// (spec §4.11's read-path order, I3). A
// tombstone encountered anywhere in that order is the answer — the key is
// absent — and the search must not continue into older sources looking for a
// stale live value underneath it.
func (db *dbImpl) Get(ctx context.Context, key []byte, ro *ReadOptions) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, errInvalidArg("engine is closed")
	}
	if ro == nil {
		ro = &ReadOptions{}
	}
	seqLimit := db.seq.Load()
	if ro.Snapshot != nil {
		seqLimit = ro.Snapshot.Seq
	}
	db.reads.Add(1)

	db.tablesMu.RLock()
	mem := db.mem
	imm := db.imm
	db.tablesMu.RUnlock()

	if val, found, deleted, err := mem.getInternal(key, seqLimit); err != nil {
		return nil, false, err
	} else if found {
		return val, !deleted, nil
	}

	if imm != nil {
		if val, found, deleted, err := imm.getInternal(key, seqLimit); err != nil {
			return nil, false, err
		} else if found {
			return val, !deleted, nil
		}
	}

	for level := 0; level < db.vs.MaxLevels(); level++ {
		files := db.vs.GetFilesAtLevel(level)
		if level == 0 {
			sort.Slice(files, func(i, j int) bool { return files[i].FileNumber > files[j].FileNumber })
		}
		for _, m := range files {
			if !m.Overlaps(key, key) {
				continue
			}
			tr, err := OpenTable(m.Path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Compaction removed this run after we listed it; its
					// data already lives in a newer run we'll see instead.
					continue
				}
				return nil, false, err
			}
			val, found, deleted, gerr := tr.getInternal(key, seqLimit)
			_ = tr.Close()
			if gerr != nil {
				return nil, false, gerr
			}
			if found {
				return val, !deleted, nil
			}
		}
	}
	return nil, false, nil
}

// NewIterator returns a full-scan iterator over every live source — mutable
// table, immutable table, every open sorted run — merged by C8 and
// deduplicated/snapshot-filtered by C8's dedupIterator. The caller must
// Close the result to release the sorted-run file handles this opens.
func (db *dbImpl) NewIterator(ro *ReadOptions) Iterator {
	if ro == nil {
		ro = &ReadOptions{}
	}
	seqLimit := db.seq.Load()
	if ro.Snapshot != nil {
		seqLimit = ro.Snapshot.Seq
	}

	db.tablesMu.RLock()
	mem := db.mem
	imm := db.imm
	db.tablesMu.RUnlock()

	sources := []InternalIterator{mem.NewInternalIterator()}
	if imm != nil {
		sources = append(sources, imm.NewInternalIterator())
	}

	var readers []*tableReader
	for level := 0; level < db.vs.MaxLevels(); level++ {
		for _, m := range db.vs.GetFilesAtLevel(level) {
			tr, err := OpenTable(m.Path)
			if err != nil {
				// Best-effort: a run removed mid-scan by compaction is
				// skipped; its entries survive in the run it was merged
				// into.
				continue
			}
			readers = append(readers, tr)
			sources = append(sources, tr.NewInternalIterator())
		}
	}

	merged := newMergingIterator(sources...)
	return &closingIterator{
		Iterator: newDedupIterator(merged, seqLimit, ro.Prefix),
		readers:  readers,
	}
}

// closingIterator releases the sorted-run file handles NewIterator opened,
// once the caller is done walking them.
type closingIterator struct {
	Iterator
	readers []*tableReader
}

func (it *closingIterator) Close() error {
	err := it.Iterator.Close()
	for _, tr := range it.readers {
		if cerr := tr.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewSnapshot pins the current sequence number. Sequence numbers are never
// reused, so a Snapshot remains valid indefinitely.
func (db *dbImpl) NewSnapshot() *Snapshot { return &Snapshot{Seq: db.seq.Load()} }

// ReleaseSnapshot is a no-op: nothing in this engine is pinned by a live
// Snapshot (no reference counting, no retained garbage to free). See
// SPEC_FULL.md §4 on snapshot retention.
func (db *dbImpl) ReleaseSnapshot(*Snapshot) {}

// Stats reports a point-in-time snapshot of engine state (spec §6's stats()).
func (db *dbImpl) Stats() Stats {
	db.tablesMu.RLock()
	memBytes := db.mem.ApproxSize()
	entries := db.mem.NumEntries()
	if db.imm != nil {
		memBytes += db.imm.ApproxSize()
		entries += db.imm.NumEntries()
	}
	db.tablesMu.RUnlock()

	var runCount int
	var onDisk uint64
	for level := 0; level < db.vs.MaxLevels(); level++ {
		files := db.vs.GetFilesAtLevel(level)
		runCount += len(files)
		for _, m := range files {
			onDisk += m.FileSize
			entries += int64(m.EntryCount)
		}
	}

	return Stats{
		Entries:        entries,
		MemTableBytes:  memBytes,
		SortedRunCount: runCount,
		OnDiskBytes:    onDisk,
		Reads:          db.reads.Load(),
		Writes:         db.writes.Load(),
		Deletes:        db.deletes.Load(),
		CurrentSeq:     db.seq.Load(),
	}
}

// Close stops the compactor, flushes any unpersisted data, and closes the
// journal. Idempotent.
func (db *dbImpl) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.cancel()
	_ = db.group.Wait()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.rotate(); err != nil {
		db.logger.Printf("flush on close: %v", err)
	}

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.vs.Persist(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
