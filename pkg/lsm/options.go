package lsm

import (
	"io"
	"log"
)

// Options configures Open. Field names track spec §6's engine open() options
// one-to-one; DefaultOptions fills in the values spec.md gives as defaults
// (kLevel0CompactionTrigger, kMaxLevels, kLevelSizeMultiplier) or that the
// teacher's original Options already picked (block size, filter bits).
type Options struct {
	Dir string // db-path

	CreateIfMissing bool
	ErrorIfExists   bool

	MemTableLimitBytes int

	EnableJournal     bool
	SyncWritesDefault bool
	WALRollSize       int64
	FsyncPolicy       string // "always"|"every_sec"|"none"

	BlockSizeBytes  int
	BloomBitsPerKey int

	Level0CompactionTrigger int
	MaxLevels               int
	LevelSizeMultiplier     int

	// Logger receives operational messages (flush/compaction failures,
	// recovery notices). Defaults to log.Default() when nil, following the
	// teacher's pattern of an injectable *log.Logger rather than a global.
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults; callers typically start from
// this and override Dir plus whatever else they care about.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                     dir,
		CreateIfMissing:         true,
		EnableJournal:           true,
		WALRollSize:             0,
		FsyncPolicy:             "none",
		MemTableLimitBytes:      4 << 20,
		BlockSizeBytes:          defaultBlockSize,
		BloomBitsPerKey:         defaultBitsPerKey,
		Level0CompactionTrigger: kLevel0CompactionTrigger,
		MaxLevels:               kMaxLevels,
		LevelSizeMultiplier:     kLevelSizeMultiplier,
	}
}

func (o *Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// discardLogger silences engine chatter in tests that don't care about it.
func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// ReadOptions configures Get/NewIterator (spec §6's read-opts).
type ReadOptions struct {
	Snapshot        *Snapshot
	VerifyChecksums bool
	Prefix          []byte // supplemental: restricts NewIterator to a key prefix
}

// WriteOptions configures Put/Delete/Write (spec §6's write-opts).
type WriteOptions struct {
	Sync           bool
	DisableJournal bool
}

// Snapshot pins a sequence number for repeatable reads. Sequence numbers are
// never reused, so a Snapshot value remains meaningful indefinitely; see
// SPEC_FULL.md §4 on why ReleaseSnapshot is a no-op.
type Snapshot struct{ Seq uint64 }

// Stats mirrors spec §6's stats() operation.
type Stats struct {
	Entries        int64
	MemTableBytes  int64
	SortedRunCount int
	OnDiskBytes    uint64
	Reads          uint64
	Writes         uint64
	Deletes        uint64
	CacheHits      uint64
	CacheMisses    uint64
	CurrentSeq     uint64
}
