package blockkv

import (
	"github.com/fxtlabs/primes"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/gc"
)

// Config is the set of create-time and runtime options named in
// spec.md §6. HashTableSize, SegmentSize and SegmentCount are fixed at
// Create; Open reads them back from the superblock and ignores the
// values passed in. The other fields are taken from the Config given
// to Create or Open.
type Config struct {
	// HashTableSize is the requested capacity; it is rounded up to the
	// next prime >= the requested value and is then fixed for the life
	// of the database (spec.md §3).
	HashTableSize uint32
	// SegmentSize must be a multiple of the device sector size and at
	// least 4 KiB (spec.md §6).
	SegmentSize uint32
	// SegmentCount is the number of fixed-size segment slots laid out
	// after the meta region.
	SegmentCount uint32
	// GCReserveSegments is the number of slots AllocForGC draws from
	// exclusively (spec.md §4.1).
	GCReserveSegments uint32

	// ExpiredTimeUS bounds how long a sparsely-filled open segment sits
	// before the timeout thread force-rotates it.
	ExpiredTimeUS uint32
	// GCTriggerUtilization is spec.md §6's gc_trigger_utilization; it
	// overrides the background-GC utilization threshold (see
	// DESIGN.md for the mapping onto the three internal gc thresholds).
	GCTriggerUtilization float64
	// GCBackgroundIntervalUS is the background-GC thread's poll period.
	GCBackgroundIntervalUS uint32

	// Logger receives structured logs from every subsystem. A nil
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// DefaultConfig returns sane defaults for a new database, in the shape
// of the teacher's hashindex.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		HashTableSize:          1024,
		SegmentSize:            4 * 1024 * 1024,
		SegmentCount:           64,
		GCReserveSegments:      2,
		ExpiredTimeUS:          5000,
		GCTriggerUtilization:   0.5,
		GCBackgroundIntervalUS: 500_000,
	}
}

// roundedHashTableSize returns the next prime >= requested, using the
// pack's own prime-testing library (github.com/fxtlabs/primes, already
// wired by buildbarn-bb-storage's blob-index sizing code) rather than a
// hand-rolled sieve.
func roundedHashTableSize(requested uint32) uint32 {
	if requested < 3 {
		requested = 3
	}
	n := requested
	for !primes.IsPrime(int(n)) {
		n++
	}
	return n
}

func (c Config) gcConfig() gc.Config {
	cfg := gc.DefaultConfig()
	if c.GCTriggerUtilization > 0 {
		cfg.BackgroundUtilization = c.GCTriggerUtilization
	}
	if c.GCBackgroundIntervalUS > 0 {
		cfg.BackgroundIntervalUS = c.GCBackgroundIntervalUS
	}
	return cfg
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
