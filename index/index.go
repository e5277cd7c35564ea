// Package index implements the fixed-size, open-addressed hash index
// of spec.md §4.2: digest -> (segment, offset) with linear probing and
// a bounded probe limit. It replaces the teacher's shardedIndex
// (hashindex/shard.go), which used a Go map per shard with no fixed
// capacity; here the table size is a fixed, create-time prime and
// slots are stored inline (no pointers), per spec.md §3's "Hash entry
// ... Entries are stored inline in bucket slots".
package index

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/digest"
)

// ProbeLimit bounds linear probing; a write that cannot find a
// matching or empty slot within this many probes fails with
// common.ErrTableFull rather than silently overwriting, per
// spec.md §4.2 and the boundary behavior in §8.
const ProbeLimit = 64

// numStripes is the number of contiguous bucket-group mutexes the
// table is striped over (spec.md §5's "striped lock, e.g. 256 stripes
// over bucket index").
const numStripes = 256

// EntryRecordSize is the fixed on-disk/in-memory encoding of one slot:
// digest(20) + segmentID(4) + offset(4) + length(4) + recordSize(4) + timestamp(8).
const EntryRecordSize = digest.Size + 4 + 4 + 4 + 4 + 8

const entryRecordSize = EntryRecordSize

// OnDiskSize returns the total encoded size (including trailing CRC32)
// of a table with tableSize slots.
func OnDiskSize(tableSize uint32) int64 {
	return int64(tableSize)*EntryRecordSize + 4
}

// Entry is one hash-table slot. RecordSize (header+key+value, the
// whole on-disk footprint) is kept alongside Length (the value length
// spec.md §3 names) because GC's death-byte accounting needs the
// whole record's size, not just the value portion.
type Entry struct {
	Digest     digest.Digest
	SegmentID  uint32
	Offset     uint32
	Length     uint32
	RecordSize uint32
	Timestamp  int64
}

func (e Entry) empty() bool { return e.Digest.IsZero() }

// DeathNotifier is called whenever Update reconciles a write or delete
// against a previously-live entry, so the segment manager can track
// death bytes without a per-entry scan (spec.md §4.1 ModifyDeathEntry).
type DeathNotifier func(segmentID uint32, recordSize uint32)

// Index is the fixed-capacity open-addressed hash table.
type Index struct {
	tableSize uint32
	slots     []Entry

	stripes [numStripes]sync.Mutex

	elements   atomic.Int64
	tombstones atomic.Int64

	onDeath DeathNotifier
	dev     blockdev.Device
}

// New constructs an empty table of exactly tableSize slots. Callers
// are expected to have already rounded tableSize up to the next prime
// at create time (spec.md §3).
func New(tableSize uint32, dev blockdev.Device, onDeath DeathNotifier) *Index {
	return &Index{
		tableSize: tableSize,
		slots:     make([]Entry, tableSize),
		onDeath:   onDeath,
		dev:       dev,
	}
}

func (ix *Index) bucketFor(d digest.Digest) uint32 {
	h := binary.BigEndian.Uint64(d[:8])
	return uint32(h % uint64(ix.tableSize))
}

func (ix *Index) stripeFor(bucket uint32) uint32 {
	groupSize := (ix.tableSize + numStripes - 1) / numStripes
	if groupSize == 0 {
		groupSize = 1
	}
	return (bucket / groupSize) % numStripes
}

// lockProbeWindow locks every distinct stripe a probe sequence
// starting at bucket may touch, in ascending stripe order, satisfying
// the fixed lock-order rule of spec.md §5. It returns the unlock func.
func (ix *Index) lockProbeWindow(bucket uint32) func() {
	touched := make(map[uint32]struct{})
	for i := uint32(0); i < ProbeLimit; i++ {
		b := (bucket + i) % ix.tableSize
		touched[ix.stripeFor(b)] = struct{}{}
	}
	ordered := make([]uint32, 0, len(touched))
	for s := range touched {
		ordered = append(ordered, s)
	}
	sortUint32(ordered)
	for _, s := range ordered {
		ix.stripes[s].Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ix.stripes[ordered[i]].Unlock()
		}
	}
}

func sortUint32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Update performs the probe/insert/stale/tombstone reconciliation of
// spec.md §4.2 and returns the resulting op type.
func (ix *Index) Update(e Entry) (common.OpType, error) {
	bucket := ix.bucketFor(e.Digest)
	unlock := ix.lockProbeWindow(bucket)
	defer unlock()

	for i := uint32(0); i < ProbeLimit; i++ {
		idx := (bucket + i) % ix.tableSize
		cur := ix.slots[idx]

		if cur.empty() {
			if e.Length == 0 {
				return common.NOOP, nil
			}
			if err := ix.checkLoadFactorLocked(); err != nil {
				return 0, err
			}
			ix.slots[idx] = e
			ix.elements.Add(1)
			return common.INSERT, nil
		}

		if cur.Digest == e.Digest {
			if e.Timestamp <= cur.Timestamp {
				return 0, errors.WithStack(common.ErrStale)
			}
			if e.Length == 0 {
				if cur.Length == 0 {
					// Already a tombstone: deleting a deleted key is a
					// no-op, not a second live->tombstone transition.
					// Leave the slot and counters untouched.
					return common.NOOP, nil
				}
				if ix.onDeath != nil {
					ix.onDeath(cur.SegmentID, cur.RecordSize)
				}
				ix.slots[idx] = e
				ix.tombstones.Add(1)
				ix.elements.Add(-1)
				return common.DELETE, nil
			}
			if ix.onDeath != nil {
				ix.onDeath(cur.SegmentID, cur.RecordSize)
			}
			wasTombstone := cur.Length == 0
			ix.slots[idx] = e
			if wasTombstone {
				ix.elements.Add(1)
				ix.tombstones.Add(-1)
			}
			return common.UPDATE, nil
		}
	}
	return 0, errors.WithStack(common.ErrTableFull)
}

// checkLoadFactorLocked enforces elements+tombstones <= 0.9*tableSize
// before a fresh INSERT claims a new slot (spec.md §3 invariant).
// Caller must already hold the relevant stripe locks.
func (ix *Index) checkLoadFactorLocked() error {
	if float64(ix.elements.Load()+ix.tombstones.Load()+1) > 0.9*float64(ix.tableSize) {
		return errors.Wrap(common.ErrTableFull, "load factor bound exceeded")
	}
	return nil
}

// Get probes for digest d and reports (entry, true) only for a live
// (non-tombstone) match.
func (ix *Index) Get(d digest.Digest) (Entry, bool) {
	bucket := ix.bucketFor(d)
	unlock := ix.lockProbeWindow(bucket)
	defer unlock()

	for i := uint32(0); i < ProbeLimit; i++ {
		idx := (bucket + i) % ix.tableSize
		cur := ix.slots[idx]
		if cur.empty() {
			return Entry{}, false
		}
		if cur.Digest == d {
			if cur.Length == 0 {
				return Entry{}, false
			}
			return cur, true
		}
	}
	return Entry{}, false
}

// CompareAndRelocate atomically re-points digest d's entry from
// (oldSeg, oldOffset) to (newSeg, newOffset), used by GC when moving a
// live record into a freshly allocated destination segment. It returns
// false (without error) if the entry no longer matches the expected
// source location — the record was superseded by a concurrent writer
// and must be skipped, per spec.md §4.5's CAS semantics.
func (ix *Index) CompareAndRelocate(d digest.Digest, oldSeg, oldOffset, newSeg, newOffset uint32) bool {
	bucket := ix.bucketFor(d)
	unlock := ix.lockProbeWindow(bucket)
	defer unlock()

	for i := uint32(0); i < ProbeLimit; i++ {
		idx := (bucket + i) % ix.tableSize
		cur := ix.slots[idx]
		if cur.empty() {
			return false
		}
		if cur.Digest == d {
			if cur.Length == 0 || cur.SegmentID != oldSeg || cur.Offset != oldOffset {
				return false
			}
			cur.SegmentID = newSeg
			cur.Offset = newOffset
			ix.slots[idx] = cur
			return true
		}
	}
	return false
}

// Counts returns the current (elements, tombstones) pair.
func (ix *Index) Counts() (int64, int64) {
	return ix.elements.Load(), ix.tombstones.Load()
}

// Size returns the fixed table capacity.
func (ix *Index) Size() uint32 { return ix.tableSize }

// Persist writes the whole table as a contiguous blob with a trailing
// CRC32 at offset, per spec.md §4.2 "Persistence".
func (ix *Index) Persist(offset int64) error {
	buf := make([]byte, len(ix.slots)*entryRecordSize)
	for i, e := range ix.slots {
		b := buf[i*entryRecordSize:]
		copy(b[0:digest.Size], e.Digest[:])
		o := digest.Size
		binary.LittleEndian.PutUint32(b[o:o+4], e.SegmentID)
		binary.LittleEndian.PutUint32(b[o+4:o+8], e.Offset)
		binary.LittleEndian.PutUint32(b[o+8:o+12], e.Length)
		binary.LittleEndian.PutUint32(b[o+12:o+16], e.RecordSize)
		binary.LittleEndian.PutUint64(b[o+16:o+24], uint64(e.Timestamp))
	}
	crc := crc32.ChecksumIEEE(buf)
	full := append(buf, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(full[len(buf):], crc)

	if _, err := ix.dev.WriteAt(full, offset); err != nil {
		return errors.Wrap(err, "index: persist")
	}
	return nil
}

// Load reads the table back from offset. A CRC mismatch returns
// common.ErrCorrupt, signaling the caller to fall back to
// segment-scan recovery (spec.md §4.2, §7).
func (ix *Index) Load(offset int64) error {
	size := int(ix.tableSize)*entryRecordSize + 4
	full := make([]byte, size)
	if _, err := ix.dev.ReadAt(full, offset); err != nil {
		return errors.Wrap(err, "index: load")
	}
	body := full[:len(full)-4]
	storedCRC := binary.LittleEndian.Uint32(full[len(full)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return errors.Wrap(common.ErrCorrupt, "index checksum mismatch")
	}

	slots := make([]Entry, ix.tableSize)
	var elements, tombstones int64
	for i := range slots {
		b := body[i*entryRecordSize:]
		var e Entry
		copy(e.Digest[:], b[0:digest.Size])
		o := digest.Size
		e.SegmentID = binary.LittleEndian.Uint32(b[o : o+4])
		e.Offset = binary.LittleEndian.Uint32(b[o+4 : o+8])
		e.Length = binary.LittleEndian.Uint32(b[o+8 : o+12])
		e.RecordSize = binary.LittleEndian.Uint32(b[o+12 : o+16])
		e.Timestamp = int64(binary.LittleEndian.Uint64(b[o+16 : o+24]))
		slots[i] = e
		if !e.empty() {
			if e.Length == 0 {
				tombstones++
			} else {
				elements++
			}
		}
	}
	ix.slots = slots
	ix.elements.Store(elements)
	ix.tombstones.Store(tombstones)
	return nil
}

// RebuildFromScan replaces the table wholesale with entries recovered
// by replaying every Used segment's records (segment-scan recovery).
// Entries must already reflect "last write wins by timestamp".
func (ix *Index) RebuildFromScan(entries []Entry) {
	slots := make([]Entry, ix.tableSize)
	var elements, tombstones int64
	for _, e := range entries {
		bucket := ix.bucketFor(e.Digest)
		placed := false
		for i := uint32(0); i < ProbeLimit; i++ {
			idx := (bucket + i) % ix.tableSize
			if slots[idx].empty() {
				slots[idx] = e
				placed = true
				break
			}
		}
		if !placed {
			continue
		}
		if e.Length == 0 {
			tombstones++
		} else {
			elements++
		}
	}
	ix.slots = slots
	ix.elements.Store(elements)
	ix.tombstones.Store(tombstones)
}
