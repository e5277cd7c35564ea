package segment

import (
	"encoding/binary"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
)

// State is the per-slot segment-state record of spec.md §3.
type State struct {
	Lifecycle  common.SegmentState
	FreeBytes  uint32
	DeathBytes uint32
	AllocTime  int64
}

// StateRecordSize is the fixed on-disk encoding of one State:
// state(4) + freeBytes(4) + deathBytes(4) + allocTime(8).
const StateRecordSize = 4 + 4 + 4 + 8

const stateRecordSize = StateRecordSize

// StateTableOnDiskSize returns the total encoded size (including
// trailing CRC32) of a state table with count slots.
func StateTableOnDiskSize(count uint32) int64 {
	return int64(count)*StateRecordSize + 4
}

// Candidate is one entry of a SortByUtilization result.
type Candidate struct {
	ID          uint32
	Utilization float64
}

// Manager owns the in-memory segment-state table described in
// spec.md §4.1. It is the single "per-segment-state mutex" named in
// the lock-order rule of spec.md §5: every operation here takes one
// mutex covering the whole table, which is the teacher's own level of
// granularity for its segment list (hashindex.go guards `segments`
// and `segmentsMu` together rather than per-entry).
type Manager struct {
	mu sync.Mutex

	slots       []State
	segSize     uint32
	metaOffset  int64 // device offset of segment 0
	cursor      uint32
	gcReserve   uint32 // number of high-index slots reserved for AllocForGC
	dev         blockdev.Device
	log         *zap.Logger
}

// Config configures a new segment Manager at create time.
type Config struct {
	SegmentCount uint32
	SegmentSize  uint32
	MetaOffset   int64
	// GCReserveSegments is the number of segment slots held back from
	// Alloc so ForeGC/BackGC can always make forward progress, per
	// spec.md §4.1 AllocForGC.
	GCReserveSegments uint32
}

func New(cfg Config, dev blockdev.Device, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	reserve := cfg.GCReserveSegments
	if reserve == 0 {
		reserve = 1
	}
	if reserve >= cfg.SegmentCount {
		reserve = 1
	}
	slots := make([]State, cfg.SegmentCount)
	return &Manager{
		slots:      slots,
		segSize:    cfg.SegmentSize,
		metaOffset: cfg.MetaOffset,
		gcReserve:  reserve,
		dev:        dev,
		log:        log,
	}
}

// Count returns the total number of segment slots.
func (m *Manager) Count() uint32 {
	return uint32(len(m.slots))
}

// SegmentSize returns the fixed per-segment byte size.
func (m *Manager) SegmentSize() uint32 {
	return m.segSize
}

// PhysicalOffset returns the device offset of segment id's first byte.
func (m *Manager) PhysicalOffset(id uint32) int64 {
	return m.metaOffset + int64(id)*int64(m.segSize)
}

// State returns a copy of slot id's state.
func (m *Manager) State(id uint32) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[id]
}

// alloc implements Alloc/AllocForGC sharing round-robin scan logic,
// restricted to the half-open range [lo, hi).
func (m *Manager) alloc(lo, hi uint32, allocTime int64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	span := hi - lo
	start := m.cursor
	if start < lo || start >= hi {
		start = lo
	}
	for i := uint32(0); i < span; i++ {
		id := lo + (start-lo+i)%span
		if m.slots[id].Lifecycle == common.Free {
			m.slots[id] = State{Lifecycle: common.Reserved, AllocTime: allocTime}
			m.cursor = id + 1
			return id, nil
		}
	}
	return 0, errors.WithStack(common.ErrNoSpace)
}

// Alloc picks any Free slot outside the GC reserve, round-robin over a
// cursor to spread wear, and marks it Reserved.
func (m *Manager) Alloc(now int64) (uint32, error) {
	normalHi := uint32(len(m.slots)) - m.gcReserve
	if normalHi == 0 {
		normalHi = uint32(len(m.slots))
	}
	id, err := m.alloc(0, normalHi, now)
	if err != nil {
		m.log.Debug("segment alloc failed", zap.Error(err))
	}
	return id, err
}

// AllocForGC draws from the reserve pool kept unavailable to normal
// writers so a GC pass can always make forward progress.
func (m *Manager) AllocForGC(now int64) (uint32, error) {
	total := uint32(len(m.slots))
	lo := total - m.gcReserve
	id, err := m.alloc(lo, total, now)
	if err == nil {
		return id, nil
	}
	// Reserve exhausted: fall back to the normal pool rather than
	// stall GC entirely.
	return m.alloc(0, lo, now)
}

// MarkUsed transitions a Reserved slot to Used, recording its residual
// free bytes after the write.
func (m *Manager) MarkUsed(id uint32, freeBytes uint32) {
	m.mu.Lock()
	m.slots[id].Lifecycle = common.Used
	m.slots[id].FreeBytes = freeBytes
	m.mu.Unlock()
}

// Free transitions a Used slot back to Free, resetting its counters.
func (m *Manager) Free(id uint32) {
	m.mu.Lock()
	m.slots[id] = State{Lifecycle: common.Free}
	m.mu.Unlock()
}

// FreeForFailed transitions a Reserved slot back to Free after a
// device write failure.
func (m *Manager) FreeForFailed(id uint32) {
	m.mu.Lock()
	m.slots[id] = State{Lifecycle: common.Free}
	m.mu.Unlock()
}

// ModifyDeathEntry increments segment id's death counter by
// recordSize bytes, invoked whenever the index reconciles a write or
// delete against a previous occupant of the key.
func (m *Manager) ModifyDeathEntry(id uint32, recordSize uint32) {
	m.mu.Lock()
	m.slots[id].DeathBytes += recordSize
	m.mu.Unlock()
}

// Utilization returns live-bytes / segment-size for a Used slot.
func (s State) Utilization(segSize uint32) float64 {
	if segSize == 0 {
		return 0
	}
	live := int64(segSize) - int64(s.FreeBytes) - int64(s.DeathBytes)
	if live < 0 {
		live = 0
	}
	return float64(live) / float64(segSize)
}

// SortByUtilization returns every Used segment under threshold,
// ordered ascending by utilization and tie-broken by age (older
// first), per spec.md §4.1.
func (m *Manager) SortByUtilization(threshold float64) []Candidate {
	m.mu.Lock()
	type aged struct {
		Candidate
		allocTime int64
	}
	out := make([]aged, 0)
	for id, s := range m.slots {
		if s.Lifecycle != common.Used {
			continue
		}
		u := s.Utilization(m.segSize)
		if u < threshold {
			out = append(out, aged{Candidate{ID: uint32(id), Utilization: u}, s.AllocTime})
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Utilization != out[j].Utilization {
			return out[i].Utilization < out[j].Utilization
		}
		return out[i].allocTime < out[j].allocTime
	})

	result := make([]Candidate, len(out))
	for i, a := range out {
		result[i] = a.Candidate
	}
	return result
}

// FreeCount and UsedCount support Stats reporting.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.Lifecycle == common.Free {
			n++
		}
	}
	return n
}

func (m *Manager) UsedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.Lifecycle == common.Used {
			n++
		}
	}
	return n
}

// SumFreeAndDeathBytes returns the aggregate free + death bytes across
// all Used segments, for the §3 invariant check
// (sum(free)+live == data region size).
func (m *Manager) SumFreeAndDeathBytes() (free, death uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		free += uint64(s.FreeBytes)
		death += uint64(s.DeathBytes)
	}
	return
}

// Persist writes the whole state table to the device at offset, as a
// contiguous blob with a
// trailing CRC32, mirroring superblock's own persistence format.
func (m *Manager) Persist(offset int64) error {
	m.mu.Lock()
	slots := make([]State, len(m.slots))
	copy(slots, m.slots)
	m.mu.Unlock()

	buf := make([]byte, len(slots)*stateRecordSize)
	for i, s := range slots {
		b := buf[i*stateRecordSize:]
		binary.LittleEndian.PutUint32(b[0:4], uint32(s.Lifecycle))
		binary.LittleEndian.PutUint32(b[4:8], s.FreeBytes)
		binary.LittleEndian.PutUint32(b[8:12], s.DeathBytes)
		binary.LittleEndian.PutUint64(b[12:20], uint64(s.AllocTime))
	}

	crc := crc32.ChecksumIEEE(buf)
	full := append(buf, make([]byte, 4)...)
	binary.LittleEndian.PutUint32(full[len(buf):], crc)

	if _, err := m.dev.WriteAt(full, offset); err != nil {
		return errors.Wrap(err, "segment: persist state table")
	}
	return nil
}

// Load reads the segment-state table previously written by Persist.
// A CRC mismatch returns common.ErrCorrupt; the caller is expected to
// fall back to segment-scan recovery in that case.
func (m *Manager) Load(offset int64, count uint32) error {
	size := int(count)*stateRecordSize + 4
	full := make([]byte, size)
	if _, err := m.dev.ReadAt(full, offset); err != nil {
		return errors.Wrap(err, "segment: load state table")
	}
	body := full[:len(full)-4]
	storedCRC := binary.LittleEndian.Uint32(full[len(full)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return errors.Wrap(common.ErrCorrupt, "segment state table checksum mismatch")
	}

	slots := make([]State, count)
	for i := range slots {
		b := body[i*stateRecordSize:]
		slots[i] = State{
			Lifecycle:  common.SegmentState(binary.LittleEndian.Uint32(b[0:4])),
			FreeBytes:  binary.LittleEndian.Uint32(b[4:8]),
			DeathBytes: binary.LittleEndian.Uint32(b[8:12]),
			AllocTime:  int64(binary.LittleEndian.Uint64(b[12:20])),
		}
	}

	m.mu.Lock()
	m.slots = slots
	m.mu.Unlock()
	return nil
}

// RebuildFromScan overwrites the state table after a segment-scan
// recovery pass has determined each segment's live/used byte counts.
func (m *Manager) RebuildFromScan(slots []State) {
	m.mu.Lock()
	m.slots = slots
	m.mu.Unlock()
}

// AllSlots returns a snapshot of every slot, without going through
// SortByUtilization's threshold filter.
func (m *Manager) AllSlots() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.slots))
	copy(out, m.slots)
	return out
}
