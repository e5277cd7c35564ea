// Package superblock owns the single on-disk header describing a
// blockkv database's geometry and mutable counters, grounded on the
// original C++ source's SuperBlockManager/DBSuperBlock (Kvdb_Impl.cc)
// and encoded the way the teacher's hashindex package frames its
// on-disk record headers: a fixed little-endian layout, written field
// by field, with a magic number and a trailing CRC32.
package superblock

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
)

// MagicNumber identifies a blockkv device. Present at byte 0 of every
// device this package formats.
const MagicNumber uint64 = 0x626C6F636B6B7631 // "blockkv1"

// OnDiskSize is the fixed encoded size of a SuperBlock, including its
// trailing CRC32: magic(8) + 6 uint32 fields(24) + 5 uint64 fields(40) + crc(4).
const OnDiskSize = 8 + 4*6 + 8*5 + 4

// SuperBlock is the single on-disk header, per spec.md §3.
type SuperBlock struct {
	Magic uint64

	HashTableSize   uint32
	ElementCount    uint32
	TombstoneCount  uint32
	SegmentSize     uint32
	SegmentCount    uint32
	CurrentSegment  uint32
	SuperBlockSize  uint64
	IndexSize       uint64
	DataRegionSize  uint64
	MetaRegionSize  uint64
	DeviceSize      uint64
}

// Manager owns the single SuperBlock in memory, serializing access to
// its mutable counters behind one mutex, per spec.md §5 ("the
// superblock's counters are protected by a single mutex; writes there
// are infrequent").
type Manager struct {
	mu sync.Mutex
	sb SuperBlock

	dev Device
	log *zap.Logger
}

// Device is the subset of blockdev.Device the superblock manager needs.
type Device = blockdev.Device

func New(dev Device, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{dev: dev, log: log}
}

// Init installs sb as the in-memory superblock, used at Create time
// once the caller has computed geometry.
func (m *Manager) Init(sb SuperBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb.Magic = MagicNumber
	m.sb = sb
}

// Snapshot returns a copy of the current superblock.
func (m *Manager) Snapshot() SuperBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sb
}

// AddElement increments the live element count (INSERT outcome).
func (m *Manager) AddElement() {
	m.mu.Lock()
	m.sb.ElementCount++
	m.mu.Unlock()
}

// DeleteElement decrements the live element count (DELETE outcome, for
// the key that existed before the tombstone).
func (m *Manager) DeleteElement() {
	m.mu.Lock()
	if m.sb.ElementCount > 0 {
		m.sb.ElementCount--
	}
	m.mu.Unlock()
}

// AddTombstone increments the tombstone count (DELETE outcome).
func (m *Manager) AddTombstone() {
	m.mu.Lock()
	m.sb.TombstoneCount++
	m.mu.Unlock()
}

// SetCurrentSegment records the id of the most recently written
// segment, per the write pipeline's "update the superblock's
// current_segment_id" step.
func (m *Manager) SetCurrentSegment(id uint32) {
	m.mu.Lock()
	m.sb.CurrentSegment = id
	m.mu.Unlock()
}

// Counts returns (elements, tombstones) for Stats reporting.
func (m *Manager) Counts() (elements, tombstones uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sb.ElementCount, m.sb.TombstoneCount
}

// WriteToDevice persists the superblock at device offset 0, per the
// device layout in spec.md §3.
func (m *Manager) WriteToDevice() error {
	m.mu.Lock()
	sb := m.sb
	m.mu.Unlock()

	buf := make([]byte, OnDiskSize-4)
	w := binWriter{buf: buf}
	w.u64(sb.Magic)
	w.u32(sb.HashTableSize)
	w.u32(sb.ElementCount)
	w.u32(sb.TombstoneCount)
	w.u32(sb.SegmentSize)
	w.u32(sb.SegmentCount)
	w.u32(sb.CurrentSegment)
	w.u64(sb.SuperBlockSize)
	w.u64(sb.IndexSize)
	w.u64(sb.DataRegionSize)
	w.u64(sb.MetaRegionSize)
	w.u64(sb.DeviceSize)

	crc := crc32.ChecksumIEEE(buf)
	full := make([]byte, OnDiskSize)
	copy(full, buf)
	binary.LittleEndian.PutUint32(full[len(buf):], crc)

	if _, err := m.dev.WriteAt(full, 0); err != nil {
		return errors.Wrap(err, "superblock: write")
	}
	m.log.Debug("wrote superblock",
		zap.Uint32("hash_table_size", sb.HashTableSize),
		zap.Uint32("elements", sb.ElementCount),
		zap.Uint32("tombstones", sb.TombstoneCount),
		zap.Uint32("segment_size", sb.SegmentSize),
		zap.Uint32("segment_count", sb.SegmentCount),
		zap.Uint32("current_segment", sb.CurrentSegment),
		zap.Uint64("device_size", sb.DeviceSize),
	)
	return nil
}

// LoadFromDevice reads and validates the superblock at device offset
// 0. A magic or CRC mismatch returns common.ErrCorrupt.
func (m *Manager) LoadFromDevice() error {
	full := make([]byte, OnDiskSize)
	if _, err := m.dev.ReadAt(full, 0); err != nil {
		return errors.Wrap(err, "superblock: read")
	}

	body := full[:len(full)-4]
	storedCRC := binary.LittleEndian.Uint32(full[len(full)-4:])
	if crc32.ChecksumIEEE(body) != storedCRC {
		return errors.Wrap(common.ErrCorrupt, "superblock checksum mismatch")
	}

	r := binReader{buf: body}
	var sb SuperBlock
	sb.Magic = r.u64()
	if sb.Magic != MagicNumber {
		return errors.Wrap(common.ErrCorrupt, "superblock magic mismatch")
	}
	sb.HashTableSize = r.u32()
	sb.ElementCount = r.u32()
	sb.TombstoneCount = r.u32()
	sb.SegmentSize = r.u32()
	sb.SegmentCount = r.u32()
	sb.CurrentSegment = r.u32()
	sb.SuperBlockSize = r.u64()
	sb.IndexSize = r.u64()
	sb.DataRegionSize = r.u64()
	sb.MetaRegionSize = r.u64()
	sb.DeviceSize = r.u64()

	m.mu.Lock()
	m.sb = sb
	m.mu.Unlock()

	m.log.Info("loaded superblock",
		zap.Uint32("hash_table_size", sb.HashTableSize),
		zap.Uint32("elements", sb.ElementCount),
		zap.Uint32("tombstones", sb.TombstoneCount),
		zap.Uint32("segment_size", sb.SegmentSize),
		zap.Uint32("segment_count", sb.SegmentCount),
		zap.Uint64("device_size", sb.DeviceSize),
		zap.Uint32("current_segment", sb.CurrentSegment),
	)
	return nil
}

// binWriter/binReader are tiny little-endian cursors used instead of
// binary.Write/Read's reflection path, matching the teacher's
// hand-rolled header encode/decode in hashindex/segment.go.
type binWriter struct {
	buf []byte
	off int
}

func (w *binWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *binWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

type binReader struct {
	buf []byte
	off int
}

func (r *binReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *binReader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}
