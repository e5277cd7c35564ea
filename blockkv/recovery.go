package blockkv

import (
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/index"
	"github.com/intellect4all/blockkv/segment"
)

// foundRecord is one decoded record observed during a segment scan.
type foundRecord struct {
	digest     [20]byte
	segmentID  uint32
	offset     uint32
	length     uint32
	recordSize uint32
	timestamp  int64
}

// recoverByScan rebuilds the index and segment-state table by replaying
// every segment's header and records directly off the device, the
// fallback path named in spec.md §7 for when the persisted index or
// segment-state table fails its CRC but the superblock itself is
// intact. It is grounded on the original C++ source's recovery pass
// over SegRecovery (Kvdb_Impl.cc), generalized here from "rebuild one
// Go map" to "rebuild both the fixed open-addressed index and the
// segment-state table in one scan".
func (db *DB) recoverByScan(l layout) error {
	snap := db.sb.Snapshot()
	segSize := snap.SegmentSize
	count := snap.SegmentCount

	usedBytesBySeg := make([]uint32, count)
	isUsed := make([]bool, count)
	var all []foundRecord

	for id := uint32(0); id < count; id++ {
		buf := make([]byte, segSize)
		if _, err := db.dev.ReadAt(buf, db.segMgr.PhysicalOffset(id)); err != nil {
			return err
		}
		if uint32(len(buf)) < segment.SegHeaderSize {
			continue
		}

		recordCount := le32(buf[0:4])
		usedBytes := le32(buf[4:8])
		if usedBytes == 0 || usedBytes > segSize || recordCount == 0 {
			continue
		}
		isUsed[id] = true
		usedBytesBySeg[id] = usedBytes

		cursor := uint32(segment.SegHeaderSize)
		var parsed uint32
		for parsed < recordCount && cursor < usedBytes {
			rec, consumed, err := segment.Decode(buf[cursor:])
			if err != nil {
				db.log.Warn("recovery: stopping scan at corrupt record",
					zap.Uint32("segment_id", id), zap.Uint32("offset", cursor), zap.Error(err))
				break
			}
			all = append(all, foundRecord{
				digest:     rec.Digest,
				segmentID:  id,
				offset:     cursor,
				length:     uint32(len(rec.Value)),
				recordSize: segment.HeaderSize + uint32(len(rec.Key)) + uint32(len(rec.Value)),
				timestamp:  rec.Timestamp,
			})
			cursor += consumed
			parsed++
		}
	}

	// "Last write wins by timestamp": a single pass over every record
	// ever observed, keeping the newest per digest and charging every
	// other occurrence's bytes as dead, wherever it physically lives.
	winners := make(map[[20]byte]foundRecord, len(all))
	deathBytesBySeg := make([]uint32, count)
	for _, f := range all {
		prev, ok := winners[f.digest]
		if !ok {
			winners[f.digest] = f
			continue
		}
		if f.timestamp > prev.timestamp {
			deathBytesBySeg[prev.segmentID] += prev.recordSize
			winners[f.digest] = f
		} else {
			deathBytesBySeg[f.segmentID] += f.recordSize
		}
	}

	slots := make([]segment.State, count)
	for id := uint32(0); id < count; id++ {
		if !isUsed[id] {
			slots[id] = segment.State{Lifecycle: common.Free}
			continue
		}
		slots[id] = segment.State{
			Lifecycle:  common.Used,
			FreeBytes:  segSize - usedBytesBySeg[id],
			DeathBytes: deathBytesBySeg[id],
		}
	}

	entries := make([]index.Entry, 0, len(winners))
	var elements, tombstones uint32
	for _, f := range winners {
		entries = append(entries, index.Entry{
			Digest:     f.digest,
			SegmentID:  f.segmentID,
			Offset:     f.offset,
			Length:     f.length,
			RecordSize: f.recordSize,
			Timestamp:  f.timestamp,
		})
		if f.length == 0 {
			tombstones++
		} else {
			elements++
		}
	}

	db.idx.RebuildFromScan(entries)
	db.segMgr.RebuildFromScan(slots)

	snap.ElementCount = elements
	snap.TombstoneCount = tombstones
	db.sb.Init(snap)

	db.log.Info("segment-scan recovery complete",
		zap.Int("entries_recovered", len(entries)),
		zap.Uint32("elements", elements),
		zap.Uint32("tombstones", tombstones),
	)

	_ = l
	return nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
