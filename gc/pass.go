package gc

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/segment"
)

// liveRecord pairs a record queued for relocation with the (segment,
// offset) it is currently indexed at, captured before WriteSegToDevice
// overwrites PendingWrite.Offset with the new location.
type liveRecord struct {
	pw        *segment.PendingWrite
	sourceSeg uint32
	oldOffset uint32
}

// runPass implements the shared algorithm of spec.md §4.5: find
// candidates under threshold, stream their live records into fresh
// destination segments, CAS-relocate the index, then free each fully
// drained source. It returns the number of segments freed.
func (m *Manager) runPass(threshold float64) (int, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	candidates := m.segMgr.SortByUtilization(threshold)
	if len(candidates) == 0 {
		return 0, nil
	}

	freedCount := 0
	segSize := m.segMgr.SegmentSize()

	var destBuf *segment.OpenSegment
	var pending []liveRecord

	flush := func() error {
		if destBuf == nil || len(pending) == 0 {
			destBuf = nil
			pending = nil
			return nil
		}
		now := time.Now().UnixNano()
		destID, err := m.segMgr.AllocForGC(now)
		if err != nil {
			destBuf = nil
			pending = nil
			return errors.Wrap(err, "gc: allocate destination segment")
		}
		freeBytes, err := destBuf.WriteSegToDevice(m.dev, m.segMgr, destID)
		if err != nil {
			m.segMgr.FreeForFailed(destID)
			destBuf = nil
			pending = nil
			return errors.Wrap(err, "gc: write destination segment")
		}
		m.segMgr.MarkUsed(destID, freeBytes)

		for _, lr := range pending {
			if !m.idx.CompareAndRelocate(lr.pw.Digest, lr.sourceSeg, lr.oldOffset, destID, lr.pw.Offset) {
				m.log.Debug("gc: relocation superseded by newer write, skipping",
					zap.String("digest", lr.pw.Digest.String()))
			}
		}
		destBuf = nil
		pending = nil
		return nil
	}

	for _, cand := range candidates {
		buf := make([]byte, segSize)
		if _, err := m.dev.ReadAt(buf, m.segMgr.PhysicalOffset(cand.ID)); err != nil {
			return freedCount, errors.Wrapf(err, "gc: read segment %d", cand.ID)
		}

		recordCount := le32(buf[0:4])
		cursor := uint32(segment.SegHeaderSize)
		drained := true

		for i := uint32(0); i < recordCount; i++ {
			if cursor >= uint32(len(buf)) {
				drained = false
				break
			}
			rec, consumed, err := segment.Decode(buf[cursor:])
			if err != nil {
				m.log.Warn("gc: corrupt record, stopping scan of segment",
					zap.Uint32("segment_id", cand.ID), zap.Error(err))
				drained = false
				break
			}
			selfOffset := cursor
			cursor += consumed

			entry, live := m.idx.Get(rec.Digest)
			if !(live && entry.SegmentID == cand.ID && entry.Offset == selfOffset) {
				continue // dead: superseded, deleted, or already relocated
			}

			if destBuf == nil {
				destBuf = segment.NewOpenSegment(segSize, time.Now())
			}
			pw := &segment.PendingWrite{
				Digest:    rec.Digest,
				Key:       rec.Key,
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
				Done:      make(chan struct{}),
			}
			if !destBuf.Put(pw) {
				if err := flush(); err != nil {
					return freedCount, err
				}
				destBuf = segment.NewOpenSegment(segSize, time.Now())
				if !destBuf.Put(pw) {
					return freedCount, errors.Wrap(common.ErrInvalidArgument, "gc: record too large for fresh segment")
				}
			}
			pending = append(pending, liveRecord{pw: pw, sourceSeg: cand.ID, oldOffset: selfOffset})
		}

		if !drained {
			continue
		}

		// A source segment is only ever referenced by records inside
		// this one iteration's destBuf/pending (they are reset to nil
		// on every flush), so draining the candidate fully before
		// moving on keeps each flush's CAS relocations scoped to a
		// single source segment.
		if err := flush(); err != nil {
			return freedCount, err
		}

		m.segMgr.Free(cand.ID)
		freedCount++
		m.reclaimed.Add(1)
		m.log.Info("gc: freed segment", zap.Uint32("segment_id", cand.ID))
	}

	m.passes.Add(1)
	return freedCount, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
