package segment

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/digest"
)

// PendingWrite is one accepted-but-not-yet-durable record inside an
// OpenSegment. The pipeline package owns the Done channel and blocks a
// caller goroutine on it; OpenSegment only ever writes to the fields
// below and closes Done exactly once.
type PendingWrite struct {
	Digest    digest.Digest
	Key       []byte
	Value     []byte
	Timestamp int64

	// Filled in by WriteSegToDevice on success.
	SegmentID  uint32
	Offset     uint32
	RecordSize uint32

	// Err is set by NotifyFailed or a WriteSegToDevice failure.
	Err error

	Done chan struct{}
}

// OpenSegment is the in-memory accumulator for the next, not-yet
// allocated segment (spec.md §4.3). Multiple callers may Put
// concurrently; ordering inside the segment is the order of successful
// Puts, matching the teacher's append-under-mutex pattern in
// hashindex/segment.go, generalized from "append straight to an
// os.File" to "accumulate records, then serialize the whole segment in
// one WriteSegToDevice call" since spec.md requires segments be
// written as one contiguous I/O.
type OpenSegment struct {
	mu        sync.Mutex
	records   []*PendingWrite
	bytesUsed uint32
	createdAt time.Time
	completed bool

	capacity uint32 // segSize - SegHeaderSize
}

func NewOpenSegment(segSize uint32, now time.Time) *OpenSegment {
	cap := uint32(0)
	if segSize > SegHeaderSize {
		cap = segSize - SegHeaderSize
	}
	return &OpenSegment{
		createdAt: now,
		capacity:  cap,
	}
}

// Put admits pw if it fits in the remaining capacity. It returns false
// (without mutating pw) when the buffer is full or already completed;
// the caller must then rotate to a fresh OpenSegment and retry there.
func (s *OpenSegment) Put(pw *PendingWrite) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return false
	}
	size := HeaderSize + uint32(len(pw.Key)) + uint32(len(pw.Value))
	if s.bytesUsed+size > s.capacity {
		return false
	}
	s.records = append(s.records, pw)
	s.bytesUsed += size
	return true
}

// Complete marks the buffer closed; subsequent Puts return false.
func (s *OpenSegment) Complete() {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
}

// CompleteIfExpired reports true and completes the buffer when it is
// non-empty and has been open at least expiry, letting the timeout
// thread bound latency for sparsely arriving writes.
func (s *OpenSegment) CompleteIfExpired(expiry time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || len(s.records) == 0 {
		return false
	}
	if now.Sub(s.createdAt) < expiry {
		return false
	}
	s.completed = true
	return true
}

// IsEmpty reports whether any record has been accepted.
func (s *OpenSegment) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) == 0
}

// WriteSegToDevice serializes the header and every accepted record
// into one contiguous image, pads it to the full segment size, writes
// it at segID's physical offset, and on success stamps each accepted
// request with its (segID, offset-within-segment). It returns the
// residual free byte count for SegmentManager.MarkUsed.
func (s *OpenSegment) WriteSegToDevice(dev blockdev.Device, mgr *Manager, segID uint32) (uint32, error) {
	s.mu.Lock()
	records := s.records
	s.mu.Unlock()

	segSize := mgr.SegmentSize()
	buf := make([]byte, SegHeaderSize, segSize)

	var cursor uint32 = SegHeaderSize
	for _, pw := range records {
		buf = Encode(buf, pw.Digest, pw.Timestamp, pw.Key, pw.Value, cursor)
		recSize := HeaderSize + uint32(len(pw.Key)) + uint32(len(pw.Value))
		pw.SegmentID = segID
		pw.Offset = cursor
		pw.RecordSize = recSize
		cursor += recSize
	}

	usedBytes := cursor
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(records)))
	binary.LittleEndian.PutUint32(buf[4:8], usedBytes)

	if uint32(len(buf)) < segSize {
		buf = append(buf, make([]byte, segSize-uint32(len(buf)))...)
	}

	physOffset := mgr.PhysicalOffset(segID)
	if _, err := dev.WriteAt(buf, physOffset); err != nil {
		wrapped := errors.Wrap(common.ErrIOError, err.Error())
		s.NotifyFailed(wrapped)
		return 0, wrapped
	}

	freeBytes := segSize - usedBytes
	s.NotifyDone()
	return freeBytes, nil
}

// NotifyFailed releases every waiter with a terminal error status.
func (s *OpenSegment) NotifyFailed(err error) {
	s.mu.Lock()
	records := s.records
	s.mu.Unlock()
	for _, pw := range records {
		pw.Err = err
		close(pw.Done)
	}
}

// NotifyDone releases every waiter with success.
func (s *OpenSegment) NotifyDone() {
	s.mu.Lock()
	records := s.records
	s.mu.Unlock()
	for _, pw := range records {
		close(pw.Done)
	}
}
