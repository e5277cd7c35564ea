package testutil

import (
	"sync"

	"github.com/intellect4all/blockkv/common"
)

// MemDevice is an in-memory blockdev.Device backed by a fixed-size
// byte slice, used to exercise crash/corruption and capacity-boundary
// paths without touching a real file. Adapted from the teacher's
// ResourceLimiter (common/testutil/limiter.go), which tracked a
// capacity ceiling with atomics but never actually backed an I/O
// surface; here the same "reject once a ceiling is exceeded" idea
// backs a real ReadAt/WriteAt device so tests can drive
// common.ErrIOError and capacity-boundary behavior deterministically.
type MemDevice struct {
	mu   sync.Mutex
	data []byte

	// FailWritesAfter, when >= 0, makes the FailWritesAfter'th WriteAt
	// call (0-indexed) and every later one fail with common.ErrIOError,
	// simulating a device that stops accepting writes.
	FailWritesAfter int
	writeCalls      int
}

// NewMemDevice allocates a zeroed in-memory device of exactly capacity
// bytes.
func NewMemDevice(capacity int64) *MemDevice {
	return &MemDevice{
		data:            make([]byte, capacity),
		FailWritesAfter: -1,
	}
}

func (d *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, common.ErrIOError
	}
	n := copy(p, d.data[off:off+int64(len(p))])
	return n, nil
}

func (d *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	call := d.writeCalls
	d.writeCalls++
	if d.FailWritesAfter >= 0 && call >= d.FailWritesAfter {
		return 0, common.ErrIOError
	}

	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, common.ErrIOError
	}
	n := copy(d.data[off:off+int64(len(p))], p)
	return n, nil
}

func (d *MemDevice) Sync() error { return nil }

func (d *MemDevice) Capacity() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.data))
}

func (d *MemDevice) Close() error { return nil }
