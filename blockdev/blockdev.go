// Package blockdev provides the positional-I/O device abstraction the
// rest of blockkv is built on: a fixed-capacity byte range that can be
// read and written at arbitrary offsets. In production this is a raw
// block device; for development and tests it is a regular file opened
// with a fixed, pre-allocated size.
package blockdev

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/common"
)

// Device is the positional read/write, fixed-capacity abstraction that
// the superblock, index, and segment layers are written against. It is
// the one component spec.md §1 calls an external collaborator; this
// package supplies the file-backed implementation a real deployment
// needs, kept deliberately thin (open/create, ReadAt/WriteAt, Sync,
// Capacity, Close).
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Capacity() int64
	Close() error
}

// fileDevice is a Device backed by a regular file pre-sized to act as
// a fixed-capacity device.
type fileDevice struct {
	f        *os.File
	capacity int64
}

// Create makes a new backing device of exactly capacity bytes at path.
//
// path may name a regular file, which does not yet exist (the common
// case in development and tests): a fresh file is created and
// truncated to capacity. Or it may name a pre-existing special file —
// a raw block device node, which unlike a regular file cannot be
// created or resized by this package. In that case Create refuses
// with common.ErrAlreadyExists if a regular file is already there
// (spec.md's create-must-not-clobber rule), or with
// common.ErrDeviceTooSmall if the device node's actual capacity falls
// short of the requested meta+data regions (Volumes.cc's capacity
// check at create time).
func Create(path string, capacity int64) (Device, error) {
	if info, err := os.Stat(path); err == nil {
		if info.Mode()&os.ModeDevice != 0 {
			return openDeviceNode(path, capacity)
		}
		return nil, common.ErrAlreadyExists
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, common.ErrAlreadyExists
		}
		return nil, errors.Wrap(err, "blockdev: create")
	}
	if err := f.Truncate(capacity); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errors.Wrap(err, "blockdev: truncate")
	}
	return &fileDevice{f: f, capacity: capacity}, nil
}

// openDeviceNode opens an already-present raw block device node and
// verifies it can actually hold the requested capacity; unlike a
// regular file it cannot be grown with Truncate.
func openDeviceNode(path string, capacity int64) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: open device node")
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: seek device node")
	}
	if size < capacity {
		f.Close()
		return nil, errors.Wrapf(common.ErrDeviceTooSmall,
			"device %s has capacity %d bytes, need %d", path, size, capacity)
	}
	return &fileDevice{f: f, capacity: capacity}, nil
}

// Open opens an existing backing file and reports its current size as
// the device capacity.
func Open(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: stat")
	}
	return &fileDevice{f: f, capacity: info.Size()}, nil
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	n, err := d.f.ReadAt(p, off)
	if err != nil {
		return n, errors.Wrap(common.ErrIOError, err.Error())
	}
	return n, nil
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > d.capacity {
		return 0, errors.Wrap(common.ErrIOError, "write exceeds device capacity")
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrap(common.ErrIOError, err.Error())
	}
	return n, nil
}

func (d *fileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return errors.Wrap(common.ErrIOError, err.Error())
	}
	return nil
}

func (d *fileDevice) Capacity() int64 {
	return d.capacity
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}

// Exists reports whether a device file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
