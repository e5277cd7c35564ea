package blockdev

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/common"
)

func TestCreateAndOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	dev, err := Create(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Capacity() != 4096 {
		t.Errorf("expected capacity 4096, got %d", dev.Capacity())
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Capacity() != 4096 {
		t.Errorf("expected capacity 4096 after reopen, got %d", reopened.Capacity())
	}
}

func TestCreateRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	dev, err := Create(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	dev.Close()

	_, err = Create(path, 4096)
	if err != common.ErrAlreadyExists {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	dev, err := Create(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	payload := []byte("hello blockkv")
	if _, err := dev.WriteAt(payload, 100); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(payload))
	if _, err := dev.ReadAt(buf, 100); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(payload) {
		t.Errorf("expected %q, got %q", payload, buf)
	}
}

func TestWriteBeyondCapacityFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	dev, err := Create(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	_, err = dev.WriteAt([]byte("this does not fit"), 0)
	if err == nil {
		t.Fatal("expected error writing beyond device capacity")
	}
}

// Create against a pre-existing device node too small for the
// requested capacity must refuse with ErrDeviceTooSmall rather than
// silently truncating, since a real block device cannot be grown.
// /dev/null reports a zero-length seek, standing in for an
// undersized device node without needing root to mknod one.
func TestCreateRejectsDeviceNodeTooSmall(t *testing.T) {
	info, err := os.Stat("/dev/null")
	if err != nil || info.Mode()&os.ModeDevice == 0 {
		t.Skip("/dev/null not available as a device node on this system")
	}

	_, err = Create("/dev/null", 4096)
	if !errors.Is(err, common.ErrDeviceTooSmall) {
		t.Errorf("expected ErrDeviceTooSmall, got %v", err)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.img")

	if Exists(path) {
		t.Error("expected Exists to be false before creation")
	}
	dev, err := Create(path, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if !Exists(path) {
		t.Error("expected Exists to be true after creation")
	}
}

