package superblock

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/blockkv/blockdev"
)

func newTestDevice(t *testing.T) blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	dev, err := blockdev.Create(path, int64(OnDiskSize)+4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestWriteAndLoadRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	mgr := New(dev, nil)

	mgr.Init(SuperBlock{
		HashTableSize: 1021,
		SegmentSize:   4096,
		SegmentCount:  8,
		DeviceSize:    uint64(OnDiskSize) + 4096,
	})
	mgr.AddElement()
	mgr.AddElement()
	mgr.AddTombstone()
	mgr.SetCurrentSegment(3)

	if err := mgr.WriteToDevice(); err != nil {
		t.Fatal(err)
	}

	reloaded := New(dev, nil)
	if err := reloaded.LoadFromDevice(); err != nil {
		t.Fatal(err)
	}

	snap := reloaded.Snapshot()
	if snap.HashTableSize != 1021 {
		t.Errorf("expected hash table size 1021, got %d", snap.HashTableSize)
	}
	if snap.ElementCount != 2 {
		t.Errorf("expected 2 elements, got %d", snap.ElementCount)
	}
	if snap.TombstoneCount != 1 {
		t.Errorf("expected 1 tombstone, got %d", snap.TombstoneCount)
	}
	if snap.CurrentSegment != 3 {
		t.Errorf("expected current segment 3, got %d", snap.CurrentSegment)
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	dev := newTestDevice(t)
	mgr := New(dev, nil)
	mgr.Init(SuperBlock{HashTableSize: 101, SegmentSize: 4096, SegmentCount: 4})
	if err := mgr.WriteToDevice(); err != nil {
		t.Fatal(err)
	}

	// Corrupt a byte inside the encoded region.
	garbage := []byte{0xFF}
	if _, err := dev.WriteAt(garbage, 16); err != nil {
		t.Fatal(err)
	}

	reloaded := New(dev, nil)
	err := reloaded.LoadFromDevice()
	if err == nil {
		t.Fatal("expected checksum mismatch to be detected")
	}
}

func TestDeleteElementFloorsAtZero(t *testing.T) {
	dev := newTestDevice(t)
	mgr := New(dev, nil)
	mgr.Init(SuperBlock{})
	mgr.DeleteElement()
	elements, _ := mgr.Counts()
	if elements != 0 {
		t.Errorf("expected element count to floor at 0, got %d", elements)
	}
}
