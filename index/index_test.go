package index

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/digest"
)

func newTestIndex(t *testing.T, tableSize uint32) (*Index, blockdev.Device) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	dev, err := blockdev.Create(path, OnDiskSize(tableSize)+4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return New(tableSize, dev, nil), dev
}

func TestUpdateInsertGetDelete(t *testing.T) {
	ix, _ := newTestIndex(t, 101)
	d := digest.Compute([]byte("key1"))

	op, err := ix.Update(Entry{Digest: d, SegmentID: 1, Offset: 10, Length: 5, RecordSize: 50, Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	if op != common.INSERT {
		t.Errorf("expected INSERT, got %v", op)
	}

	entry, ok := ix.Get(d)
	if !ok {
		t.Fatal("expected Get to find the inserted entry")
	}
	if entry.SegmentID != 1 || entry.Offset != 10 {
		t.Errorf("unexpected entry: %+v", entry)
	}

	op, err = ix.Update(Entry{Digest: d, SegmentID: 2, Offset: 0, Length: 0, RecordSize: 44, Timestamp: 2})
	if err != nil {
		t.Fatal(err)
	}
	if op != common.DELETE {
		t.Errorf("expected DELETE, got %v", op)
	}

	if _, ok := ix.Get(d); ok {
		t.Error("expected Get to report absent after delete")
	}
}

func TestUpdateRejectsStaleWrite(t *testing.T) {
	ix, _ := newTestIndex(t, 101)
	d := digest.Compute([]byte("key"))

	if _, err := ix.Update(Entry{Digest: d, Length: 1, Timestamp: 10}); err != nil {
		t.Fatal(err)
	}
	_, err := ix.Update(Entry{Digest: d, Length: 1, Timestamp: 5})
	if !errors.Is(err, common.ErrStale) {
		t.Errorf("expected ErrStale for an older timestamp, got %v", err)
	}
}

func TestDeleteOfMissingKeyIsNoop(t *testing.T) {
	ix, _ := newTestIndex(t, 101)
	d := digest.Compute([]byte("missing"))

	op, err := ix.Update(Entry{Digest: d, Length: 0, Timestamp: 1})
	if err != nil {
		t.Fatal(err)
	}
	if op != common.NOOP {
		t.Errorf("expected NOOP deleting a missing key, got %v", op)
	}
}

func TestDeleteOfAlreadyTombstonedKeyIsNoop(t *testing.T) {
	ix, _ := newTestIndex(t, 101)
	d := digest.Compute([]byte("key"))

	if _, err := ix.Update(Entry{Digest: d, SegmentID: 1, Offset: 0, Length: 4, RecordSize: 40, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	op, err := ix.Update(Entry{Digest: d, SegmentID: 1, Offset: 40, Length: 0, RecordSize: 30, Timestamp: 2})
	if err != nil {
		t.Fatal(err)
	}
	if op != common.DELETE {
		t.Fatalf("expected DELETE on the first delete, got %v", op)
	}

	elementsAfterFirst, tombstonesAfterFirst := ix.Counts()

	op, err = ix.Update(Entry{Digest: d, SegmentID: 1, Offset: 70, Length: 0, RecordSize: 30, Timestamp: 3})
	if err != nil {
		t.Fatal(err)
	}
	if op != common.NOOP {
		t.Errorf("expected NOOP deleting an already-tombstoned key, got %v", op)
	}

	elements, tombstones := ix.Counts()
	if elements != elementsAfterFirst {
		t.Errorf("expected elements unchanged by a redundant delete: before=%d after=%d", elementsAfterFirst, elements)
	}
	if tombstones != tombstonesAfterFirst {
		t.Errorf("expected tombstones unchanged by a redundant delete: before=%d after=%d", tombstonesAfterFirst, tombstones)
	}
	if elements < 0 {
		t.Errorf("elements must never go negative, got %d", elements)
	}
}

func TestCompareAndRelocate(t *testing.T) {
	ix, _ := newTestIndex(t, 101)
	d := digest.Compute([]byte("key"))

	if _, err := ix.Update(Entry{Digest: d, SegmentID: 1, Offset: 10, Length: 1, Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if !ix.CompareAndRelocate(d, 1, 10, 2, 20) {
		t.Fatal("expected relocation to succeed when the source location still matches")
	}
	entry, ok := ix.Get(d)
	if !ok || entry.SegmentID != 2 || entry.Offset != 20 {
		t.Errorf("expected relocated entry (2,20), got %+v", entry)
	}

	// A second relocation against the now-stale (1,10) source must fail.
	if ix.CompareAndRelocate(d, 1, 10, 3, 30) {
		t.Error("expected relocation against a stale source location to fail")
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	ix, dev := newTestIndex(t, 101)
	d := digest.Compute([]byte("key"))
	if _, err := ix.Update(Entry{Digest: d, SegmentID: 3, Offset: 7, Length: 4, RecordSize: 40, Timestamp: 9}); err != nil {
		t.Fatal(err)
	}

	if err := ix.Persist(0); err != nil {
		t.Fatal(err)
	}

	reloaded := New(101, dev, nil)
	if err := reloaded.Load(0); err != nil {
		t.Fatal(err)
	}
	entry, ok := reloaded.Get(d)
	if !ok {
		t.Fatal("expected Get to find the reloaded entry")
	}
	if entry.SegmentID != 3 || entry.Offset != 7 {
		t.Errorf("unexpected reloaded entry: %+v", entry)
	}
	elements, _ := reloaded.Counts()
	if elements != 1 {
		t.Errorf("expected 1 live element after reload, got %d", elements)
	}
}

func TestLoadDetectsCorruption(t *testing.T) {
	ix, dev := newTestIndex(t, 101)
	if err := ix.Persist(0); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteAt([]byte{0xFF}, 5); err != nil {
		t.Fatal(err)
	}

	reloaded := New(101, dev, nil)
	if err := reloaded.Load(0); !errors.Is(err, common.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}
