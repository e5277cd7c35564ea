// Package blockkv wires the blockdev, digest, superblock, segment,
// index, pipeline, and gc packages into the single embedded key-value
// engine of spec.md: an append-structured store over a fixed-capacity
// block device, fronted by an in-memory open-addressed hash index.
// Grounded on the teacher's hashindex.New/Put/Get/Delete
// (hashindex/hashindex.go) for the overall constructor/operation shape,
// and on the original C++ source's KvdbImpl (Kvdb_Impl.cc) for the
// device-layout and startup-log details the distillation omitted.
package blockkv

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/common"
	"github.com/intellect4all/blockkv/digest"
	"github.com/intellect4all/blockkv/gc"
	"github.com/intellect4all/blockkv/index"
	"github.com/intellect4all/blockkv/pipeline"
	"github.com/intellect4all/blockkv/segment"
	"github.com/intellect4all/blockkv/superblock"
)

// DB is a handle to an open database. All exported methods are safe
// for concurrent use by multiple goroutines.
type DB struct {
	dev    blockdev.Device
	sb     *superblock.Manager
	idx    *index.Index
	segMgr *segment.Manager
	pipe   *pipeline.Pipeline
	gcMgr  *gc.Manager
	log    *zap.Logger

	closed atomic.Bool

	writeCount  atomic.Int64
	readCount   atomic.Int64
	deleteCount atomic.Int64

	reportedRotations atomic.Int64
}

// layout is the fixed device geometry computed once at Create/Open.
type layout struct {
	superblockOffset int64
	indexOffset      int64
	stateTableOffset int64
	segmentsOffset   int64
	deviceSize       int64
}

func computeLayout(tableSize, segmentCount uint32) layout {
	var l layout
	l.superblockOffset = 0
	l.indexOffset = superblock.OnDiskSize
	l.stateTableOffset = l.indexOffset + index.OnDiskSize(tableSize)
	l.segmentsOffset = l.stateTableOffset + segment.StateTableOnDiskSize(segmentCount)
	return l
}

// Create formats a new database at path according to cfg. It fails
// with common.ErrAlreadyExists if a file is already present there.
func Create(path string, cfg Config) (*DB, error) {
	log := cfg.logger()

	tableSize := roundedHashTableSize(cfg.HashTableSize)
	segSize := cfg.SegmentSize
	segCount := cfg.SegmentCount
	if segSize == 0 || segCount == 0 {
		return nil, errors.Wrap(common.ErrInvalidArgument, "SegmentSize and SegmentCount must be nonzero")
	}

	l := computeLayout(tableSize, segCount)
	l.deviceSize = l.segmentsOffset + int64(segCount)*int64(segSize)

	dev, err := blockdev.Create(path, l.deviceSize)
	if err != nil {
		return nil, err
	}

	createCfg := cfg
	createCfg.HashTableSize = tableSize

	sbMgr := superblock.New(dev, log)
	db, err := newDB(dev, createCfg, sbMgr, log)
	if err != nil {
		dev.Close()
		return nil, err
	}

	sb := superblock.SuperBlock{
		HashTableSize:  tableSize,
		SegmentSize:    segSize,
		SegmentCount:   segCount,
		SuperBlockSize: uint64(superblock.OnDiskSize),
		IndexSize:      uint64(index.OnDiskSize(tableSize)),
		DataRegionSize: uint64(segCount) * uint64(segSize),
		MetaRegionSize: uint64(l.segmentsOffset),
		DeviceSize:     uint64(l.deviceSize),
	}
	db.sb.Init(sb)

	if err := db.sb.WriteToDevice(); err != nil {
		dev.Close()
		return nil, err
	}
	if err := db.idx.Persist(l.indexOffset); err != nil {
		dev.Close()
		return nil, err
	}
	if err := db.segMgr.Persist(l.stateTableOffset); err != nil {
		dev.Close()
		return nil, err
	}

	log.Info("created database",
		zap.String("path", path),
		zap.Uint32("hash_table_size", tableSize),
		zap.Uint32("segment_size", segSize),
		zap.Uint32("segment_count", segCount),
		zap.Int64("device_size", l.deviceSize),
	)

	db.start()
	return db, nil
}

// Open reopens a previously-created database, loading the superblock,
// index, and segment-state table from disk. When the persisted index
// fails its CRC check but the superblock verifies, Open falls back to
// segment-scan recovery (spec.md §7), replaying every Used segment's
// records to rebuild both the index and the segment-state table.
func Open(path string, cfg Config) (*DB, error) {
	log := cfg.logger()

	dev, err := blockdev.Open(path)
	if err != nil {
		return nil, err
	}

	sbMgr := superblock.New(dev, log)
	if err := sbMgr.LoadFromDevice(); err != nil {
		dev.Close()
		return nil, err
	}
	snap := sbMgr.Snapshot()

	openCfg := cfg
	openCfg.HashTableSize = snap.HashTableSize
	openCfg.SegmentSize = snap.SegmentSize
	openCfg.SegmentCount = snap.SegmentCount

	db, err := newDB(dev, openCfg, sbMgr, log)
	if err != nil {
		dev.Close()
		return nil, err
	}

	l := computeLayout(snap.HashTableSize, snap.SegmentCount)

	indexErr := db.idx.Load(l.indexOffset)
	stateErr := db.segMgr.Load(l.stateTableOffset, snap.SegmentCount)

	if indexErr != nil || stateErr != nil {
		log.Warn("on-disk index or segment-state table corrupt, running segment-scan recovery",
			zap.Error(indexErr), zap.Error(stateErr))
		if err := db.recoverByScan(l); err != nil {
			dev.Close()
			return nil, err
		}
	}

	log.Info("opened database",
		zap.String("path", path),
		zap.Uint32("hash_table_size", snap.HashTableSize),
		zap.Uint32("segment_size", snap.SegmentSize),
		zap.Uint32("segment_count", snap.SegmentCount),
		zap.Uint64("device_size", snap.DeviceSize),
	)

	db.start()
	return db, nil
}

// newDB allocates the shared subsystems but does not yet start the
// pipeline's background threads; callers finish wiring (superblock
// init vs load, recovery) before calling start().
func newDB(dev blockdev.Device, cfg Config, sbMgr *superblock.Manager, log *zap.Logger) (*DB, error) {
	tableSize := cfg.HashTableSize
	l := computeLayout(tableSize, cfg.SegmentCount)

	registerMetrics()

	db := &DB{dev: dev, log: log}
	db.sb = sbMgr

	db.segMgr = segment.New(segment.Config{
		SegmentCount:      cfg.SegmentCount,
		SegmentSize:       cfg.SegmentSize,
		MetaOffset:        l.segmentsOffset,
		GCReserveSegments: cfg.GCReserveSegments,
	}, dev, log)

	db.idx = index.New(tableSize, dev, func(segID uint32, recordSize uint32) {
		db.segMgr.ModifyDeathEntry(segID, recordSize)
	})

	db.gcMgr = gc.New(cfg.gcConfig(), dev, db.segMgr, db.idx, log)

	db.pipe = pipeline.New(pipeline.Config{
		SegmentSize:   cfg.SegmentSize,
		ExpiredTimeUS: cfg.ExpiredTimeUS,
	}, dev, db.segMgr, db.sb, db.gcMgr, log)

	return db, nil
}

func (db *DB) start() {
	db.pipe.Start()
	db.gcMgr.StartBackground()
}

// Close force-rotates any pending write, drains the writer thread,
// stops background GC, and persists the index and segment-state
// table so a subsequent Open need not fall back to recovery.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return errors.WithStack(common.ErrClosed)
	}

	db.pipe.Stop()
	db.gcMgr.Stop()

	l := computeLayout(db.idx.Size(), db.segMgr.Count())
	if err := db.idx.Persist(l.indexOffset); err != nil {
		return err
	}
	if err := db.segMgr.Persist(l.stateTableOffset); err != nil {
		return err
	}
	if err := db.sb.WriteToDevice(); err != nil {
		return err
	}
	if err := db.dev.Sync(); err != nil {
		return err
	}

	db.log.Info("closed database")
	return db.dev.Close()
}

// Put inserts or overwrites key with value. An empty value is
// equivalent to Delete, resolving spec.md §9's open question in favor
// of the no-separate-tombstone-API design.
func (db *DB) Put(key, value []byte) error {
	if db.closed.Load() {
		return errors.WithStack(common.ErrClosed)
	}
	if len(key) == 0 {
		return errors.Wrap(common.ErrInvalidArgument, "empty key")
	}

	d := digest.Compute(key)
	pw := &segment.PendingWrite{
		Digest:    d,
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixNano(),
		Done:      make(chan struct{}),
	}
	if err := db.pipe.Enqueue(pw); err != nil {
		blockkvOperationsTotal.WithLabelValues("put", "error").Inc()
		return err
	}
	<-pw.Done
	if pw.Err != nil {
		blockkvOperationsTotal.WithLabelValues("put", "error").Inc()
		return pw.Err
	}

	op, err := db.idx.Update(index.Entry{
		Digest:     d,
		SegmentID:  pw.SegmentID,
		Offset:     pw.Offset,
		Length:     uint32(len(value)),
		RecordSize: pw.RecordSize,
		Timestamp:  pw.Timestamp,
	})
	if err != nil {
		if errors.Is(err, common.ErrStale) {
			// A newer write already reconciled against this key; the
			// record we just wrote is simply dead and will be GC'd.
			return nil
		}
		blockkvOperationsTotal.WithLabelValues("put", "error").Inc()
		return err
	}

	switch op {
	case common.INSERT:
		db.sb.AddElement()
	case common.DELETE:
		db.sb.DeleteElement()
		db.sb.AddTombstone()
	}
	db.writeCount.Add(1)
	db.syncSegmentGauges()
	blockkvOperationsTotal.WithLabelValues("put", "ok").Inc()
	return nil
}

// Delete removes key, storing a tombstone (spec.md §4.2). Deleting a
// missing key is a no-op and returns nil.
func (db *DB) Delete(key []byte) error {
	if err := db.Put(key, nil); err != nil {
		return err
	}
	db.deleteCount.Add(1)
	return nil
}

// Get returns the value stored for key, or common.ErrKeyNotFound if
// the key is absent or tombstoned.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, errors.WithStack(common.ErrClosed)
	}
	if len(key) == 0 {
		return nil, errors.Wrap(common.ErrInvalidArgument, "empty key")
	}

	d := digest.Compute(key)
	entry, ok := db.idx.Get(d)
	if !ok {
		blockkvOperationsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, errors.WithStack(common.ErrKeyNotFound)
	}

	buf := make([]byte, entry.RecordSize)
	off := db.segMgr.PhysicalOffset(entry.SegmentID) + int64(entry.Offset)
	if _, err := db.dev.ReadAt(buf, off); err != nil {
		blockkvOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	rec, _, err := segment.Decode(buf)
	if err != nil {
		blockkvOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, err
	}
	db.readCount.Add(1)
	blockkvOperationsTotal.WithLabelValues("get", "ok").Inc()
	return rec.Value, nil
}

// DoGC runs one synchronous full-utilization compaction pass, exposing
// spec.md §6's `do_gc` operator action.
func (db *DB) DoGC() error {
	reclaimed, err := db.gcMgr.FullGC()
	if reclaimed > 0 {
		blockkvGCReclaimedSegmentsTotal.Add(float64(reclaimed))
		db.syncSegmentGauges()
	}
	return err
}

// Stats returns a point-in-time snapshot of engine counters.
func (db *DB) Stats() common.Stats {
	elements, tombstones := db.sb.Counts()
	db.reportRotations()
	return common.Stats{
		NumKeys:             int64(elements),
		NumTombstones:       int64(tombstones),
		NumSegments:         int(db.segMgr.Count()),
		FreeSegments:        db.segMgr.FreeCount(),
		UsedSegments:        db.segMgr.UsedCount(),
		WriteCount:          db.writeCount.Load(),
		ReadCount:           db.readCount.Load(),
		DeleteCount:         db.deleteCount.Load(),
		GCPasses:            db.gcMgr.Passes(),
		GCReclaimedSegments: db.gcMgr.ReclaimedSegments(),
	}
}
