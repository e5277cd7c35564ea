// Package gc implements the garbage collector of spec.md §4.5:
// BackGC, ForeGC, and FullGC share one compaction pass that reads
// under-utilized segments, relocates their live records into fresh
// segments with an index CAS, and frees the drained source. Grounded
// on the teacher's hashindex/compaction.go (doCompact/compactSegments/
// applyCompaction), generalized from "merge N whole files, rewrite the
// index wholesale" to "stream live records into a bounded OpenSegment
// buffer and CAS-relocate the index one entry at a time", since
// spec.md requires GC to coexist with concurrent writers rather than
// pause them.
package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/index"
	"github.com/intellect4all/blockkv/segment"
)

// Config sets the three utilization thresholds and the background
// trigger ratio named in spec.md §4.5.
type Config struct {
	// BackgroundTrigger: BackGC runs a pass only when
	// free_segments/total_segments falls below this ratio.
	BackgroundTrigger float64
	// BackgroundUtilization is BackGC's compaction threshold.
	BackgroundUtilization float64
	// ForegroundUtilization is ForeGC's (more aggressive) threshold.
	ForegroundUtilization float64
	// FullUtilization is FullGC's threshold.
	FullUtilization float64
	// BackgroundIntervalUS is the background thread's poll period.
	BackgroundIntervalUS uint32
}

func DefaultConfig() Config {
	return Config{
		BackgroundTrigger:     0.5,
		BackgroundUtilization: 0.5,
		ForegroundUtilization: 0.7,
		FullUtilization:       0.9,
		BackgroundIntervalUS:  500_000,
	}
}

// Manager runs GC passes against a shared segment Manager and Index.
type Manager struct {
	cfg    Config
	dev    blockdev.Device
	segMgr *segment.Manager
	idx    *index.Index
	log    *zap.Logger

	passMu sync.Mutex // serializes passes; GC is single-flight

	stopCh chan struct{}
	wg     sync.WaitGroup

	passes    atomic.Int64
	reclaimed atomic.Int64
}

func New(cfg Config, dev blockdev.Device, segMgr *segment.Manager, idx *index.Index, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		dev:    dev,
		segMgr: segMgr,
		idx:    idx,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// StartBackground launches the periodic background-GC thread.
func (m *Manager) StartBackground() {
	m.wg.Add(1)
	go m.backgroundLoop()
}

// Stop signals the background thread to exit and waits for it.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) backgroundLoop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.BackgroundIntervalUS) * time.Microsecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.BackGC(); err != nil {
				m.log.Debug("background gc pass error", zap.Error(err))
			}
		}
	}
}

// BackGC runs one pass if the free-segment ratio is low and
// under-utilized candidates exist, per spec.md §4.5.
func (m *Manager) BackGC() (bool, error) {
	total := m.segMgr.Count()
	if total == 0 {
		return false, nil
	}
	freeRatio := float64(m.segMgr.FreeCount()) / float64(total)
	if freeRatio >= m.cfg.BackgroundTrigger {
		return false, nil
	}
	freed, err := m.runPass(m.cfg.BackgroundUtilization)
	return freed > 0, err
}

// ForeGC runs one pass synchronously with a more aggressive threshold
// and reports whether it freed at least one segment, so the writer
// thread can retry allocation before surfacing NoSpace.
func (m *Manager) ForeGC() (bool, error) {
	freed, err := m.runPass(m.cfg.ForegroundUtilization)
	return freed > 0, err
}

// FullGC scans every Used segment and compacts anything below the
// full-utilization threshold; intended as an operator action
// (`do_gc` in spec.md §6).
func (m *Manager) FullGC() (int, error) {
	return m.runPass(m.cfg.FullUtilization)
}

// Passes and ReclaimedSegments support Stats reporting.
func (m *Manager) Passes() int64           { return m.passes.Load() }
func (m *Manager) ReclaimedSegments() int64 { return m.reclaimed.Load() }
