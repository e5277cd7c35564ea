package blockkv

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors, registered once per process regardless of how
// many *DB instances exist, grounded on the pack's own
// sync.Once-guarded prometheus.MustRegister idiom (buildbarn-bb-storage's
// hashingKeyLocationMap and its many metrics_*.go siblings).
var (
	blockkvPrometheusMetrics sync.Once

	blockkvOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blockkv",
			Name:      "operations_total",
			Help:      "Number of Put/Get/Delete calls, by operation and outcome.",
		},
		[]string{"operation", "outcome"})

	blockkvSegmentsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blockkv",
			Name:      "segments",
			Help:      "Current segment slot count, by lifecycle state.",
		},
		[]string{"state"})

	blockkvGCReclaimedSegmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockkv",
			Name:      "gc_reclaimed_segments_total",
			Help:      "Cumulative number of segment slots freed by garbage collection.",
		})

	blockkvSegmentRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blockkv",
			Name:      "segment_rotations_total",
			Help:      "Number of times the write pipeline rotated to a fresh open segment.",
		})
)

func registerMetrics() {
	blockkvPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blockkvOperationsTotal)
		prometheus.MustRegister(blockkvSegmentsGauge)
		prometheus.MustRegister(blockkvGCReclaimedSegmentsTotal)
		prometheus.MustRegister(blockkvSegmentRotationsTotal)
	})
}

// Metrics registers (once per process, with the default prometheus
// registry) and returns the collectors backing this database's
// metrics, so callers can also add them to a registry of their own.
func Metrics() []prometheus.Collector {
	registerMetrics()
	return []prometheus.Collector{
		blockkvOperationsTotal,
		blockkvSegmentsGauge,
		blockkvGCReclaimedSegmentsTotal,
		blockkvSegmentRotationsTotal,
	}
}

// syncSegmentGauges refreshes the segment-state gauge from the current
// segment manager counts. Called after every operation that can change
// a segment's lifecycle (Put, Delete, DoGC).
func (db *DB) syncSegmentGauges() {
	total := int(db.segMgr.Count())
	free := db.segMgr.FreeCount()
	used := db.segMgr.UsedCount()
	blockkvSegmentsGauge.WithLabelValues("total").Set(float64(total))
	blockkvSegmentsGauge.WithLabelValues("free").Set(float64(free))
	blockkvSegmentsGauge.WithLabelValues("used").Set(float64(used))
}

// reportRotations adds the delta since the last report to the
// monotonic rotations counter; pipeline.Pipeline.Rotations is itself
// cumulative, so only the delta may be fed to a prometheus Counter.
func (db *DB) reportRotations() {
	cur := db.pipe.Rotations()
	prev := db.reportedRotations.Swap(cur)
	if delta := cur - prev; delta > 0 {
		blockkvSegmentRotationsTotal.Add(float64(delta))
	}
}
