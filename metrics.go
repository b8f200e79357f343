package nvmetest

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an attached
// controller, generalized from the teacher's four-op (read/write/discard/
// flush) counters to the six-op Observer surface this driver exposes:
// read, write, deallocate, compare, integrity failures, and queue depth.
type Metrics struct {
	ReadOps       atomic.Uint64
	WriteOps      atomic.Uint64
	DeallocateOps atomic.Uint64
	CompareOps    atomic.Uint64

	ReadBytes       atomic.Uint64
	WriteBytes      atomic.Uint64
	DeallocateBytes atomic.Uint64
	CompareBytes    atomic.Uint64

	ReadErrors       atomic.Uint64
	WriteErrors      atomic.Uint64
	DeallocateErrors atomic.Uint64
	CompareErrors    atomic.Uint64

	// IntegrityFailures counts silent-corruption/lba-mismatch detections
	// reported through ObserveIntegrityFailure (spec.md §4.2.3).
	IntegrityFailures atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time stamped
// now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read operation.
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write operation.
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDeallocate records a deallocate operation.
func (m *Metrics) RecordDeallocate(bytes uint64, latencyNs uint64, success bool) {
	m.DeallocateOps.Add(1)
	if success {
		m.DeallocateBytes.Add(bytes)
	} else {
		m.DeallocateErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCompare records a compare operation.
func (m *Metrics) RecordCompare(bytes uint64, latencyNs uint64, success bool) {
	m.CompareOps.Add(1)
	if success {
		m.CompareBytes.Add(bytes)
	} else {
		m.CompareErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordIntegrityFailure records a silent-corruption or lba-mismatch
// detection for nsid/lba. The identifying pair is not retained in the
// rolled-up counter; callers that need per-lba history should consult the
// command log's Dump instead.
func (m *Metrics) RecordIntegrityFailure(nsid uint32, lba uint64) {
	m.IntegrityFailures.Add(1)
}

// RecordQueueDepth records a queue-depth sample for qid.
func (m *Metrics) RecordQueueDepth(qid uint16, depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)
	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the controller as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	ReadOps       uint64
	WriteOps      uint64
	DeallocateOps uint64
	CompareOps    uint64

	ReadBytes       uint64
	WriteBytes      uint64
	DeallocateBytes uint64
	CompareBytes    uint64

	ReadErrors       uint64
	WriteErrors      uint64
	DeallocateErrors uint64
	CompareErrors    uint64

	IntegrityFailures uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:           m.ReadOps.Load(),
		WriteOps:          m.WriteOps.Load(),
		DeallocateOps:     m.DeallocateOps.Load(),
		CompareOps:        m.CompareOps.Load(),
		ReadBytes:         m.ReadBytes.Load(),
		WriteBytes:        m.WriteBytes.Load(),
		DeallocateBytes:   m.DeallocateBytes.Load(),
		CompareBytes:      m.CompareBytes.Load(),
		ReadErrors:        m.ReadErrors.Load(),
		WriteErrors:       m.WriteErrors.Load(),
		DeallocateErrors:  m.DeallocateErrors.Load(),
		CompareErrors:     m.CompareErrors.Load(),
		IntegrityFailures: m.IntegrityFailures.Load(),
		MaxQueueDepth:     m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DeallocateOps + snap.CompareOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.DeallocateBytes + snap.CompareBytes

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.DeallocateErrors + snap.CompareErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters. Useful for testing.
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.DeallocateOps.Store(0)
	m.CompareOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.DeallocateBytes.Store(0)
	m.CompareBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.DeallocateErrors.Store(0)
	m.CompareErrors.Store(0)
	m.IntegrityFailures.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver discards every observation. Used when a caller attaches
// without supplying an Observer and does not want the default
// MetricsObserver either.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)       {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)      {}
func (NoOpObserver) ObserveDeallocate(uint64, uint64, bool) {}
func (NoOpObserver) ObserveCompare(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveIntegrityFailure(uint32, uint64) {}
func (NoOpObserver) ObserveQueueDepth(uint16, uint32)       {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDeallocate(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDeallocate(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCompare(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordCompare(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveIntegrityFailure(nsid uint32, lba uint64) {
	o.metrics.RecordIntegrityFailure(nsid, lba)
}

func (o *MetricsObserver) ObserveQueueDepth(qid uint16, depth uint32) {
	o.metrics.RecordQueueDepth(qid, depth)
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
