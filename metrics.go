package reactorstore

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
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

// Metrics tracks bdev-operation counters and latency for a single bdev
// or controller. All fields are safe for concurrent use from any
// channel's thread; only Snapshot/Reset should be called off the hot
// path.
type Metrics struct {
	ReadOps      atomic.Uint64
	WriteOps     atomic.Uint64
	UnmapOps     atomic.Uint64
	WriteZeroOps atomic.Uint64
	FlushOps     atomic.Uint64
	ResetOps     atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64
	UnmapBytes atomic.Uint64

	ReadErrors      atomic.Uint64
	WriteErrors     atomic.Uint64
	UnmapErrors     atomic.Uint64
	WriteZeroErrors atomic.Uint64
	FlushErrors     atomic.Uint64
	ResetErrors     atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordUnmap(bytes uint64, latencyNs uint64, success bool) {
	m.UnmapOps.Add(1)
	if success {
		m.UnmapBytes.Add(bytes)
	} else {
		m.UnmapErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWriteZeroes(latencyNs uint64, success bool) {
	m.WriteZeroOps.Add(1)
	if !success {
		m.WriteZeroErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordReset(latencyNs uint64, success bool) {
	m.ResetOps.Add(1)
	if !success {
		m.ResetErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordQueueDepth(depth uint32) {
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

// Stop marks the metrics source as stopped, freezing uptime-derived rates.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of Metrics.
type MetricsSnapshot struct {
	ReadOps      uint64
	WriteOps     uint64
	UnmapOps     uint64
	WriteZeroOps uint64
	FlushOps     uint64
	ResetOps     uint64

	ReadBytes  uint64
	WriteBytes uint64
	UnmapBytes uint64

	ReadErrors      uint64
	WriteErrors     uint64
	UnmapErrors     uint64
	WriteZeroErrors uint64
	FlushErrors     uint64
	ResetErrors     uint64

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

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:         m.ReadOps.Load(),
		WriteOps:        m.WriteOps.Load(),
		UnmapOps:        m.UnmapOps.Load(),
		WriteZeroOps:    m.WriteZeroOps.Load(),
		FlushOps:        m.FlushOps.Load(),
		ResetOps:        m.ResetOps.Load(),
		ReadBytes:       m.ReadBytes.Load(),
		WriteBytes:      m.WriteBytes.Load(),
		UnmapBytes:      m.UnmapBytes.Load(),
		ReadErrors:      m.ReadErrors.Load(),
		WriteErrors:     m.WriteErrors.Load(),
		UnmapErrors:     m.UnmapErrors.Load(),
		WriteZeroErrors: m.WriteZeroErrors.Load(),
		FlushErrors:     m.FlushErrors.Load(),
		ResetErrors:     m.ResetErrors.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.UnmapOps + snap.WriteZeroOps + snap.FlushOps + snap.ResetOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes + snap.UnmapBytes

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

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.UnmapErrors + snap.WriteZeroErrors + snap.FlushErrors + snap.ResetErrors
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

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.UnmapOps.Store(0)
	m.WriteZeroOps.Store(0)
	m.FlushOps.Store(0)
	m.ResetOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.UnmapBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.UnmapErrors.Store(0)
	m.WriteZeroErrors.Store(0)
	m.FlushErrors.Store(0)
	m.ResetErrors.Store(0)
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

// Observer allows pluggable metrics collection on the bdev I/O path.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveUnmap(bytes uint64, latencyNs uint64, success bool)
	ObserveWriteZeroes(latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveReset(latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveUnmap(uint64, uint64, bool) {}
func (NoOpObserver) ObserveWriteZeroes(uint64, bool)   {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveReset(uint64, bool)         {}
func (NoOpObserver) ObserveQueueDepth(uint32)          {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveUnmap(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordUnmap(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWriteZeroes(latencyNs uint64, success bool) {
	o.metrics.RecordWriteZeroes(latencyNs, success)
}
func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}
func (o *MetricsObserver) ObserveReset(latencyNs uint64, success bool) {
	o.metrics.RecordReset(latencyNs, success)
}
func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// PrometheusObserver implements Observer by exporting counters and a
// latency histogram through client_golang, for processes that embed the
// core and expose a /metrics endpoint.
type PrometheusObserver struct {
	ops     *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	errors  *prometheus.CounterVec
	latency *prometheus.HistogramVec
	qdepth  prometheus.Gauge
}

// NewPrometheusObserver registers its collectors against reg and returns
// an Observer ready to wire into a bdev channel. Metric names are
// namespaced under "reactorstore_bdev".
func NewPrometheusObserver(reg prometheus.Registerer, bdevName string) (*PrometheusObserver, error) {
	labels := prometheus.Labels{"bdev": bdevName}
	o := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reactorstore",
			Subsystem:   "bdev",
			Name:        "ops_total",
			ConstLabels: labels,
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reactorstore",
			Subsystem:   "bdev",
			Name:        "bytes_total",
			ConstLabels: labels,
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reactorstore",
			Subsystem:   "bdev",
			Name:        "errors_total",
			ConstLabels: labels,
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "reactorstore",
			Subsystem:   "bdev",
			Name:        "latency_seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		qdepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "reactorstore",
			Subsystem:   "bdev",
			Name:        "queue_depth",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{o.ops, o.bytes, o.errors, o.latency, o.qdepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) observe(op string, bytes, latencyNs uint64, success bool) {
	o.ops.WithLabelValues(op).Inc()
	o.bytes.WithLabelValues(op).Add(float64(bytes))
	o.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
	if !success {
		o.errors.WithLabelValues(op).Inc()
	}
}

func (o *PrometheusObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.observe("read", bytes, latencyNs, success)
}
func (o *PrometheusObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.observe("write", bytes, latencyNs, success)
}
func (o *PrometheusObserver) ObserveUnmap(bytes, latencyNs uint64, success bool) {
	o.observe("unmap", bytes, latencyNs, success)
}
func (o *PrometheusObserver) ObserveWriteZeroes(latencyNs uint64, success bool) {
	o.observe("write_zeroes", 0, latencyNs, success)
}
func (o *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.observe("flush", 0, latencyNs, success)
}
func (o *PrometheusObserver) ObserveReset(latencyNs uint64, success bool) {
	o.observe("reset", 0, latencyNs, success)
}
func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.qdepth.Set(float64(depth))
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
	_ Observer = (*PrometheusObserver)(nil)
)
