package cache

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/0xHoneyJar/loa-freeside-sub007/pkg/observability"
)

// LatencyBucketsMs are the fixed histogram buckets for per-layer cache
// latency, in milliseconds. Prometheus adds the +Inf bucket.
var LatencyBucketsMs = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100}

// PrometheusMetrics is an observability.MetricsClient backed by a dedicated
// Prometheus registry. Metric families are created lazily on first use; the
// label key set of the first observation is fixed for the family.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a metrics client with its own registry
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler exposes the registry in the Prometheus text exposition format
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the backing registry
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordCounter adds value to the named counter
func (p *PrometheusMetrics) RecordCounter(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = vec
	}
	p.mu.Unlock()

	if c, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		c.Add(value)
	}
}

// RecordGauge sets the named gauge
func (p *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	if g, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		g.Set(value)
	}
}

// RecordHistogram records an observation. Families named *_latency_ms use
// the fixed cache latency buckets.
func (p *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		buckets := prometheus.DefBuckets
		if len(name) > 11 && name[len(name)-11:] == "_latency_ms" {
			buckets = LatencyBucketsMs
		}
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Buckets: buckets}, labelKeys(labels))
		if err := p.registry.Register(vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	if h, err := vec.GetMetricWith(prometheus.Labels(labels)); err == nil {
		h.Observe(value)
	}
}

// RecordTimer records a duration observation in seconds
func (p *PrometheusMetrics) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	p.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation with its outcome
func (p *PrometheusMetrics) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{"operation": operation, "success": boolString(success)}
	p.RecordCounter("cache_operations_total", 1.0, labels)
	p.RecordHistogram("cache_operation_duration_seconds", durationSeconds, labels)
}

// RecordOperation records a component operation with its outcome
func (p *PrometheusMetrics) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{"component": component, "operation": operation, "success": boolString(success)}
	for k, v := range labels {
		merged[k] = v
	}
	p.RecordCounter("operations_total", 1.0, merged)
	p.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

// StartTimer returns a function that records the elapsed time when called
func (p *PrometheusMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() { p.RecordTimer(name, time.Since(start), labels) }
}

// IncrementCounter increments a counter without labels
func (p *PrometheusMetrics) IncrementCounter(name string, value float64) {
	p.RecordCounter(name, value, map[string]string{})
}

// IncrementCounterWithLabels increments a counter with labels
func (p *PrometheusMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	p.RecordCounter(name, value, labels)
}

// Close releases resources held by the client
func (p *PrometheusMetrics) Close() error { return nil }

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ observability.MetricsClient = (*PrometheusMetrics)(nil)

// MetricsSnapshot is the JSON view of the layered cache statistics
type MetricsSnapshot struct {
	Timestamp       time.Time   `json:"timestamp"`
	L1              MemoryStats `json:"l1"`
	L2              RedisStats  `json:"l2"`
	L1HitRate       float64     `json:"l1_hit_rate"`
	L2HitRate       float64     `json:"l2_hit_rate"`
	CombinedHitRate float64     `json:"combined_hit_rate"`
}

// MetricsCollector periodically snapshots cache statistics into gauges and
// serves the JSON view. The loop is stopped by Close and never blocks
// process exit.
type MetricsCollector struct {
	cache    *MultiLayerCache
	metrics  observability.MetricsClient
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector starts a collector over the cache. interval <= 0
// disables the background loop; Collect can still be driven manually.
func NewMetricsCollector(cache *MultiLayerCache, metrics observability.MetricsClient, interval time.Duration) *MetricsCollector {
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	m := &MetricsCollector{
		cache:    cache,
		metrics:  metrics,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	if interval > 0 {
		m.wg.Add(1)
		go m.loop()
	}
	return m
}

func (m *MetricsCollector) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect publishes the current statistics as gauges
func (m *MetricsCollector) Collect() MetricsSnapshot {
	snap := m.Snapshot()

	l1 := map[string]string{"layer": "l1"}
	l2 := map[string]string{"layer": "l2"}
	m.metrics.RecordGauge("cache_hits", float64(snap.L1.Hits), l1)
	m.metrics.RecordGauge("cache_misses", float64(snap.L1.Misses), l1)
	m.metrics.RecordGauge("cache_sets", float64(snap.L1.Sets), l1)
	m.metrics.RecordGauge("cache_deletes", float64(snap.L1.Deletes), l1)
	m.metrics.RecordGauge("cache_evictions", float64(snap.L1.Evictions), l1)
	m.metrics.RecordGauge("cache_size", float64(snap.L1.Size), l1)
	m.metrics.RecordGauge("cache_hit_rate", snap.L1HitRate, l1)

	m.metrics.RecordGauge("cache_hits", float64(snap.L2.Hits), l2)
	m.metrics.RecordGauge("cache_misses", float64(snap.L2.Misses), l2)
	m.metrics.RecordGauge("cache_sets", float64(snap.L2.Sets), l2)
	m.metrics.RecordGauge("cache_deletes", float64(snap.L2.Deletes), l2)
	m.metrics.RecordGauge("cache_hit_rate", snap.L2HitRate, l2)

	m.metrics.RecordGauge("cache_hit_rate", snap.CombinedHitRate, map[string]string{"layer": "combined"})
	return snap
}

// Snapshot computes the JSON statistics view without publishing gauges
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	l1 := m.cache.L1Stats()
	l2 := m.cache.L2Stats()

	snap := MetricsSnapshot{
		Timestamp: time.Now().UTC(),
		L1:        l1,
		L2:        l2,
		L1HitRate: hitRate(l1.Hits, l1.Misses),
		L2HitRate: hitRate(l2.Hits, l2.Misses),
	}
	// Combined: a request misses only when both layers miss. L1 misses that
	// L2 served are hits from the caller's point of view.
	snap.CombinedHitRate = hitRate(l1.Hits+l2.Hits, l2.Misses)
	return snap
}

// SnapshotJSON serializes the current snapshot
func (m *MetricsCollector) SnapshotJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Close stops the background loop
func (m *MetricsCollector) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
