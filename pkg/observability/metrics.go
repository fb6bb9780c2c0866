package observability

import (
	"sync"
	"time"
)

// metricsClient is an in-memory metrics client. It keeps last-written values
// so tests and the cache metrics collector can read them back; production
// deployments layer the Prometheus collector in pkg/cache on top.
type metricsClient struct {
	enabled bool
	labels  map[string]string

	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{},
	})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:    options.Enabled,
		labels:     options.Labels,
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

// RecordCounter adds value to the named counter
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// RecordGauge sets the named gauge
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// RecordHistogram records an observation for the named histogram
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.histograms[name] = append(m.histograms[name], value)
	m.mu.Unlock()
}

// RecordTimer records a duration observation in seconds
func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache operation with its outcome
func (m *metricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	labels := map[string]string{"operation": operation, "success": boolLabel(success)}
	m.RecordCounter("cache_operations_total", 1.0, labels)
	m.RecordHistogram("cache_operation_duration_seconds", durationSeconds, labels)
}

// RecordOperation records a component operation with its outcome
func (m *metricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	merged := map[string]string{"component": component, "operation": operation, "success": boolLabel(success)}
	for k, v := range labels {
		merged[k] = v
	}
	m.RecordCounter("operations_total", 1.0, merged)
	m.RecordHistogram("operation_duration_seconds", durationSeconds, merged)
}

// StartTimer returns a function that records the elapsed time when called
func (m *metricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordTimer(name, time.Since(start), labels)
	}
}

// IncrementCounter increments a counter by value without labels
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

// IncrementCounterWithLabels increments a counter by value with custom labels
func (m *metricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	effective := m.labels
	if labels != nil {
		effective = labels
	}
	m.RecordCounter(name, value, effective)
}

// Close releases resources held by the client
func (m *metricsClient) Close() error {
	return nil
}

// CounterValue returns the current value of a counter; test helper
func (m *metricsClient) CounterValue(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NoopMetricsClient discards all metrics
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that discards everything
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (n *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string)   {}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)     {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}
func (n *NoopMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
}
func (n *NoopMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
}
func (n *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}
func (n *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}
func (n *NoopMetricsClient) IncrementCounter(name string, value float64) {}
func (n *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}
func (n *NoopMetricsClient) Close() error { return nil }
