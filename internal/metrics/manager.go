// Package metrics collects lightweight in-process counters and timings
// for the session, collector and automation engine.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	successFail map[string]*SuccessFailMetric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = newManager()
	})
	return instance
}

func newManager() *MetricsManager {
	return &MetricsManager{
		timings:     make(map[string]*TimingMetric),
		counters:    make(map[string]*CounterMetric),
		successFail: make(map[string]*SuccessFailMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration directly
func (m *MetricsManager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, ok := m.timings[path]
	if !ok {
		metric = &TimingMetric{}
		m.timings[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()
	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if metric.Min == 0 || duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}
}

// AddCounter adds delta to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, ok := m.counters[path]
	if !ok {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	metric.Value += delta
	metric.Last = time.Now()
	metric.mu.Unlock()
}

func (m *MetricsManager) successFailFor(path string) *SuccessFailMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric, ok := m.successFail[path]
	if !ok {
		metric = &SuccessFailMetric{}
		m.successFail[path] = metric
	}
	return metric
}

// RecordSuccess records a successful operation
func (m *MetricsManager) RecordSuccess(topic, function string) {
	metric := m.successFailFor(buildPath(topic, function))
	metric.mu.Lock()
	metric.Success++
	metric.mu.Unlock()
}

// RecordFailure records a failed operation with an optional reason
func (m *MetricsManager) RecordFailure(topic, function, reason string) {
	metric := m.successFailFor(buildPath(topic, function))
	metric.mu.Lock()
	metric.Fail++
	metric.LastReason = reason
	metric.LastFailure = time.Now()
	metric.mu.Unlock()
}

// GetSnapshot returns all metrics sorted by path
func (m *MetricsManager) GetSnapshot() []MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MetricSnapshot, 0, len(m.timings)+len(m.counters)+len(m.successFail))
	for path, t := range m.timings {
		t.mu.RLock()
		snap := MetricSnapshot{Path: path, Type: TypeTiming, Count: t.Count, MaxMs: ms(t.Max)}
		if t.Count > 0 {
			snap.AvgMs = ms(t.Total) / float64(t.Count)
		}
		t.mu.RUnlock()
		out = append(out, snap)
	}
	for path, c := range m.counters {
		c.mu.RLock()
		out = append(out, MetricSnapshot{Path: path, Type: TypeCounter, Value: c.Value})
		c.mu.RUnlock()
	}
	for path, sf := range m.successFail {
		sf.mu.RLock()
		out = append(out, MetricSnapshot{
			Path:       path,
			Type:       TypeSuccessFail,
			Success:    sf.Success,
			Fail:       sf.Fail,
			LastReason: sf.LastReason,
		})
		sf.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Reset clears all metrics
func (m *MetricsManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*TimingMetric)
	m.counters = make(map[string]*CounterMetric)
	m.successFail = make(map[string]*SuccessFailMetric)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
