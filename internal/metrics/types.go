package metrics

import (
	"sync"
	"time"
)

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming      MetricType = "timing"
	TypeCounter     MetricType = "counter"
	TypeSuccessFail MetricType = "success_fail"
)

// TimingMetric tracks timing statistics
type TimingMetric struct {
	mu    sync.RWMutex
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.RWMutex
	Value int64
	Last  time.Time
}

// SuccessFailMetric tracks success/failure ratios
type SuccessFailMetric struct {
	mu          sync.RWMutex
	Success     int64
	Fail        int64
	LastReason  string
	LastFailure time.Time
}

// MetricSnapshot is a point-in-time copy of one metric
type MetricSnapshot struct {
	Path  string     `json:"path"`
	Type  MetricType `json:"type"`
	Count int64      `json:"count,omitempty"`
	AvgMs float64    `json:"avg_ms,omitempty"`
	MaxMs float64    `json:"max_ms,omitempty"`
	Value int64      `json:"value,omitempty"`

	Success    int64  `json:"success,omitempty"`
	Fail       int64  `json:"fail,omitempty"`
	LastReason string `json:"last_reason,omitempty"`
}
