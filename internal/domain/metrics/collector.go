package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Metric names recorded by the collector
const (
	MetricRequestLatency   = "request_latency"
	MetricRequestSent      = "request_sent"
	MetricRequestSucceeded = "request_succeeded"
	MetricRequestFailed    = "request_failed"
	MetricSnapshotSaved    = "snapshot_saved"
	MetricSaveFailure      = "snapshot_save_failure"
	MetricPlaybackStarted  = "playback_started"
)

const latencyWindow = 20

// Metric represents a single metric measurement
type Metric struct {
	Name      string                 `json:"name"`
	Value     interface{}            `json:"value"`
	Timestamp time.Time              `json:"timestamp"`
	Tags      map[string]string      `json:"tags,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// SystemMetrics contains aggregated engine metrics
type SystemMetrics struct {
	AvgLatency  int64       `json:"avg_latency"`
	P95Latency  int64       `json:"p95_latency"`
	P99Latency  int64       `json:"p99_latency"`
	Latencies   []int64     `json:"latencies"`
	Requests    RequestFlow `json:"requests"`
	Persistence Persistence `json:"persistence"`
	Playbacks   int64       `json:"playbacks"`
	Timestamp   time.Time   `json:"timestamp"`
}

// RequestFlow tracks answer request statistics
type RequestFlow struct {
	Sent      int64 `json:"sent"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Persistence tracks snapshot write statistics
type Persistence struct {
	Saved    int64 `json:"saved"`
	Failures int64 `json:"failures"`
}

// Collector aggregates and provides access to engine metrics
type Collector struct {
	mu          sync.RWMutex
	metrics     []Metric
	maxMetrics  int
	systemStats *SystemMetrics
	lastUpdate  time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		metrics:     make([]Metric, 0, 1000),
		maxMetrics:  1000,
		systemStats: newSystemMetrics(),
		lastUpdate:  time.Now(),
	}
}

func newSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		Latencies: make([]int64, 0, latencyWindow),
		Timestamp: time.Now(),
	}
}

// RecordMetric adds a new metric measurement
func (c *Collector) RecordMetric(metric Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metric.Timestamp = time.Now()
	c.metrics = append(c.metrics, metric)

	if len(c.metrics) > c.maxMetrics {
		c.metrics = c.metrics[len(c.metrics)-c.maxMetrics:]
	}

	c.updateSystemStats(metric)
}

// RecordRequestLatency records how long an answer request took
func (c *Collector) RecordRequestLatency(workspace string, duration time.Duration) {
	c.RecordMetric(Metric{
		Name:  MetricRequestLatency,
		Value: duration.Milliseconds(),
		Tags:  map[string]string{"workspace": workspace},
	})
}

// RecordRequestSent counts a request leaving for the backend
func (c *Collector) RecordRequestSent(workspace string) {
	c.count(MetricRequestSent, workspace)
}

// RecordRequestSucceeded counts a request that produced an answer
func (c *Collector) RecordRequestSucceeded(workspace string) {
	c.count(MetricRequestSucceeded, workspace)
}

// RecordRequestFailed counts a failed request by error kind
func (c *Collector) RecordRequestFailed(workspace, kind string) {
	c.RecordMetric(Metric{
		Name:  MetricRequestFailed,
		Value: int64(1),
		Tags:  map[string]string{"workspace": workspace, "kind": kind},
	})
}

// RecordSnapshotSaved counts a successful snapshot write
func (c *Collector) RecordSnapshotSaved() {
	c.count(MetricSnapshotSaved, "")
}

// RecordSaveFailure counts a snapshot write that was logged and dropped
func (c *Collector) RecordSaveFailure() {
	c.count(MetricSaveFailure, "")
}

// RecordPlaybackStarted counts an utterance handed to the speech engine
func (c *Collector) RecordPlaybackStarted(workspace, source string) {
	c.RecordMetric(Metric{
		Name:  MetricPlaybackStarted,
		Value: int64(1),
		Tags:  map[string]string{"workspace": workspace, "source": source},
	})
}

func (c *Collector) count(name, workspace string) {
	m := Metric{Name: name, Value: int64(1)}
	if workspace != "" {
		m.Tags = map[string]string{"workspace": workspace}
	}
	c.RecordMetric(m)
}

// GetSystemMetrics returns current aggregated metrics
func (c *Collector) GetSystemMetrics(ctx context.Context) map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.systemStats
	return map[string]interface{}{
		"avg_latency": s.AvgLatency,
		"p95_latency": s.P95Latency,
		"p99_latency": s.P99Latency,
		"latencies":   append([]int64{}, s.Latencies...),
		"requests": map[string]interface{}{
			"sent":      s.Requests.Sent,
			"succeeded": s.Requests.Succeeded,
			"failed":    s.Requests.Failed,
		},
		"persistence": map[string]interface{}{
			"saved":    s.Persistence.Saved,
			"failures": s.Persistence.Failures,
		},
		"playbacks": s.Playbacks,
		"timestamp": s.Timestamp,
	}
}

// Snapshot returns a copy of the aggregated metrics
func (c *Collector) Snapshot() SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := *c.systemStats
	out.Latencies = append([]int64{}, c.systemStats.Latencies...)
	return out
}

// GetMetrics returns recent metrics with optional filtering
func (c *Collector) GetMetrics(ctx context.Context, filter map[string]string, limit int) []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var filtered []Metric
	for i := len(c.metrics) - 1; i >= 0 && len(filtered) < limit; i-- {
		if matchesFilter(c.metrics[i], filter) {
			filtered = append(filtered, c.metrics[i])
		}
	}

	// Chronological order
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered
}

func (c *Collector) updateSystemStats(metric Metric) {
	now := time.Now()

	switch metric.Name {
	case MetricRequestLatency:
		if ms, ok := metric.Value.(int64); ok {
			c.systemStats.Latencies = append(c.systemStats.Latencies, ms)
			if len(c.systemStats.Latencies) > latencyWindow {
				c.systemStats.Latencies = c.systemStats.Latencies[1:]
			}
			c.calculateLatencyStats()
		}
	case MetricRequestSent:
		c.systemStats.Requests.Sent++
	case MetricRequestSucceeded:
		c.systemStats.Requests.Succeeded++
	case MetricRequestFailed:
		c.systemStats.Requests.Failed++
	case MetricSnapshotSaved:
		c.systemStats.Persistence.Saved++
	case MetricSaveFailure:
		c.systemStats.Persistence.Failures++
	case MetricPlaybackStarted:
		c.systemStats.Playbacks++
	}

	c.systemStats.Timestamp = now
	c.lastUpdate = now
}

// calculateLatencyStats computes avg, p95, p99 over the latency window
func (c *Collector) calculateLatencyStats() {
	times := c.systemStats.Latencies
	if len(times) == 0 {
		return
	}

	sorted := make([]int64, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, t := range times {
		sum += t
	}
	c.systemStats.AvgLatency = sum / int64(len(times))

	n := len(sorted)
	c.systemStats.P95Latency = sorted[int(float64(n)*0.95)]
	c.systemStats.P99Latency = sorted[int(float64(n)*0.99)]
}

func matchesFilter(metric Metric, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	if name, exists := filter["name"]; exists && metric.Name != name {
		return false
	}
	for key, value := range filter {
		if key == "name" {
			continue
		}
		if tagValue, exists := metric.Tags[key]; !exists || tagValue != value {
			return false
		}
	}
	return true
}

// GetLastUpdateTime returns when metrics were last updated
func (c *Collector) GetLastUpdateTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
