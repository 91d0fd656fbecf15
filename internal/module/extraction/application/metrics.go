package application

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// EncoderMetrics はエンコーダー呼び出しのメトリクスを管理する
type EncoderMetrics struct {
	mu sync.RWMutex

	callsByCapability    map[domain.Capability]int
	failuresByCapability map[domain.Capability]int
	samplesByCapability  map[domain.Capability]int
	latencyByCapability  map[domain.Capability][]time.Duration

	startTime    time.Time
	lastCallTime time.Time
}

// NewEncoderMetrics は新しいEncoderMetricsを作成する
func NewEncoderMetrics() *EncoderMetrics {
	return &EncoderMetrics{
		callsByCapability:    make(map[domain.Capability]int),
		failuresByCapability: make(map[domain.Capability]int),
		samplesByCapability:  make(map[domain.Capability]int),
		latencyByCapability:  make(map[domain.Capability][]time.Duration),
		startTime:            time.Now(),
	}
}

// EncodeMetric は単一のエンコーダー呼び出しのメトリクス
type EncodeMetric struct {
	Capability domain.Capability
	Samples    int
	Latency    time.Duration
	Success    bool
}

// Record は呼び出しのメトリクスを記録する
func (m *EncoderMetrics) Record(metric EncodeMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callsByCapability[metric.Capability]++
	m.lastCallTime = time.Now()

	if !metric.Success {
		m.failuresByCapability[metric.Capability]++
		return
	}
	m.samplesByCapability[metric.Capability] += metric.Samples
	m.latencyByCapability[metric.Capability] = append(m.latencyByCapability[metric.Capability], metric.Latency)
}

// EncoderMetricsSnapshot はメトリクスのスナップショット
type EncoderMetricsSnapshot struct {
	CapturedAt   time.Time     `json:"captured_at"`
	StartTime    time.Time     `json:"start_time"`
	ElapsedTime  time.Duration `json:"elapsed_time"`
	LastCallTime time.Time     `json:"last_call_time"`

	Calls    map[domain.Capability]int         `json:"calls"`
	Failures map[domain.Capability]int         `json:"failures"`
	Samples  map[domain.Capability]int         `json:"samples"`
	Latency  map[domain.Capability]LatencyStat `json:"latency"`
}

// LatencyStat はレイテンシの統計情報
type LatencyStat struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *EncoderMetrics) Snapshot() EncoderMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := EncoderMetricsSnapshot{
		CapturedAt:   time.Now(),
		StartTime:    m.startTime,
		ElapsedTime:  time.Since(m.startTime),
		LastCallTime: m.lastCallTime,
		Calls:        copyCountMap(m.callsByCapability),
		Failures:     copyCountMap(m.failuresByCapability),
		Samples:      copyCountMap(m.samplesByCapability),
		Latency:      make(map[domain.Capability]LatencyStat, len(m.latencyByCapability)),
	}
	for capability, latencies := range m.latencyByCapability {
		snapshot.Latency[capability] = calculateLatencyStat(latencies)
	}
	return snapshot
}

// ExportJSON はメトリクスをJSON形式でエクスポートする
func (m *EncoderMetrics) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(m.Snapshot(), "", "  ")
}

func copyCountMap(src map[domain.Capability]int) map[domain.Capability]int {
	dst := make(map[domain.Capability]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func calculateLatencyStat(latencies []time.Duration) LatencyStat {
	if len(latencies) == 0 {
		return LatencyStat{}
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	stat := LatencyStat{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
	}

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	stat.Average = sum / time.Duration(len(sorted))

	stat.P50 = sorted[len(sorted)*50/100]
	if len(sorted) > 1 {
		stat.P95 = sorted[len(sorted)*95/100]
		stat.P99 = sorted[len(sorted)*99/100]
	} else {
		stat.P95 = stat.Max
		stat.P99 = stat.Max
	}

	return stat
}
