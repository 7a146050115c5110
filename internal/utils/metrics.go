// internal/utils/metrics.go
package utils

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram metric (count, sum, min, max)
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector 创建独立的指标收集器（测试中使用）
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot 读锁快路径，找不到时在写锁下创建
func (m *MetricsCollector) slot(table map[string]*int64, name string) *int64 {
	m.mu.RLock()
	value, exists := table[name]
	m.mu.RUnlock()
	if exists {
		return value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if value, exists = table[name]; !exists {
		value = new(int64)
		table[name] = value
	}
	return value
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	value, exists := m.gauges[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(value)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	value, exists := m.counters[name]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{min: value, max: value}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value
	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, value := range m.counters {
		counters[name] = atomic.LoadInt64(value)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, value := range m.gauges {
		gauges[name] = atomic.LoadInt64(value)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// PipelineMetrics 剧本流水线相关指标
type PipelineMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewPipelineMetrics 使用全局收集器
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWith(GetMetricsCollector())
}

// NewPipelineMetricsWith 使用指定收集器
func NewPipelineMetricsWith(collector *MetricsCollector) *PipelineMetrics {
	return &PipelineMetrics{
		metrics: collector,
		logger:  GetLogger(),
	}
}

// Collector 返回底层收集器
func (pm *PipelineMetrics) Collector() *MetricsCollector {
	return pm.metrics
}

// RecordAPIRequest records metrics for an API request
func (pm *PipelineMetrics) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	pm.metrics.IncrementCounter("api_requests_total")
	pm.metrics.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))
	pm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())

	pm.logger.Debug("API request completed", map[string]interface{}{
		"route":    route,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordLLMRequest 记录一次成功的模型调用，同时输出用量日志
func (pm *PipelineMetrics) RecordLLMRequest(backend, model string, promptTokens, completionTokens, totalTokens int, duration time.Duration) {
	pm.metrics.IncrementCounter("llm_requests_total")
	pm.metrics.IncrementCounter("llm_requests_" + backend)
	pm.metrics.AddCounter("llm_tokens_total", int64(totalTokens))
	pm.metrics.RecordHistogram("llm_response_time_ms_"+backend, duration.Milliseconds())

	pm.logger.Info("LLM usage", map[string]interface{}{
		"backend":           backend,
		"model":             model,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      totalTokens,
		"duration_ms":       duration.Milliseconds(),
	})
}

// RecordLLMFailure 记录一次后端调用失败
func (pm *PipelineMetrics) RecordLLMFailure(backend string) {
	pm.metrics.IncrementCounter("llm_failures_total")
	pm.metrics.IncrementCounter("llm_failures_" + backend)
}

// RecordJob 记录后台任务结果 (completed / failed)
func (pm *PipelineMetrics) RecordJob(outcome string, duration time.Duration) {
	pm.metrics.IncrementCounter("script_jobs_" + outcome)
	pm.metrics.RecordHistogram("script_job_duration_ms", duration.Milliseconds())
}

// JobStarted / JobFinished 维护运行中任务数量
func (pm *PipelineMetrics) JobStarted() {
	pm.metrics.IncGauge("script_jobs_running")
}

func (pm *PipelineMetrics) JobFinished() {
	pm.metrics.DecGauge("script_jobs_running")
}

// RecordError records an error metric
func (pm *PipelineMetrics) RecordError(errorType, component string) {
	pm.metrics.IncrementCounter("errors_total")
	pm.metrics.IncrementCounter("errors_" + errorType)
	pm.metrics.IncrementCounter("errors_" + component)
}
