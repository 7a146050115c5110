package utils

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsCollectorConcurrentCounters(t *testing.T) {
	collector := NewMetricsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("hits")
			collector.AddCounter("tokens", 10)
		}()
	}
	wg.Wait()

	if got := collector.GetCounterValue("hits"); got != 50 {
		t.Fatalf("计数器应为50, 实际 %d", got)
	}
	if got := collector.GetCounterValue("tokens"); got != 500 {
		t.Fatalf("token计数应为500, 实际 %d", got)
	}
}

func TestPipelineMetricsSnapshot(t *testing.T) {
	collector := NewMetricsCollector()
	pm := NewPipelineMetricsWith(collector)

	pm.RecordLLMRequest("qwen", "qwen-max", 10, 20, 30, 150*time.Millisecond)
	pm.RecordLLMRequest("qwen", "qwen-max", 1, 2, 3, 50*time.Millisecond)
	pm.RecordAPIRequest("/api/script/:id", "POST", 404, time.Millisecond)
	pm.JobStarted()
	pm.JobStarted()
	pm.JobFinished()

	if got := collector.GetCounterValue("llm_tokens_total"); got != 33 {
		t.Fatalf("token总数应为33, 实际 %d", got)
	}
	if got := collector.GetCounterValue("api_responses_4xx"); got != 1 {
		t.Fatalf("4xx计数应为1, 实际 %d", got)
	}
	if got := collector.GetGauge("script_jobs_running"); got != 1 {
		t.Fatalf("运行中任务应为1, 实际 %d", got)
	}

	snapshot := collector.GetMetrics()
	histograms := snapshot["histograms"].(map[string]map[string]int64)
	latency := histograms["llm_response_time_ms_qwen"]
	if latency["count"] != 2 || latency["min"] != 50 || latency["max"] != 150 {
		t.Fatalf("延迟直方图不正确: %v", latency)
	}
}
