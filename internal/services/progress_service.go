// internal/services/progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"
)

// 跟踪器状态
const (
	TrackerRunning   = "running"
	TrackerCompleted = "completed"
	TrackerFailed    = "failed"
)

// ProgressUpdate 推送给订阅者的进度
type ProgressUpdate struct {
	ProcessID  string `json:"process_id"`
	Stage      string `json:"stage"`       // 流水线阶段，对应 script_progress.json 的 state
	Progress   int    `json:"progress"`    // 进度百分比 (0-100)
	PartsDone  int    `json:"parts_done"`  // 已完成的部分数
	PartsTotal int    `json:"parts_total"` // 部分总数
	Message    string `json:"message"`
	Status     string `json:"status"` // running, completed, failed
}

// ProgressTracker 跟踪一个剧本任务的实时进度
type ProgressTracker struct {
	ProcessID   string
	Stage       string
	Progress    int
	PartsDone   int
	PartsTotal  int
	Message     string
	Status      string
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan ProgressUpdate]bool
	Done        chan struct{}
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 为任务创建跟踪器，已结束的旧跟踪器会被替换
func (s *ProgressService) CreateTracker(processID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[processID]; exists && !tracker.finished() {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		ProcessID:   processID,
		Message:     "任务初始化中...",
		Status:      TrackerRunning,
		StartTime:   now,
		UpdateTime:  now,
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}

	s.trackers[processID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(processID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[processID]
	return tracker, exists
}

func (t *ProgressTracker) finished() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.Status != TrackerRunning
}

// snapshot 调用方持有锁
func (t *ProgressTracker) snapshot() ProgressUpdate {
	return ProgressUpdate{
		ProcessID:  t.ProcessID,
		Stage:      t.Stage,
		Progress:   t.Progress,
		PartsDone:  t.PartsDone,
		PartsTotal: t.PartsTotal,
		Message:    t.Message,
		Status:     t.Status,
	}
}

// broadcast 非阻塞发送，通道已满时跳过
func (t *ProgressTracker) broadcast() {
	update := t.snapshot()
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// SetStage 进入新的流水线阶段
func (t *ProgressTracker) SetStage(stage, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TrackerRunning {
		return
	}
	t.Stage = stage
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcast()
}

// SetTotal 设置部分总数
func (t *ProgressTracker) SetTotal(total int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.PartsTotal = total
	t.PartsDone = 0
	t.UpdateTime = time.Now()
	t.broadcast()
}

// PartDone 完成一个部分，进度只增不减
func (t *ProgressTracker) PartDone() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TrackerRunning {
		return
	}
	t.PartsDone++
	if t.PartsTotal > 0 {
		if progress := t.PartsDone * 100 / t.PartsTotal; progress > t.Progress {
			t.Progress = progress
		}
	}
	t.Message = fmt.Sprintf("已处理 %d/%d 个部分", t.PartsDone, t.PartsTotal)
	t.UpdateTime = time.Now()
	t.broadcast()
}

// Complete 标记任务完成
func (t *ProgressTracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TrackerRunning {
		return
	}
	t.Progress = 100
	if message != "" {
		t.Message = message
	} else {
		t.Message = "任务已完成"
	}
	t.Status = TrackerCompleted
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.Done)
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TrackerRunning {
		return
	}
	t.Message = fmt.Sprintf("任务失败: %s", errorMsg)
	t.Status = TrackerFailed
	t.UpdateTime = time.Now()
	t.broadcast()
	close(t.Done)
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true
	subscriber <- t.snapshot()

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.Subscribers[subscriber]; !ok {
		return
	}
	delete(t.Subscribers, subscriber)
	close(subscriber)
}

// Snapshot 当前进度
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot()
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的跟踪器，返回清理数量
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isFinished := tracker.Status != TrackerRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isFinished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
