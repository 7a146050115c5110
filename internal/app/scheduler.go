// internal/app/scheduler.go
package app

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// JobInfo 定时任务信息
type JobInfo struct {
	ID       string     `json:"id"`
	Interval string     `json:"interval"`
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Runs     int        `json:"runs"`
}

type scheduledJob struct {
	info JobInfo
	job  *gocron.Job
}

// Scheduler 维护类定时任务，同一任务不会重叠执行
type Scheduler struct {
	scheduler *gocron.Scheduler
	jobs      map[string]*scheduledJob
	mu        sync.RWMutex
	running   bool
	logger    *utils.Logger
}

// NewScheduler 创建调度器
func NewScheduler() *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]*scheduledJob),
		logger:    utils.GetLogger(),
	}
}

// AddJob 按固定间隔注册任务
func (s *Scheduler) AddJob(id string, every time.Duration, task func()) error {
	if every <= 0 {
		return fmt.Errorf("任务 %s 的间隔必须大于0", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("任务已存在: %s", id)
	}

	entry := &scheduledJob{info: JobInfo{ID: id, Interval: every.String()}}
	job, err := s.scheduler.Every(every).WaitForSchedule().Do(func() {
		now := time.Now()
		s.mu.Lock()
		entry.info.LastRun = &now
		entry.info.Runs++
		s.mu.Unlock()

		task()
	})
	if err != nil {
		return fmt.Errorf("创建定时任务失败: %w", err)
	}
	entry.job = job
	s.jobs[id] = entry

	s.logger.Debug("定时任务已注册", map[string]interface{}{
		"job_id":   id,
		"interval": every.String(),
	})
	return nil
}

// Start 异步启动
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.scheduler.StartAsync()
	s.running = true
	s.logger.Info("定时任务调度器已启动", map[string]interface{}{"jobs": len(s.jobs)})
}

// Stop 停止调度
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.scheduler.Stop()
	s.running = false
	s.logger.Info("定时任务调度器已停止", nil)
}

// IsRunning 调度器是否在运行
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ListJobs 返回任务信息的副本，按 ID 排序
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]JobInfo, 0, len(s.jobs))
	for _, entry := range s.jobs {
		info := entry.info
		if entry.info.LastRun != nil {
			lastRun := *entry.info.LastRun
			info.LastRun = &lastRun
		}
		if entry.job != nil {
			nextRun := entry.job.NextRun()
			info.NextRun = &nextRun
		}
		jobs = append(jobs, info)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}
