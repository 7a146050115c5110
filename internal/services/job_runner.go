// internal/services/job_runner.go
package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// ErrRunnerClosed 关闭后不再接收任务
var ErrRunnerClosed = errors.New("任务执行器已关闭")

// Job 后台任务
type Job func(ctx context.Context) error

// JobRunner 监督后台任务：捕获 panic，失败时一定调用 onFailure
type JobRunner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	running map[string]string // key -> run id

	logger  *utils.Logger
	metrics *utils.PipelineMetrics
}

// NewJobRunner 创建任务执行器
func NewJobRunner(metrics *utils.PipelineMetrics) *JobRunner {
	ctx, cancel := context.WithCancel(context.Background())
	if metrics == nil {
		metrics = utils.NewPipelineMetrics()
	}
	return &JobRunner{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]string),
		logger:  utils.GetLogger(),
		metrics: metrics,
	}
}

// Submit 在后台执行任务，返回本次运行的 ID
func (r *JobRunner) Submit(key string, job Job, onFailure func(error)) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRunnerClosed
	}
	runID := uuid.New().String()
	r.running[key] = runID
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(key, runID, job, onFailure)
	return runID, nil
}

func (r *JobRunner) run(key, runID string, job Job, onFailure func(error)) {
	defer r.wg.Done()

	start := time.Now()
	r.metrics.JobStarted()
	r.logger.Info("后台任务开始", map[string]interface{}{
		"job":    key,
		"run_id": runID,
	})

	err := r.safeRun(job)

	r.mu.Lock()
	if r.running[key] == runID {
		delete(r.running, key)
	}
	r.mu.Unlock()
	r.metrics.JobFinished()

	fields := map[string]interface{}{
		"job":         key,
		"run_id":      runID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err == nil {
		r.metrics.RecordJob("completed", time.Since(start))
		r.logger.Info("后台任务完成", fields)
		return
	}

	r.metrics.RecordJob("failed", time.Since(start))
	fields["error"] = err.Error()
	r.logger.Error("后台任务失败", fields)
	if onFailure != nil {
		r.safeFailure(onFailure, err)
	}
}

// safeRun 把 panic 转为错误
func (r *JobRunner) safeRun(job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("后台任务异常", map[string]interface{}{
				"panic": fmt.Sprint(rec),
				"stack": string(debug.Stack()),
			})
			err = fmt.Errorf("任务异常: %v", rec)
		}
	}()
	return job(r.ctx)
}

func (r *JobRunner) safeFailure(onFailure func(error), err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("失败回调异常", map[string]interface{}{"panic": fmt.Sprint(rec)})
		}
	}()
	onFailure(err)
}

// Running 当前运行中的任务数
func (r *JobRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Shutdown 取消所有任务并等待退出，ctx 到期时返回其错误
func (r *JobRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
