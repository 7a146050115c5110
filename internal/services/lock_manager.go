// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按键管理互斥锁，用于书籍读改写和剧本任务独占
type LockManager struct {
	locks      map[string]*LockInfo
	globalLock sync.Mutex
	lockTTL    time.Duration
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex          *sync.Mutex
	LastUsed       time.Time
	ReferenceCount int32 // 正在等待或持有的次数，大于 0 时不会被清理
	held           bool  // TryAcquire 获得的独占标记
}

// NewLockManager 创建锁管理器，空闲锁由调度器调用 CleanupUnusedLocks 清理
func NewLockManager() *LockManager {
	return &LockManager{
		locks:   make(map[string]*LockInfo),
		lockTTL: 30 * time.Minute,
	}
}

// acquireInfo 取出锁信息并增加引用
func (lm *LockManager) acquireInfo(key string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.locks[key]
	if !exists {
		info = &LockInfo{Mutex: &sync.Mutex{}}
		lm.locks[key] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) releaseInfo(info *LockInfo) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info.ReferenceCount--
	info.LastUsed = time.Now()
}

// ExecuteWithLock 在键锁保护下执行操作
func (lm *LockManager) ExecuteWithLock(key string, fn func() error) error {
	info := lm.acquireInfo(key)
	defer lm.releaseInfo(info)

	info.Mutex.Lock()
	defer info.Mutex.Unlock()

	return fn()
}

// TryAcquire 非阻塞获取独占标记，已被持有时返回 false
func (lm *LockManager) TryAcquire(key string) bool {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.locks[key]
	if !exists {
		info = &LockInfo{Mutex: &sync.Mutex{}}
		lm.locks[key] = info
	}
	if info.held {
		return false
	}
	info.held = true
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return true
}

// Release 释放 TryAcquire 获得的独占标记
func (lm *LockManager) Release(key string) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.locks[key]
	if !exists || !info.held {
		return
	}
	info.held = false
	info.ReferenceCount--
	info.LastUsed = time.Now()
}

// IsHeld 独占标记是否被持有
func (lm *LockManager) IsHeld(key string) bool {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.locks[key]
	return exists && info.held
}

// CleanupUnusedLocks 清理长时间未使用且无人引用的锁，返回清理数量
func (lm *LockManager) CleanupUnusedLocks() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	removed := 0
	now := time.Now()
	for key, info := range lm.locks {
		if info.ReferenceCount > 0 {
			continue
		}
		if now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.locks, key)
			removed++
		}
	}
	return removed
}
