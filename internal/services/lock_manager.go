// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按故事ID分配互斥锁，串行化同一故事上的全部变更。
// 创作状态、会话线程和故事文件共用同一把锁，避免交叉写入。
type LockManager struct {
	storyLocks map[string]*storyLock
	globalLock sync.RWMutex

	cleanupTicker *time.Ticker
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// storyLock 单个故事的锁及其最近使用时间
type storyLock struct {
	mu       sync.RWMutex
	lastUsed time.Time
}

// NewLockManager 创建锁管理器并启动空闲锁清理
func NewLockManager() *LockManager {
	lm := &LockManager{
		storyLocks: make(map[string]*storyLock),
		stopCh:     make(chan struct{}),
	}
	lm.startCleanup()
	return lm
}

// getStoryLock 取出或创建故事锁，双重检查避免重复创建
func (lm *LockManager) getStoryLock(storyID string) *storyLock {
	lm.globalLock.RLock()
	if info, exists := lm.storyLocks[storyID]; exists {
		lm.globalLock.RUnlock()
		return info
	}
	lm.globalLock.RUnlock()

	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	if info, exists := lm.storyLocks[storyID]; exists {
		info.lastUsed = time.Now()
		return info
	}

	info := &storyLock{lastUsed: time.Now()}
	lm.storyLocks[storyID] = info
	return info
}

// touch 在全局锁保护下更新最近使用时间
func (lm *LockManager) touch(storyID string) {
	lm.globalLock.Lock()
	if info, exists := lm.storyLocks[storyID]; exists {
		info.lastUsed = time.Now()
	}
	lm.globalLock.Unlock()
}

// ExecuteWithStoryLock 在故事写锁保护下执行操作
func (lm *LockManager) ExecuteWithStoryLock(storyID string, fn func() error) error {
	info := lm.getStoryLock(storyID)

	info.mu.Lock()
	defer info.mu.Unlock()

	lm.touch(storyID)
	return fn()
}

// ExecuteWithStoryReadLock 在故事读锁保护下执行操作
func (lm *LockManager) ExecuteWithStoryReadLock(storyID string, fn func() error) error {
	info := lm.getStoryLock(storyID)

	info.mu.RLock()
	defer info.mu.RUnlock()

	lm.touch(storyID)
	return fn()
}

// startCleanup 定期清理长时间未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks()
			case <-lm.stopCh:
				return
			}
		}
	}()
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() {
		lm.cleanupTicker.Stop()
		close(lm.stopCh)
	})
}

func (lm *LockManager) cleanupUnusedLocks() {
	const maxLocks = 200
	const lockTimeout = 30 * time.Minute

	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 锁数量不多时不值得清理
	if len(lm.storyLocks) <= maxLocks {
		return
	}

	now := time.Now()
	for storyID, info := range lm.storyLocks {
		if now.Sub(info.lastUsed) > lockTimeout {
			// 持有中的锁不能删：TryLock失败说明还有人在用
			if info.mu.TryLock() {
				info.mu.Unlock()
				delete(lm.storyLocks, storyID)
			}
		}
	}
}
