// internal/services/Progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"
)

// 任务状态
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	Progress int    `json:"progress"` // 进度百分比 (0-100)
	Message  string `json:"message"`  // 描述性消息
	Status   string `json:"status"`   // 状态：running, completed, failed
}

// ProgressTracker 跟踪长时间运行任务的进度
type ProgressTracker struct {
	TaskID      string                       // 任务唯一标识符
	Progress    int                          // 进度百分比 (0-100)
	Message     string                       // 当前状态描述
	Status      string                       // 状态：running, completed, failed
	StartTime   time.Time                    // 开始时间
	UpdateTime  time.Time                    // 最后更新时间
	Subscribers map[chan ProgressUpdate]bool // 订阅进度更新的通道
	Done        chan struct{}                // 任务完成信号
	terminal    bool                         // 已进入终态，Done只关一次
	mutex       sync.Mutex                   // 保护并发访问
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

// CreateTracker 创建新的进度跟踪器
func (s *ProgressService) CreateTracker(taskID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// 如果已存在，返回现有追踪器
	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	tracker := &ProgressTracker{
		TaskID:      taskID,
		Progress:    0,
		Message:     "任务初始化中...",
		Status:      TaskStatusRunning,
		StartTime:   time.Now(),
		UpdateTime:  time.Now(),
		Subscribers: make(map[chan ProgressUpdate]bool),
		Done:        make(chan struct{}),
	}

	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// UpdateProgress 更新任务进度，进度只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.terminal {
		return
	}

	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()

	t.broadcast(ProgressUpdate{
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	})
}

// Complete 标记任务完成
// 终态只进一次，重复的Complete/Fail直接忽略
func (t *ProgressTracker) Complete(message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.terminal {
		return
	}
	t.terminal = true

	t.Progress = 100
	if message != "" {
		t.Message = message
	} else {
		t.Message = "任务已完成"
	}
	t.Status = TaskStatusCompleted
	t.UpdateTime = time.Now()

	t.broadcast(ProgressUpdate{
		Progress: 100,
		Message:  t.Message,
		Status:   TaskStatusCompleted,
	})

	close(t.Done)
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(errorMsg string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.terminal {
		return
	}
	t.terminal = true

	t.Message = fmt.Sprintf("任务失败: %s", errorMsg)
	t.Status = TaskStatusFailed
	t.UpdateTime = time.Now()

	t.broadcast(ProgressUpdate{
		Progress: t.Progress,
		Message:  t.Message,
		Status:   TaskStatusFailed,
	})

	close(t.Done)
}

// broadcast 非阻塞通知所有订阅者，通道满则丢弃，调用方必须已持有mutex
func (t *ProgressTracker) broadcast(update ProgressUpdate) {
	for subscriber := range t.Subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
}

// Subscribe 订阅进度更新
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为10以避免阻塞发送方
	subscriber := make(chan ProgressUpdate, 10)
	t.Subscribers[subscriber] = true

	// 立即发送当前状态
	subscriber <- ProgressUpdate{
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.Subscribers[subscriber]; !exists {
		return
	}
	delete(t.Subscribers, subscriber)
	close(subscriber)
}

// CleanupCompletedTasks 清理已完成的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		isCompleted := tracker.terminal
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if isCompleted && isOld {
			delete(s.trackers, id)
		}
	}
}
