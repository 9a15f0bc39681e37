// internal/services/stats_service.go
package services

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// UsageStats 表示API使用统计
type UsageStats struct {
	TodayRequests int            `json:"today_requests"`
	MonthlyTokens int            `json:"monthly_tokens"`
	DailyStats    map[string]int `json:"daily_stats"`
	MonthlyStats  map[string]int `json:"monthly_stats"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// StatsOverview 面向/api/stats的汇总视图：落盘的用量 + 进程内运行指标
type StatsOverview struct {
	Usage   *UsageStats            `json:"usage"`
	Runtime map[string]interface{} `json:"runtime"`
	Uptime  int64                  `json:"uptime_seconds"`
}

// StatsService 提供API使用统计功能
type StatsService struct {
	BasePath    string      // 统计数据存储路径
	statsFile   string      // 统计文件名
	mutex       sync.Mutex  // 用于数据访问的互斥锁
	cachedStats *UsageStats // 缓存的统计数据

	// 缓存字段
	lastCheckDate  string
	lastCheckMonth string
	lastCheckTime  time.Time

	// 批量保存控制
	isDirty      bool
	lastSaveTime time.Time
	saveInterval time.Duration

	startedAt time.Time
	stopSave  chan struct{}
	stopOnce  sync.Once
}

// NewStatsService 创建统计服务实例
func NewStatsService() *StatsService {
	basePath := filepath.Join(config.GetCurrentConfig().DataDir, "stats")

	if err := os.MkdirAll(basePath, 0755); err != nil {
		utils.GetLogger().Warn("创建统计目录失败", map[string]interface{}{
			"path":  basePath,
			"error": err.Error(),
		})
	}

	service := &StatsService{
		BasePath:     basePath,
		statsFile:    filepath.Join(basePath, "usage_stats.json"),
		saveInterval: 30 * time.Second,
		startedAt:    time.Now(),
		stopSave:     make(chan struct{}),
	}

	service.startPeriodicSave()

	return service
}

// initStatsUnlocked 初始化统计数据，调用方必须已持有mutex
func (s *StatsService) initStatsUnlocked() {
	if loadedStats, err := s.loadStats(); err == nil {
		s.updateStatsForNewPeriod(loadedStats)
		s.cachedStats = loadedStats
		return
	}

	// 加载失败或文件不存在，从零开始
	s.cachedStats = &UsageStats{
		DailyStats:   make(map[string]int),
		MonthlyStats: make(map[string]int),
		LastUpdated:  time.Now(),
	}

	if err := s.saveStats(s.cachedStats); err != nil {
		utils.GetLogger().Warn("保存初始统计数据失败", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// updateStatsForNewPeriod 跨天清零当日计数，跨月清零月度token
func (s *StatsService) updateStatsForNewPeriod(stats *UsageStats) {
	now := time.Now()
	today := now.Format("2006-01-02")
	thisMonth := now.Format("2006-01")

	lastDate := stats.LastUpdated.Format("2006-01-02")
	lastMonth := stats.LastUpdated.Format("2006-01")

	updated := false

	if today != lastDate {
		stats.TodayRequests = 0
		updated = true
	}
	if thisMonth != lastMonth {
		stats.MonthlyTokens = 0
		updated = true
	}

	if updated {
		stats.LastUpdated = now
		if err := s.saveStats(stats); err != nil {
			utils.GetLogger().Warn("更新时间段统计失败", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// loadStats 从文件加载统计数据
func (s *StatsService) loadStats() (*UsageStats, error) {
	data, err := os.ReadFile(s.statsFile)
	if err != nil {
		return nil, fmt.Errorf("读取统计文件失败: %w", err)
	}

	var stats UsageStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("解析统计数据失败: %w", err)
	}

	if stats.DailyStats == nil {
		stats.DailyStats = make(map[string]int)
	}
	if stats.MonthlyStats == nil {
		stats.MonthlyStats = make(map[string]int)
	}

	return &stats, nil
}

// saveStats 保存统计数据到文件，临时文件加重命名保证原子性
func (s *StatsService) saveStats(stats *UsageStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化统计数据失败: %w", err)
	}

	tempFile := s.statsFile + ".tmp"

	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("写入临时统计文件失败: %w", err)
	}

	if err := os.Rename(tempFile, s.statsFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("替换统计文件失败: %w", err)
	}

	return nil
}

// GetUsageStats 获取API使用统计
func (s *StatsService) GetUsageStats() *UsageStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	// 缓存时间段检查结果，避免每次请求都做日期比较
	if s.needsPeriodUpdate() {
		s.updateStatsForNewPeriod(s.cachedStats)
	}

	return s.createStatsCopy()
}

// GetOverview 汇总落盘用量与进程内指标，供统计接口返回
func (s *StatsService) GetOverview() *StatsOverview {
	return &StatsOverview{
		Usage:   s.GetUsageStats(),
		Runtime: utils.GetMetricsCollector().GetMetrics(),
		Uptime:  int64(time.Since(s.startedAt).Seconds()),
	}
}

// needsPeriodUpdate 最多每10分钟做一次真正的日期比较
func (s *StatsService) needsPeriodUpdate() bool {
	now := time.Now()

	if now.Sub(s.lastCheckTime) < 10*time.Minute {
		return false
	}

	s.lastCheckTime = now
	currentDate := now.Format("2006-01-02")
	currentMonth := now.Format("2006-01")

	needsUpdate := currentDate != s.lastCheckDate || currentMonth != s.lastCheckMonth

	if needsUpdate {
		s.lastCheckDate = currentDate
		s.lastCheckMonth = currentMonth
	}

	return needsUpdate
}

// createStatsCopy 创建统计数据的深度副本
func (s *StatsService) createStatsCopy() *UsageStats {
	if s.cachedStats == nil {
		return &UsageStats{
			DailyStats:   make(map[string]int),
			MonthlyStats: make(map[string]int),
			LastUpdated:  time.Now(),
		}
	}

	return &UsageStats{
		TodayRequests: s.cachedStats.TodayRequests,
		MonthlyTokens: s.cachedStats.MonthlyTokens,
		DailyStats:    copyIntMap(s.cachedStats.DailyStats),
		MonthlyStats:  copyIntMap(s.cachedStats.MonthlyStats),
		LastUpdated:   s.cachedStats.LastUpdated,
	}
}

func copyIntMap(original map[string]int) map[string]int {
	if original == nil {
		return make(map[string]int)
	}

	cp := make(map[string]int, len(original))
	maps.Copy(cp, original)
	return cp
}

// RecordAPIRequest 记录一次请求及其消耗的token数
// 写入只改内存并打脏标记，落盘交给定时器，避免每个请求一次磁盘IO
func (s *StatsService) RecordAPIRequest(tokens int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cachedStats == nil {
		s.initStatsUnlocked()
	}

	now := time.Now()
	today := now.Format("2006-01-02")
	month := now.Format("2006-01")

	s.cachedStats.TodayRequests++
	s.cachedStats.MonthlyTokens += tokens
	s.cachedStats.DailyStats[today]++
	s.cachedStats.MonthlyStats[month] += tokens
	s.cachedStats.LastUpdated = now

	s.isDirty = true

	if now.Sub(s.lastSaveTime) > s.saveInterval {
		return s.saveStatsImmediate()
	}

	return nil
}

// saveStatsImmediate 立即保存，调用方必须已持有mutex
func (s *StatsService) saveStatsImmediate() error {
	if !s.isDirty {
		return nil
	}

	err := s.saveStats(s.cachedStats)
	if err == nil {
		s.isDirty = false
		s.lastSaveTime = time.Now()
	}
	return err
}

// startPeriodicSave 定时把脏数据落盘，Close时退出
func (s *StatsService) startPeriodicSave() {
	go func() {
		ticker := time.NewTicker(s.saveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopSave:
				return
			case <-ticker.C:
				s.mutex.Lock()
				if s.isDirty {
					if err := s.saveStatsImmediate(); err != nil {
						utils.GetLogger().Warn("定时保存统计数据失败", map[string]interface{}{
							"error": err.Error(),
						})
					}
				}
				s.mutex.Unlock()
			}
		}
	}()
}

// ResetStats 重置统计数据，仅用于测试或管理目的
func (s *StatsService) ResetStats() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	newStats := &UsageStats{
		DailyStats:   make(map[string]int),
		MonthlyStats: make(map[string]int),
		LastUpdated:  time.Now(),
	}

	if err := s.saveStats(newStats); err != nil {
		return err
	}

	s.cachedStats = newStats
	return nil
}

// Close 停止定时保存并把剩余脏数据落盘
func (s *StatsService) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopSave)
	})

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isDirty {
		return s.saveStatsImmediate()
	}
	return nil
}
