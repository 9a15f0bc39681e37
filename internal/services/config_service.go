// internal/services/config_service.go
package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/llm"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// ConfigService 管理运行期设置：LLM提供商切换、调试开关、变更审计
type ConfigService struct {
	// LLM服务引用，提供商变更后需要热切换
	llm *LLMService

	// 配置变更事件订阅者
	subscribers []ConfigChangeSubscriber

	// 配置变更历史，容量封顶
	changeHistory []ConfigChangeRecord

	// 最近一次变更时间
	lastUpdated time.Time

	mu sync.RWMutex
}

// ConfigChangeSubscriber 配置变更订阅者接口
type ConfigChangeSubscriber interface {
	OnConfigChanged(oldConfig, newConfig *config.AppConfig)
}

// ConfigChangeRecord 配置变更记录
// 密钥入库前先掩码，历史里不留明文
type ConfigChangeRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	ChangedBy string      `json:"changed_by"`
	Section   string      `json:"section"`
	OldValue  interface{} `json:"old_value"`
	NewValue  interface{} `json:"new_value"`
}

// SettingsView 面向API的设置视图，密钥只给掩码
type SettingsView struct {
	Provider           string    `json:"provider"`
	DefaultModel       string    `json:"default_model"`
	APIKeyMasked       string    `json:"api_key_masked"`
	BaseURL            string    `json:"base_url,omitempty"`
	DebugMode          bool      `json:"debug_mode"`
	StorageLimitMB     int       `json:"storage_limit_mb"`
	AvailableProviders []string  `json:"available_providers"`
	LLMReady           bool      `json:"llm_ready"`
	LLMState           string    `json:"llm_state"`
	UpdatedAt          time.Time `json:"updated_at"`
}

const changeHistoryCap = 200

// NewConfigService 创建配置服务实例
func NewConfigService(llmService *LLMService) *ConfigService {
	return &ConfigService{
		llm:           llmService,
		subscribers:   make([]ConfigChangeSubscriber, 0),
		changeHistory: make([]ConfigChangeRecord, 0, 32),
		lastUpdated:   time.Now(),
	}
}

// GetSettings 组装当前设置视图
func (s *ConfigService) GetSettings() SettingsView {
	cfg := config.GetCurrentConfig()

	view := SettingsView{
		DebugMode:          cfg.DebugMode,
		StorageLimitMB:     cfg.StorageLimitMB,
		AvailableProviders: availableProviders(),
	}
	view.Provider = cfg.LLMProvider
	if cfg.LLMConfig != nil {
		view.DefaultModel = cfg.LLMConfig["default_model"]
		view.APIKeyMasked = maskAPIKey(cfg.LLMConfig["api_key"])
		view.BaseURL = cfg.LLMConfig["base_url"]
	}
	if s.llm != nil {
		view.LLMReady, view.LLMState = s.llm.GetProviderStatus()
	}

	s.mu.RLock()
	view.UpdatedAt = s.lastUpdated
	s.mu.RUnlock()

	return view
}

// UpdateLLMSettings 更新LLM提供商配置并热切换运行中的服务
// 先落盘再切换，切换失败时配置仍然保留，等下次重试
func (s *ConfigService) UpdateLLMSettings(provider string, settings map[string]string, changedBy string) error {
	logger := utils.GetLogger()

	if provider == "" {
		return apperrors.NewValidationError("LLM提供商不能为空", nil)
	}
	if !isKnownProvider(provider) {
		return apperrors.NewValidationError(
			fmt.Sprintf("未知的LLM提供商 %s，可用: %s", provider, strings.Join(availableProviders(), ", ")), nil)
	}
	if settings == nil {
		settings = make(map[string]string)
	}
	if settings["api_key"] == "" {
		logger.Warn("LLM配置缺少api_key，服务在补齐密钥前不可用", map[string]interface{}{
			"provider": provider,
		})
	}

	old := config.GetCurrentConfig()
	oldProvider := old.LLMProvider
	oldModel := ""
	if old.LLMConfig != nil {
		oldModel = old.LLMConfig["default_model"]
	}

	if err := config.UpdateLLMConfig(provider, settings); err != nil {
		return apperrors.NewStorageError("保存LLM配置失败", err)
	}

	if s.llm != nil {
		if err := s.llm.UpdateProvider(provider, settings); err != nil {
			logger.Error("LLM提供商热切换失败", map[string]interface{}{
				"provider": provider,
				"error":    err.Error(),
			})
			return apperrors.NewLLMError(fmt.Sprintf("切换到提供商 %s 失败", provider), err)
		}
	}

	s.recordChange("llm_provider", oldProvider, provider, changedBy)
	s.recordChange("llm_config", map[string]string{
		"default_model": oldModel,
	}, map[string]string{
		"default_model": settings["default_model"],
		"api_key":       maskAPIKey(settings["api_key"]),
	}, changedBy)

	newCfg := config.GetCurrentConfig()
	s.notifySubscribers(old, newCfg)

	logger.Info("LLM配置已更新", map[string]interface{}{
		"provider":      provider,
		"default_model": settings["default_model"],
		"changed_by":    changedBy,
	})
	return nil
}

// SetDebugMode 设置调试模式并持久化
func (s *ConfigService) SetDebugMode(enabled bool) error {
	old := config.GetCurrentConfig()
	if old.DebugMode == enabled {
		return nil
	}

	if err := config.SetDebugMode(enabled); err != nil {
		return apperrors.NewStorageError("保存调试模式设置失败", err)
	}

	s.recordChange("debug_mode", old.DebugMode, enabled, "api")
	s.notifySubscribers(old, config.GetCurrentConfig())
	return nil
}

// SubscribeToChanges 订阅配置变更事件
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 取消配置变更订阅
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// GetChangeHistory 返回最近limit条配置变更，新变更在后
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}
	history := make([]ConfigChangeRecord, limit)
	copy(history, s.changeHistory[len(s.changeHistory)-limit:])
	return history
}

func (s *ConfigService) recordChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.changeHistory) >= changeHistoryCap {
		s.changeHistory = s.changeHistory[1:]
	}
	s.changeHistory = append(s.changeHistory, ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
	s.lastUpdated = time.Now()
}

// notifySubscribers 异步通知订阅者，拷贝快照避免持锁回调
func (s *ConfigService) notifySubscribers(oldConfig, newConfig *config.AppConfig) {
	s.mu.RLock()
	subscribers := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, subscriber := range subscribers {
		go subscriber.OnConfigChanged(oldConfig, newConfig)
	}
}

// maskAPIKey 密钥掩码：保留前4后4，中间打星
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", 8) + key[len(key)-4:]
}

func availableProviders() []string {
	names := llm.ListProviders()
	sort.Strings(names)
	return names
}

func isKnownProvider(name string) bool {
	for _, p := range llm.ListProviders() {
		if p == name {
			return true
		}
	}
	return false
}

// ----------------------------------------------------------------
// 配置健康检查
// ----------------------------------------------------------------

// ConfigHealthCheck 配置健康检查器
type ConfigHealthCheck struct {
	configService *ConfigService
}

// NewConfigHealthCheck 创建配置健康检查器
func NewConfigHealthCheck(configService *ConfigService) *ConfigHealthCheck {
	return &ConfigHealthCheck{configService: configService}
}

// CheckHealth 检查配置是否可用，返回状态与问题列表
func (hc *ConfigHealthCheck) CheckHealth() map[string]interface{} {
	issues := []string{}
	cfg := config.GetCurrentConfig()

	if cfg == nil {
		return map[string]interface{}{
			"status": "unhealthy",
			"issues": []string{"配置系统未初始化"},
		}
	}

	if cfg.LLMProvider == "" {
		issues = append(issues, "未配置LLM提供商")
	}
	if cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		issues = append(issues, "未配置API密钥")
	}
	if cfg.DataDir == "" {
		issues = append(issues, "未配置数据目录")
	}

	if hc.configService != nil && hc.configService.llm != nil {
		if ready, state := hc.configService.llm.GetProviderStatus(); !ready {
			issues = append(issues, "LLM服务未就绪: "+state)
		}
	}

	status := "healthy"
	if len(issues) > 0 {
		status = "unhealthy"
	}

	return map[string]interface{}{
		"status":     status,
		"issues":     issues,
		"provider":   cfg.LLMProvider,
		"debug_mode": cfg.DebugMode,
		"checked_at": time.Now().Format(time.RFC3339),
	}
}
