// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/llm"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"

	// 提供商通过init注册，必须在首次GetProvider之前挂上
	_ "github.com/Corphon/ChapterForgeMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/ChapterForgeMCP/internal/llm/providers/google"
	_ "github.com/Corphon/ChapterForgeMCP/internal/llm/providers/openaicompat"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrLLMNotReady = errors.New("llm service not ready")

var providerDefaultModels = map[string]string{
	"openai":       "gpt-4.1",
	"anthropic":    "claude-3-5-haiku-20241022",
	"glm":          "glm-4.5-air",
	"google":       "gemini-2.5-flash",
	"qwen":         "qwen2.5-max",
	"githubmodels": "gpt-4.1-mini",
	"grok":         "grok-3",
	"openrouter":   "google/gemma-3-27b-it:free",
}

// LLMService 提供统一的大语言模型调用接口
type LLMService struct {
	providerMutex      sync.RWMutex
	provider           llm.Provider
	providerName       string
	cache              *LLMCache
	isReady            bool
	readyState         string
	activeDefaultModel string
}
type LLMCache struct {
	cache      map[string]*CacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

type CacheEntry struct {
	Response  interface{}
	CreatedAt time.Time
}

// ChatCompletionRequest 兼容旧的请求格式
type ChatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []ChatCompletionMessage `json:"messages"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens"`
	ExtraParams map[string]interface{}  `json:"extra_params,omitempty"`
}

// ChatCompletionMessage 兼容旧的消息格式
type ChatCompletionMessage struct {
	Role    string
	Content string
}

// ChatCompletionResponse 兼容旧的响应格式
type ChatCompletionResponse struct {
	ID      string
	Choices []ChatCompletionChoice
	Usage   Usage
}

// ChatCompletionChoice 兼容旧的选择格式
type ChatCompletionChoice struct {
	Message      ChatCompletionMessage
	FinishReason string
}

// Usage 兼容旧的用量统计
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// 以下是为各种服务定义的结构化输出类型-------------------
// CharacterInfo 从稿件中抽取的角色信息
type CharacterInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Background  string            `json:"background"`
	Traits      []string          `json:"traits"`
	Relations   map[string]string `json:"relations"`
	VoiceNotes  string            `json:"voice_notes"`
}

// OutlineBeat 从稿件中抽取的情节节拍
type OutlineBeat struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ManuscriptSummary 稿件摘要分析结果
type ManuscriptSummary struct {
	Summary string   `json:"summary"`
	Themes  []string `json:"themes"`
	Tone    string   `json:"tone"`
}

// -----------------------------------------
// NewLLMService 创建一个新的LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	// 尝试从配置初始化
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service, nil
	}

	if cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == "") {
		service.readyState = "API key not configured"
		return service, nil
	}

	// 尝试初始化提供商
	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("Initialization failed: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	// 初始化成功
	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.activeDefaultModel = extractDefaultModel(cfg.LLMConfig)
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	service := createBaseLLMService()
	service.providerName = "empty"
	service.readyState = "Standby Service Mode – Please configure the API key in settings"
	return service
}

// createBaseLLMService 创建基础LLM服务实例
func createBaseLLMService() *LLMService {
	return &LLMService{
		provider:           nil,
		providerName:       "",
		isReady:            false,
		readyState:         "Uninitialized",
		activeDefaultModel: "",
		cache: &LLMCache{
			cache:      make(map[string]*CacheEntry),
			mutex:      sync.RWMutex{},
			expiration: 30 * time.Minute,
		},
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if s.provider != nil && s.isReady {
		return true
	}

	// 配置可能在服务创建后才补上API密钥
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return false
	}

	if cfg.LLMProvider == "" {
		return false
	}

	if cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		return false
	}

	return true
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return "Cannot get configuration"
	}

	if cfg.LLMProvider == "" {
		return "LLM provider not configured"
	}

	if cfg.LLMConfig == nil || cfg.LLMConfig["api_key"] == "" {
		return "API key not configured"
	}

	if s.provider != nil && s.isReady {
		return "Ready"
	}

	return "Waiting for initialization"
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	if s.IsReady() {
		return true, "Ready"
	}
	return false, s.GetReadyState()
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, config map[string]string) error {
	provider, err := llm.GetProvider(providerName, config)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("Configuration failed: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.activeDefaultModel = extractDefaultModel(config)
	s.isReady = true
	s.readyState = "Ready"

	// 清理缓存
	s.cache = &LLMCache{
		cache:      make(map[string]*CacheEntry),
		mutex:      sync.RWMutex{},
		expiration: 30 * time.Minute,
	}

	return nil
}

// activeProvider 返回当前就绪的Provider，未就绪时返回错误
func (s *LLMService) activeProvider() (llm.Provider, error) {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()

	if !s.isReady || s.provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrLLMNotReady, s.readyState)
	}
	return s.provider, nil
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	s.providerMutex.RLock()
	providerName := s.providerName
	s.providerMutex.RUnlock()

	hashInput := fmt.Sprintf("%s:::%s:::%s:::%s",
		prompt, systemPrompt, model, providerName)
	h := md5.New()
	h.Write([]byte(hashInput))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// getFromCache 从缓存中获取结果
func (c *LLMCache) getFromCache(key string) (interface{}, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false
	}

	// 检查是否过期
	if time.Since(entry.CreatedAt) > c.expiration {
		return nil, false
	}

	return entry.Response, true
}

// saveToCache 保存结果到缓存
func (c *LLMCache) saveToCache(key string, response interface{}) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &CacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}

	// 如果缓存太大，可以考虑清理最旧的条目
	if len(c.cache) > 1000 {
		c.cleanupOldest(100) // 清理100个最旧的条目
	}
}

// cleanupOldest 清理最旧的缓存条目
func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.CreatedAt})
	}

	// 按创建时间排序
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	// 删除最旧的条目
	maxToDelete := min(count, len(entries))
	for i := 0; i < maxToDelete; i++ {
		delete(c.cache, entries[i].key)
	}
}

// 兼容旧的CreateChatCompletion方法
func (s *LLMService) CreateChatCompletion(ctx context.Context, request ChatCompletionRequest) (ChatCompletionResponse, error) {
	provider, err := s.activeProvider()
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	// 构建系统和用户提示
	var systemContent, userContent string
	var assistantMessages []string
	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleSystem:
			systemContent = msg.Content
		case RoleUser:
			userContent = msg.Content
		case RoleAssistant:
			assistantMessages = append(assistantMessages, msg.Content)
		default:
			utils.GetLogger().Warn("Unknown message role type", map[string]interface{}{"role": msg.Role})
		}
	}

	// 助手消息历史，将其整合到用户提示中
	if len(assistantMessages) > 0 {
		conversationHistory := strings.Join(assistantMessages, "\n\n")
		userContent = fmt.Sprintf("Conversation history:\n%s\n\nCurrent user input: %s",
			conversationHistory, userContent)
	}

	// 解析需要使用的模型
	resolvedModel := s.resolveModel(request.Model)

	// 生成缓存键
	cacheKey := s.generateCacheKey(userContent, systemContent, resolvedModel)

	// 检查缓存
	if s.cache != nil {
		var cachedResult ChatCompletionResponse
		if s.checkAndUseCache(cacheKey, &cachedResult) {
			utils.GetLogger().Info("DEBUG:LLM Chat cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
			return cachedResult, nil
		}
	}

	// 转换请求格式
	req := llm.CompletionRequest{
		Model:       resolvedModel,
		Temperature: float32(request.Temperature),
		MaxTokens:   request.MaxTokens,
		ExtraParams: request.ExtraParams,
	}

	req.SystemPrompt = systemContent
	req.Prompt = userContent

	// 调用实际Provider
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return ChatCompletionResponse{}, err
	}

	// 转换为旧格式的响应
	result := ChatCompletionResponse{
		ID: resp.ModelName + "-" + s.GetProviderName(),
		Choices: []ChatCompletionChoice{
			{
				Message: ChatCompletionMessage{
					Role:    "assistant",
					Content: resp.Text,
				},
				FinishReason: resp.FinishReason,
			},
		},
		Usage: Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.TokensUsed,
		},
	}

	// 保存到缓存
	if s.cache != nil {
		s.saveToCache(cacheKey, result)
		utils.GetLogger().Info("DEBUG:Save to LLM chat cache", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
	}

	return result, nil
}

// CreateStructuredCompletion 请求结构化输出并解析到outputSchema
func (s *LLMService) CreateStructuredCompletion(ctx context.Context, prompt string, systemPrompt string, outputSchema interface{}) error {
	provider, err := s.activeProvider()
	if err != nil {
		return err
	}

	model := s.resolveModel("")

	// 生成缓存键
	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)

	// 检查缓存
	if s.checkAndUseCache(cacheKey, outputSchema) {
		return nil
	}

	// 修改系统提示以请求特定格式
	structuredSystemPrompt := systemPrompt
	if systemPrompt != "" {
		structuredSystemPrompt += "\n\n"
	}
	structuredSystemPrompt += "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

	req := llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: structuredSystemPrompt,
		Temperature:  0.3,
		Model:        model,
	}

	// 调用实际Provider
	resp, err := provider.CompleteText(ctx, req)
	if err != nil {
		return err
	}

	// 尝试解析结构化输出
	text := cleanJSONString(resp.Text)

	// 解析JSON到提供的结构中
	err = json.Unmarshal([]byte(text), outputSchema)
	if err != nil {
		return fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s", err, text)
	}

	// 保存到缓存
	s.saveToCache(cacheKey, outputSchema)

	return nil
}

// 清理JSON字符串，去除前后非JSON内容
var jsonNoiseReplacer = strings.NewReplacer(
	"```json", "",
	"```", "",
	"﻿", "",
	" ", " ",
	" ", "\n",
	" ", "\n",
)

var structuralPunctuationMap = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'；': ';',
	'﹔': ';',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
	'（': '(',
	'）': ')',
}

var quotePairs = map[rune]rune{
	'"': '"',
	'“': '”',
	'”': '”',
	'„': '”',
	'‟': '”',
	'「': '」',
	'」': '」',
	'『': '』',
	'﹁': '﹂',
	'﹂': '﹂',
}

func normalizeJSONStructure(s string) string {
	if s == "" {
		return s
	}

	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	currentClosing := '"'

	for _, r := range s {
		if inString {
			if !escaped && r == '\\' {
				escaped = true
				builder.WriteRune(r)
				continue
			}

			if escaped {
				escaped = false
				builder.WriteRune(r)
				continue
			}

			if r == currentClosing || r == '"' {
				inString = false
				currentClosing = '"'
				builder.WriteRune('"')
				continue
			}

			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuationMap[r]; ok {
			r = replacement
		} else if closing, ok := quotePairs[r]; ok {
			inString = true
			currentClosing = closing
			builder.WriteRune('"')
			continue
		} else if r == '"' {
			inString = true
			currentClosing = '"'
			builder.WriteRune(r)
			continue
		} else if r > unicode.MaxASCII && !unicode.IsSpace(r) {
			// 丢弃出现在字符串外的异常Unicode字符（例如 æ、• 等）
			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

func cleanJSONString(s string) string {
	if s == "" {
		return s
	}

	// 统一替换常见的噪声、全角符号以及Markdown标记
	s = jsonNoiseReplacer.Replace(s)
	s = strings.TrimSpace(s)

	// 移除零宽字符及除换行/制表符外的控制字符
	s = strings.Map(func(r rune) rune {
		switch r {
		case '​', '‌', '‍', '⁠', '﻿':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	// 查找第一个 { 或 [，将其之前的内容全部丢弃
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}

	s = strings.TrimSpace(s[start:])
	if s == "" {
		return s
	}

	// 规范化JSON结构所需的标点符号，移除字符串外的异常字符
	s = normalizeJSONStructure(s)

	isArray := len(s) > 0 && s[0] == '['

	// 简单的括号计数匹配
	balance := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if isArray {
				if char == '[' {
					balance++
				} else if char == ']' {
					balance--
				}
			} else {
				if char == '{' {
					balance++
				} else if char == '}' {
					balance--
				}
			}

			if balance == 0 {
				// 找到了匹配的结束符
				return strings.TrimSpace(s[:i+1])
			}
		}
	}

	// 如果没找到匹配的结束符，尝试回退到旧逻辑（找最后一个）
	end := -1
	if isArray {
		end = strings.LastIndex(s, "]")
	} else {
		end = strings.LastIndex(s, "}")
	}

	if end != -1 && end >= 0 {
		return strings.TrimSpace(s[:end+1])
	}

	return strings.TrimSpace(s)
}

// CleanLLMJSONResponse 提供给外部调用的JSON清洗助手
func CleanLLMJSONResponse(raw string) string {
	return cleanJSONString(raw)
}

// GetProvider 返回内部的Provider实例
func (s *LLMService) GetProvider() llm.Provider {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider
}

// GetProviderName 返回当前LLM提供商名称
func (s *LLMService) GetProviderName() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.providerName
}

// isEnglishText 检测文本是否为英文
func isEnglishText(text string) bool {
	if len(text) == 0 {
		return false
	}

	// 计数
	letterCount := 0
	chineseCount := 0
	totalValidChars := 0 // 有效字符总数

	for _, r := range text {
		// 英文字母
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			letterCount++
			totalValidChars++
		}
		// 检测中文字符
		if r >= 0x4E00 && r <= 0x9FFF {
			chineseCount++
			totalValidChars++
		}
		// 数字也算有效字符
		if r >= '0' && r <= '9' {
			totalValidChars++
		}
	}

	// 判定规则：
	// 1. 如果没有有效字符，返回 false
	if totalValidChars == 0 {
		return false
	}

	// 2. 计算英文字母占有效字符的比例
	englishRatio := float64(letterCount) / float64(totalValidChars)

	// 3. 如果英文字母比例超过50%，认为是英文文本
	// 这样 "Mixed 中英文" 中的 "Mixed" 占主导，会被判定为英文
	return englishRatio > 0.5
}

// ExtractCharacters 从稿件文本中抽取角色卡
func (s *LLMService) ExtractCharacters(ctx context.Context, text, title string) ([]CharacterInfo, error) {
	// 检查上下文是否已取消
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// 继续执行
	}

	provider, err := s.activeProvider()
	if err != nil {
		return nil, err
	}

	// 检测文本语言
	isEnglish := isEnglishText(text)

	var prompt, systemPrompt string
	if isEnglish {
		// 英文提示词
		prompt = fmt.Sprintf(`Analyze the following manuscript titled "%s" and extract all character information.
Return the result as a JSON array of objects with the exact schema described in the system prompt.
If a field is unknown, use an empty string or empty array.

Text:
%s`, title, text)

		systemPrompt = `You are a professional literary character analyst assisting a novelist. Respond ONLY with valid JSON that matches the following schema:
[
	{
		"name": "string",
		"description": "string",
		"background": "string",
		"traits": ["string"],
		"relations": {"string": "string"},
		"voice_notes": "string"
	}
]
The voice_notes field should describe the character's speech habits for dialogue writing.
Formatting requirements:
1. The entire response must be a single JSON array (use [] when no characters are found).
2. Use standard ASCII characters for quotes, commas, and colons. Do NOT use Chinese punctuation or Markdown fences.
3. Do not add explanations, comments, or prose outside the JSON array.`
	} else {
		// 中文提示词
		prompt = fmt.Sprintf(`分析以下标题为《%s》的稿件，提取所有角色信息。
结果必须符合系统提示中描述的JSON数组结构。如某字段未知请使用空字符串或空数组。

文本内容:
%s`, title, text)

		systemPrompt = `你是协助小说作者的专业角色分析专家。回答时只能输出有效的JSON，并且严格符合以下数组结构：
[
	{
		"name": "",
		"description": "",
		"background": "",
		"traits": [""],
		"relations": {"": ""},
		"voice_notes": ""
	}
]
voice_notes字段描述该角色的说话习惯，供后续对白写作参考。
格式要求：
1. 整个回答必须是一个JSON数组，没有角色时返回[]。
2. 必须使用半角的双引号、冒号、逗号，不得使用全角符号或Markdown代码块。
3. 禁止在JSON前后添加任何说明文字。`
	}

	// 使用结构化输出API
	request := llm.CompletionRequest{
		Model:        s.GetDefaultModel(),
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    4000, // 增加token限制以容纳完整的JSON
		Temperature:  0.2,
	}

	cacheKey := s.GenerateCacheKey(request)
	if cachedResp := s.CheckCache(cacheKey); cachedResp != nil {
		return parseCharacterList(cachedResp.Text)
	}

	response, err := provider.CompleteText(ctx, request)
	if err != nil {
		return nil, err
	}
	// 添加到缓存
	s.AddToCache(cacheKey, response)

	return parseCharacterList(response.Text)
}

// 模型偶尔会把单个角色直接输出为对象而不是数组
func parseCharacterList(raw string) ([]CharacterInfo, error) {
	cleanedText := cleanJSONString(raw)

	var characters []CharacterInfo
	err := json.Unmarshal([]byte(cleanedText), &characters)
	if err == nil {
		return characters, nil
	}

	var singleCharacter CharacterInfo
	err = json.Unmarshal([]byte(cleanedText), &singleCharacter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s",
			err, truncateText(raw, 120))
	}

	return []CharacterInfo{singleCharacter}, nil
}

// ExtractOutlineBeats 从已有稿件或草稿中抽取情节节拍，供大纲初始化使用
func (s *LLMService) ExtractOutlineBeats(ctx context.Context, text, title string) ([]OutlineBeat, error) {
	// 检查上下文是否已取消
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// 继续执行
	}

	provider, err := s.activeProvider()
	if err != nil {
		return nil, err
	}

	// 检测文本语言
	isEnglish := isEnglishText(text)

	var prompt, systemPrompt string
	if isEnglish {
		prompt = fmt.Sprintf(`Analyze the following draft or notes titled "%s" and break the story down into ordered plot beats.
Return the result as a JSON array of objects with the exact schema described in the system prompt.

Text:
%s`,
			title, truncateText(text, 5000))

		systemPrompt = `You are a professional story structure editor. Respond ONLY with valid JSON that matches the following schema:
[
	{
		"title": "string",
		"description": "string"
	}
]
Each entry is one plot beat, ordered from the start of the chapter to its end. Keep titles under ten words.
Formatting requirements:
1. Output must be a single JSON array (return [] when no beats are found).
2. Use ASCII double quotes, commas, and colons. Do NOT use Chinese punctuation or Markdown code fences.
3. Provide no commentary outside the JSON array.`
	} else {
		prompt = fmt.Sprintf(`分析以下标题为《%s》的草稿或笔记，将故事拆解为有序的情节节拍。
结果必须符合系统提示中提供的JSON数组结构，如无数据请返回[]。

文本内容:
%s`,
			title, truncateText(text, 5000))

		systemPrompt = `你是专业的故事结构编辑。你只能输出符合以下结构的JSON数组：
[
	{
		"title": "",
		"description": ""
	}
]
每个条目是一个情节节拍，按章节推进顺序排列，标题控制在十个字以内。
格式要求：
1. 仅输出JSON数组；没有节拍时返回[]。
2. 必须使用半角双引号、逗号、冒号，不得使用全角符号或Markdown代码块。
3. JSON前后不能添加任何解释性文字。`
	}

	// 使用结构化输出API
	request := llm.CompletionRequest{
		Model:        s.GetDefaultModel(),
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    4000,
		Temperature:  0.2,
	}

	cacheKey := s.GenerateCacheKey(request)
	if cachedResp := s.CheckCache(cacheKey); cachedResp != nil {
		return parseOutlineBeats(cachedResp.Text)
	}

	response, err := provider.CompleteText(ctx, request)
	if err != nil {
		return nil, err
	}
	// 添加到缓存
	s.AddToCache(cacheKey, response)

	return parseOutlineBeats(response.Text)
}

func parseOutlineBeats(raw string) ([]OutlineBeat, error) {
	cleanedText := cleanJSONString(raw)

	var beats []OutlineBeat
	err := json.Unmarshal([]byte(cleanedText), &beats)
	if err == nil {
		return beats, nil
	}

	var singleBeat OutlineBeat
	err = json.Unmarshal([]byte(cleanedText), &singleBeat)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AI response into structured data: %w\nAI return: %s",
			err, truncateText(raw, 120))
	}

	return []OutlineBeat{singleBeat}, nil
}

// SummarizeManuscript 分析稿件内容，生成摘要与主题
func (s *LLMService) SummarizeManuscript(ctx context.Context, text string) (*ManuscriptSummary, error) {
	result := &ManuscriptSummary{}

	// 检测文本语言
	isEnglish := isEnglishText(text)

	var systemPrompt, prompt string
	if isEnglish {
		systemPrompt = `You are a professional literary editor who distills manuscripts into concise summaries. Capture the plot progression, the dominant themes, and the overall tone. Do not add explanations or preambles.`

		prompt = fmt.Sprintf(`Summarize the following chapter text:

%s

Produce:
1. summary: 3-5 sentences covering what happens and how it ends
2. themes: the core themes present in the text
3. tone: one phrase describing the emotional register`, truncateText(text, 8000))
	} else {
		systemPrompt = `你是一个专业的文学编辑，需要把稿件提炼成简洁的摘要。抓住情节推进、核心主题和整体基调。不要添加解释或前言。`

		prompt = fmt.Sprintf(`请总结以下章节内容:

%s

需要输出:
1. summary: 3-5句话，涵盖发生了什么以及如何收尾
2. themes: 文本体现的核心主题
3. tone: 用一个短语描述情感基调`, truncateText(text, 8000))
	}

	err := s.CreateStructuredCompletion(ctx, prompt, systemPrompt, result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateCacheKey 为请求生成缓存键
func (s *LLMService) GenerateCacheKey(req llm.CompletionRequest) string {
	return s.generateCacheKey(req.Prompt, req.SystemPrompt, req.Model)
}

// CheckCache 检查并返回缓存的响应
func (s *LLMService) CheckCache(key string) *llm.CompletionResponse {
	if s.cache == nil {
		return nil
	}

	if entry, found := s.cache.getFromCache(key); found {
		if response, ok := entry.(*llm.CompletionResponse); ok {
			return response
		}
	}
	return nil
}

// AddToCache 添加响应到缓存
func (s *LLMService) AddToCache(key string, response *llm.CompletionResponse) {
	if s.cache != nil {
		s.cache.saveToCache(key, response)
	}
}

// GetDefaultModel 获取当前配置的默认模型
func (s *LLMService) GetDefaultModel() string {
	return s.resolveModel("")
}

// resolveModel 根据请求和配置确定应使用的模型
func (s *LLMService) resolveModel(requestedModel string) string {
	if trimmed := strings.TrimSpace(requestedModel); trimmed != "" {
		return trimmed
	}

	s.providerMutex.RLock()
	provider := s.provider
	providerName := s.providerName
	activeDefault := s.activeDefaultModel
	s.providerMutex.RUnlock()

	if activeDefault != "" {
		return activeDefault
	}

	if provider != nil {
		if models := provider.GetSupportedModels(); len(models) > 0 {
			if model := strings.TrimSpace(models[0]); model != "" {
				return model
			}
		}
	}

	if cfg := config.GetCurrentConfig(); cfg != nil && cfg.LLMProvider == providerName {
		if cfg.LLMConfig != nil {
			if model := strings.TrimSpace(cfg.LLMConfig["default_model"]); model != "" {
				return model
			}
			if model := strings.TrimSpace(cfg.LLMConfig["model"]); model != "" {
				return model
			}
		}
	}

	if model, exists := providerDefaultModels[providerName]; exists {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			return trimmed
		}
	}

	return "gpt-4.1"
}

func extractDefaultModel(cfg map[string]string) string {
	if cfg == nil {
		return ""
	}
	if model := strings.TrimSpace(cfg["default_model"]); model != "" {
		return model
	}
	if model := strings.TrimSpace(cfg["model"]); model != "" {
		return model
	}
	return ""
}

// 统一的缓存操作方法
func (s *LLMService) checkAndUseCache(cacheKey string, outputSchema interface{}) bool {
	if s.cache == nil {
		return false
	}

	if cachedResponse, found := s.cache.getFromCache(cacheKey); found {
		// 直接将缓存响应作为 JSON 字节处理
		if responseBytes, ok := cachedResponse.([]byte); ok {
			if outputSchema != nil {
				// 尝试将缓存的 JSON 字节反序列化到输出结构
				err := json.Unmarshal(responseBytes, outputSchema)
				if err == nil {
					utils.GetLogger().Info("DEBUG:LLM cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
					return true
				}
			}
		}
		// 如果缓存项不是字节切片，则尝试其他类型转换（向后兼容）
		if resp, ok := cachedResponse.(ChatCompletionResponse); ok {
			if outputSchema != nil {
				// 对于结构化输出，尝试 JSON 转换
				responseJSON, err := json.Marshal(resp)
				if err == nil {
					err = json.Unmarshal(responseJSON, outputSchema)
					if err == nil {
						utils.GetLogger().Info("DEBUG:LLM cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
						return true
					}
				}
			} else {
				// 对于普通响应，直接返回
				if chatResp, ok := outputSchema.(*ChatCompletionResponse); ok {
					*chatResp = resp
					utils.GetLogger().Info("DEBUG:LLM cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
					return true
				}
			}
		}

		// 尝试直接转换为 CompletionResponse
		if resp, ok := cachedResponse.(*llm.CompletionResponse); ok {
			if outputSchema != nil {
				err := json.Unmarshal([]byte(resp.Text), outputSchema)
				if err == nil {
					utils.GetLogger().Info("DEBUG:LLM cache hit", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
					return true
				}
			}
		}
	}

	return false
}

// 统一的缓存保存方法
func (s *LLMService) saveToCache(cacheKey string, response interface{}) {
	if s.cache != nil {
		// 总是将响应序列化为JSON字节存储，以确保一致的类型处理
		responseBytes, err := json.Marshal(response)
		if err != nil {
			utils.GetLogger().Error("Failed to serialize cached response", map[string]interface{}{"err": err})
			// 仍然尝试保存原始响应以向后兼容
			s.cache.saveToCache(cacheKey, response)
		} else {
			s.cache.saveToCache(cacheKey, responseBytes)
		}
		utils.GetLogger().Info("DEBUG:Save to LLM cache", map[string]interface{}{"cache_key_prefix": cacheKey[:8]})
	}
}

// 辅助函数，保持文本长度在限制范围内
func truncateText(text string, maxLength int) string {
	// 处理边界情况
	if maxLength <= 0 {
		return "..."
	}

	if len(text) == 0 {
		return ""
	}

	// 将字符串转换为符文(rune)数组，以正确处理中文等多字节字符
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}

	// 截取指定长度的符文，然后添加省略号
	return string(runes[:maxLength]) + "..."
}

// SanitizeLLMJSONResponse 移除LLM响应中的Markdown代码块或反引号，确保可以解析为JSON
func SanitizeLLMJSONResponse(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return cleaned
	}

	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSpace(cleaned)
		lower := strings.ToLower(cleaned)
		if strings.HasPrefix(lower, "json") {
			cleaned = strings.TrimSpace(cleaned[4:])
		}
		if idx := strings.LastIndex(cleaned, "```"); idx != -1 {
			cleaned = cleaned[:idx]
		}
	}

	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.Trim(cleaned, "`")
	return strings.TrimSpace(cleaned)
}
