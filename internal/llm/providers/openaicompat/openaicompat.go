// internal/llm/providers/openaicompat/openaicompat.go
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/ChapterForgeMCP/internal/llm"
)

// 所有走 /chat/completions 协议的提供商共用同一套实现，
// 差异只在基础URL、默认模型与认证头。
func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{
			name: "OpenAI",
			recommendedModels: []string{
				"gpt-4o",
				"gpt-4o-mini",
				"gpt-4.1",
				"gpt-4.1-mini",
				"o3-mini",
			},
			baseURL:      "https://api.openai.com/v1",
			defaultModel: "gpt-4o-mini",
		}
	})

	llm.Register("glm", func() llm.Provider {
		return &Provider{
			name: "GLM",
			recommendedModels: []string{
				"glm-4",
				"glm-4-plus",
				"glm-4.5-air",
				"glm-4.5",
				"glm-4.6",
			},
			baseURL:      "https://open.bigmodel.cn/api/paas/v4",
			defaultModel: "glm-4",
		}
	})

	llm.Register("grok", func() llm.Provider {
		return &Provider{
			name: "Grok",
			recommendedModels: []string{
				"grok-4",
				"grok-4-fast",
				"grok-3",
				"grok-3-mini",
			},
			baseURL:      "https://api.x.ai/v1",
			defaultModel: "grok-3",
		}
	})

	// 通义千问的兼容模式端点同样走标准 chat/completions 协议
	llm.Register("qwen", func() llm.Provider {
		return &Provider{
			name: "Qwen",
			recommendedModels: []string{
				"qwen2.5-max",
				"qwen2.5-plus",
				"qwq-32b",
			},
			baseURL:      "https://dashscope.aliyuncs.com/compatible-mode/v1",
			defaultModel: "qwen2.5-max",
		}
	})

	llm.Register("openrouter", func() llm.Provider {
		return &Provider{
			name: "OpenRouter",
			recommendedModels: []string{
				"mistralai/devstral-2512:free",
				"kwaipilot/kat-coder-pro:free",
				"qwen/qwen3-coder:free",
				"qwen/qwen3-235b-a22b:free",
				"amazon/nova-2-lite-v1:free",
				"nousresearch/hermes-3-llama-3.1-405b:free",
			},
			baseURL:      "https://openrouter.ai/api/v1",
			defaultModel: "google/gemma-3-27b-it:free",
			attribution:  true,
		}
	})

	llm.Register("githubmodels", func() llm.Provider {
		return &Provider{
			name: "GitHub Models",
			recommendedModels: []string{
				"gpt-4o",
				"o1",
				"o3-mini",
				"Phi-4",
				"Phi-4-multimodal-instruct",
			},
			baseURL:      "https://models.inference.ai.azure.com",
			defaultModel: "o3-mini",
			apiKeyHeader: "api-key", // Azure推理端点不用Bearer
		}
	})
}

type Provider struct {
	name              string
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
	apiKeyHeader      string // 为空时使用 Authorization: Bearer
	attribution       bool   // OpenRouter要求标注请求来源
	httpReferer       string
	appName           string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return fmt.Errorf("%s API密钥未提供", p.name)
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	if p.attribution {
		if appName, exists := config["app_name"]; exists {
			p.appName = appName
		} else {
			p.appName = "Chapter Forge"
		}

		if httpReferer, exists := config["http_referer"]; exists {
			p.httpReferer = httpReferer
		} else {
			p.httpReferer = "https://chapterforge.example.com"
		}
	}

	// 如果配置中包含自定义模型列表
	if customModels, exists := config["custom_models"]; exists && customModels != "" {
		var models []string
		if err := json.Unmarshal([]byte(customModels), &models); err == nil && len(models) > 0 {
			p.availableModels = models
		}
	}

	return nil
}

func (p *Provider) GetName() string {
	return p.name
}

func (p *Provider) GetSupportedModels() []string {
	// 自定义列表优先于推荐列表
	if len(p.availableModels) > 0 {
		return p.availableModels
	}
	return p.recommendedModels
}

// 设置自定义模型列表
func (p *Provider) SetCustomModels(models []string) {
	if len(models) > 0 {
		p.availableModels = models
	}
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.apiKeyHeader != "" {
		req.Header.Set(p.apiKeyHeader, p.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if p.attribution {
		req.Header.Set("HTTP-Referer", p.httpReferer)
		req.Header.Set("X-Title", p.appName)
	}
}

func (p *Provider) buildRequestBody(req llm.CompletionRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := []map[string]string{
		{"role": "user", "content": req.Prompt},
	}

	if req.SystemPrompt != "" {
		// 在前面添加系统提示
		messages = append([]map[string]string{
			{"role": "system", "content": req.SystemPrompt},
		}, messages...)
	}

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}

	if stream {
		requestBody["stream"] = true
	}

	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}

	if req.TopP > 0 {
		requestBody["top_p"] = req.TopP
	}

	if len(req.StopWords) > 0 {
		requestBody["stop"] = req.StopWords
	}

	// 添加任何额外参数
	if req.ExtraParams != nil {
		for k, v := range req.ExtraParams {
			requestBody[k] = v
		}
	}

	return requestBody
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	jsonData, err := json.Marshal(p.buildRequestBody(req, false))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/chat/completions",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	p.setHeaders(httpReq)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("%s API错误(%d): %s", p.name, httpResp.StatusCode, string(body))
	}

	// 解析响应
	var response struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Choices []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"` // 网关可能改写实际使用的模型
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("%s未返回任何结果", p.name)
	}

	modelName := response.Model
	if modelName == "" {
		modelName = req.Model
	}

	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    modelName,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	jsonData, err := json.Marshal(p.buildRequestBody(req, true))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/chat/completions",
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("%s API错误(%d): %s", p.name, httpResp.StatusCode, string(body))
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer httpResp.Body.Close()
		defer close(respChan)

		reader := bufio.NewReader(httpResp.Body)
		var modelName string
		var completionSent bool

		for {
			select {
			case <-ctx.Done():
				return
			default:
				line, err := reader.ReadString('\n')
				if err != nil {
					if err != io.EOF {
						respChan <- llm.StreamResponse{
							Done:         true,
							FinishReason: "error",
						}
					}
					return
				}

				line = strings.TrimSpace(line)

				// 空行或注释
				if line == "" || strings.HasPrefix(line, ":") {
					continue
				}

				line = strings.TrimPrefix(line, "data: ")

				// 检查流结束
				if line == "[DONE]" {
					if !completionSent {
						respChan <- llm.StreamResponse{
							Text:         "",
							FinishReason: "stop",
							ModelName:    modelName,
							Done:         true,
						}
					}
					return
				}

				var streamResp struct {
					Model   string `json:"model"`
					Choices []struct {
						Delta struct {
							Content string `json:"content"`
						} `json:"delta"`
						FinishReason *string `json:"finish_reason"`
					} `json:"choices"`
				}

				if err := json.Unmarshal([]byte(line), &streamResp); err != nil {
					continue
				}

				if streamResp.Model != "" && modelName == "" {
					modelName = streamResp.Model
				}

				if len(streamResp.Choices) > 0 {
					content := streamResp.Choices[0].Delta.Content
					if content != "" {
						respChan <- llm.StreamResponse{
							Text:      content,
							ModelName: modelName,
							Done:      false,
						}
					}

					if streamResp.Choices[0].FinishReason != nil {
						respChan <- llm.StreamResponse{
							Text:         "",
							FinishReason: *streamResp.Choices[0].FinishReason,
							ModelName:    modelName,
							Done:         true,
						}
						completionSent = true
					}
				}
			}
		}
	}()

	return respChan, nil
}
