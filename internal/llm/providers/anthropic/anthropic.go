// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/ChapterForgeMCP/internal/llm"
)

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"claude-sonnet-4-20250514",
				"claude-3-7-sonnet-20250219",
				"claude-3-5-haiku-20241022",
			},
			baseURL: "https://api.anthropic.com",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	apiVersion        string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("Anthropic API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "claude-3-5-haiku-20241022"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
	}

	if apiVersion, exists := config["api_version"]; exists && apiVersion != "" {
		p.apiVersion = apiVersion
	} else {
		p.apiVersion = "2023-06-01"
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
	return "Anthropic"
}

func (p *Provider) GetSupportedModels() []string {
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
	req.Header.Set("X-Api-Key", p.apiKey)
	req.Header.Set("Anthropic-Version", p.apiVersion)
}

// Messages API的max_tokens是必填字段，未指定时给一个保守默认值。
func (p *Provider) buildRequestBody(req llm.CompletionRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	requestBody := map[string]interface{}{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"temperature": req.Temperature,
	}

	if stream {
		requestBody["stream"] = true
	}

	// 系统提示是顶层字段而不是消息
	if req.SystemPrompt != "" {
		requestBody["system"] = req.SystemPrompt
	}

	if req.TopP > 0 {
		requestBody["top_p"] = req.TopP
	}

	if len(req.StopWords) > 0 {
		requestBody["stop_sequences"] = req.StopWords
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
		p.baseURL+"/v1/messages",
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
		return nil, fmt.Errorf("Anthropic API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	// 解析响应
	var response struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	// 拼接所有文本块
	var resultText strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			resultText.WriteString(block.Text)
		}
	}

	if resultText.Len() == 0 {
		return nil, errors.New("Anthropic未返回任何文本内容")
	}

	return &llm.CompletionResponse{
		Text:         resultText.String(),
		FinishReason: response.StopReason,
		TokensUsed:   response.Usage.InputTokens + response.Usage.OutputTokens,
		PromptTokens: response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		ModelName:    response.Model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应。
// Messages API的事件流按类型区分：content_block_delta携带文本增量，
// message_delta携带结束原因，message_stop标记流结束。
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	jsonData, err := json.Marshal(p.buildRequestBody(req, true))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		p.baseURL+"/v1/messages",
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
		return nil, fmt.Errorf("Anthropic API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer httpResp.Body.Close()
		defer close(respChan)

		reader := bufio.NewReader(httpResp.Body)
		var modelName string
		var finishReason string

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

				// 事件类型行与空行都跳过，只处理数据行
				if line == "" || !strings.HasPrefix(line, "data: ") {
					continue
				}

				line = strings.TrimPrefix(line, "data: ")

				var event struct {
					Type    string `json:"type"`
					Message struct {
						Model string `json:"model"`
					} `json:"message"`
					Delta struct {
						Type       string `json:"type"`
						Text       string `json:"text"`
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
				}

				if err := json.Unmarshal([]byte(line), &event); err != nil {
					continue
				}

				switch event.Type {
				case "message_start":
					if event.Message.Model != "" {
						modelName = event.Message.Model
					}

				case "content_block_delta":
					if event.Delta.Text != "" {
						respChan <- llm.StreamResponse{
							Text:      event.Delta.Text,
							ModelName: modelName,
							Done:      false,
						}
					}

				case "message_delta":
					if event.Delta.StopReason != "" {
						finishReason = event.Delta.StopReason
					}

				case "message_stop":
					if finishReason == "" {
						finishReason = "stop"
					}
					respChan <- llm.StreamResponse{
						FinishReason: finishReason,
						ModelName:    modelName,
						Done:         true,
					}
					return
				}
			}
		}
	}()

	return respChan, nil
}
