// internal/llm/providers/google/google.go
package google

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
	llm.Register("google", func() llm.Provider {
		return &Provider{
			recommendedModels: []string{
				"gemini-2.5-pro",
				"gemini-2.5-flash",
				"gemini-2.0-flash",
			},
			baseURL: "https://generativelanguage.googleapis.com/v1beta",
		}
	})
}

type Provider struct {
	apiKey            string
	baseURL           string
	client            *http.Client
	defaultModel      string
	recommendedModels []string
	availableModels   []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey, exists := config["api_key"]
	if !exists || apiKey == "" {
		return errors.New("Google API密钥未提供")
	}

	p.apiKey = apiKey
	p.client = &http.Client{}

	if model, exists := config["default_model"]; exists && model != "" {
		p.defaultModel = model
	} else {
		p.defaultModel = "gemini-2.0-flash"
	}

	if baseURL, exists := config["base_url"]; exists && baseURL != "" {
		p.baseURL = baseURL
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
	return "Google Gemini"
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

// Gemini的请求结构与chat/completions不同：
// 系统提示走独立的systemInstruction字段，生成参数集中在generationConfig。
func (p *Provider) buildRequestBody(req llm.CompletionRequest) map[string]interface{} {
	generationConfig := map[string]interface{}{
		"temperature": req.Temperature,
	}

	if req.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = req.MaxTokens
	}

	if req.TopP > 0 {
		generationConfig["topP"] = req.TopP
	}

	if len(req.StopWords) > 0 {
		generationConfig["stopSequences"] = req.StopWords
	}

	requestBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": req.Prompt}}},
		},
		"generationConfig": generationConfig,
	}

	if req.SystemPrompt != "" {
		requestBody["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": req.SystemPrompt}},
		}
	}

	// 添加任何额外参数
	if req.ExtraParams != nil {
		for k, v := range req.ExtraParams {
			// generationConfig内的参数
			if k == "topK" || k == "candidateCount" {
				generationConfig[k] = v
			} else {
				requestBody[k] = v
			}
		}
	}

	return requestBody
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	jsonData, err := json.Marshal(p.buildRequestBody(req))
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, model)

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		apiURL,
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", p.apiKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errorResp map[string]interface{}
		body, _ := io.ReadAll(httpResp.Body)
		if err := json.Unmarshal(body, &errorResp); err == nil {
			if errorObj, ok := errorResp["error"].(map[string]interface{}); ok {
				return nil, fmt.Errorf("Google Gemini API错误(%d): %v",
					httpResp.StatusCode, errorObj["message"])
			}
		}
		return nil, fmt.Errorf("Google Gemini API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	// 解析响应
	var response struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
			TotalTokenCount      int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	if len(response.Candidates) == 0 {
		return nil, errors.New("Google Gemini未返回任何结果")
	}

	// 候选结果可能拆成多个parts
	var resultText strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		resultText.WriteString(part.Text)
	}

	return &llm.CompletionResponse{
		Text:         resultText.String(),
		FinishReason: response.Candidates[0].FinishReason,
		TokensUsed:   response.UsageMetadata.TotalTokenCount,
		PromptTokens: response.UsageMetadata.PromptTokenCount,
		OutputTokens: response.UsageMetadata.CandidatesTokenCount,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

// StreamCompletion 实现流式响应。
// 必须带alt=sse参数，否则端点返回整段JSON数组而不是事件流。
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	jsonData, err := json.Marshal(p.buildRequestBody(req))
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, model)

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		apiURL,
		bytes.NewBuffer(jsonData),
	)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("Google Gemini API错误(%d): %s", httpResp.StatusCode, string(body))
	}

	respChan := make(chan llm.StreamResponse)

	go func() {
		defer httpResp.Body.Close()
		defer close(respChan)

		reader := bufio.NewReader(httpResp.Body)
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
					} else if !completionSent {
						respChan <- llm.StreamResponse{
							FinishReason: "stop",
							ModelName:    model,
							Done:         true,
						}
					}
					return
				}

				line = strings.TrimSpace(line)

				if line == "" || !strings.HasPrefix(line, "data: ") {
					continue
				}

				line = strings.TrimPrefix(line, "data: ")

				var streamResp struct {
					Candidates []struct {
						Content struct {
							Parts []struct {
								Text string `json:"text"`
							} `json:"parts"`
						} `json:"content"`
						FinishReason string `json:"finishReason,omitempty"`
					} `json:"candidates"`
				}

				if err := json.Unmarshal([]byte(line), &streamResp); err != nil {
					continue
				}

				if len(streamResp.Candidates) > 0 {
					var text strings.Builder
					for _, part := range streamResp.Candidates[0].Content.Parts {
						text.WriteString(part.Text)
					}

					if text.Len() > 0 {
						respChan <- llm.StreamResponse{
							Text:      text.String(),
							ModelName: model,
							Done:      false,
						}
					}

					if streamResp.Candidates[0].FinishReason != "" {
						respChan <- llm.StreamResponse{
							FinishReason: streamResp.Candidates[0].FinishReason,
							ModelName:    model,
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
