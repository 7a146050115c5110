// internal/llm/providers/openaicompat/client.go
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c4fun/tell-stories-webui/internal/llm"
)

// Options OpenAI 兼容接口的连接参数
type Options struct {
	Name         string // 用于错误消息
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	ExtraHeaders map[string]string
	Timeout      time.Duration
}

// Client 调用 /chat/completions 的通用客户端
type Client struct {
	opts   Options
	client *http.Client
}

// New 创建客户端，缺少密钥或地址时返回错误
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s API密钥未提供", opts.Name)
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%s 接口地址未配置", opts.Name)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}, nil
}

// Model 默认模型
func (c *Client) Model() string {
	return c.opts.Model
}

// OptionsFromConfig 从提供者配置表读取通用参数
func OptionsFromConfig(name string, config map[string]string, defaults Options) Options {
	opts := defaults
	opts.Name = name
	if v := config["api_key"]; v != "" {
		opts.APIKey = v
	}
	if v := config["base_url"]; v != "" {
		opts.BaseURL = v
	}
	if v := config["default_model"]; v != "" {
		opts.Model = v
	}
	if v := config["max_tokens"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.MaxTokens = n
		}
	}
	return opts
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
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
}

// Complete 发送一次非流式请求
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.opts.Model
	}

	messages := []chatMessage{{Role: "user", Content: req.Prompt}}
	if req.SystemPrompt != "" {
		messages = append([]chatMessage{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	for k, v := range c.opts.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%s API错误(%d): %s", c.opts.Name, httpResp.StatusCode, string(respBody))
	}

	var response chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%s 响应解析失败: %w", c.opts.Name, err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New(c.opts.Name + "未返回任何结果")
	}

	modelName := response.Model
	if modelName == "" {
		modelName = model
	}

	return &llm.CompletionResponse{
		Text:         response.Choices[0].Message.Content,
		FinishReason: response.Choices[0].FinishReason,
		TokensUsed:   response.Usage.TotalTokens,
		PromptTokens: response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		ModelName:    modelName,
		ProviderName: c.opts.Name,
	}, nil
}
