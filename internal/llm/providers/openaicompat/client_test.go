package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/c4fun/tell-stories-webui/internal/llm"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var captured chatRequest
	var headers http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("请求路径错误: %s", r.URL.Path)
		}
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("请求体解析失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "deepseek-chat",
			"choices": [{"message": {"role": "assistant", "content": "{\"lines\": []}"}, "finish_reason": "length"}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 22, "total_tokens": 33}
		}`))
	}))
	defer server.Close()

	client, err := New(Options{
		Name:         "DeepSeek",
		APIKey:       "sk-test",
		BaseURL:      server.URL + "/v1/",
		Model:        "deepseek-chat",
		MaxTokens:    8192,
		ExtraHeaders: map[string]string{"X-Title": "tell-stories"},
	})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "生成台词"})
	if err != nil {
		t.Fatalf("调用失败: %v", err)
	}

	if captured.Model != "deepseek-chat" || captured.MaxTokens != 8192 || captured.Stream {
		t.Errorf("请求参数不正确: %+v", captured)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Content != "生成台词" {
		t.Errorf("消息内容不正确: %+v", captured.Messages)
	}
	if headers.Get("Authorization") != "Bearer sk-test" || headers.Get("X-Title") != "tell-stories" {
		t.Errorf("请求头不正确: %v", headers)
	}
	if resp.FinishReason != "length" || resp.TokensUsed != 33 || resp.PromptTokens != 11 || resp.OutputTokens != 22 {
		t.Errorf("响应解析不正确: %+v", resp)
	}
}

func TestCompleteReportsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := New(Options{Name: "Qwen", APIKey: "k", BaseURL: server.URL, Model: "qwen-max"})
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("应返回包含状态码的错误, 实际 %v", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Options{Name: "OpenRouter", BaseURL: "http://localhost"}); err == nil {
		t.Fatal("缺少密钥时应返回错误")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig("DeepSeek", map[string]string{
		"api_key":    "k",
		"max_tokens": "1024",
	}, Options{BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat", MaxTokens: 8192})

	if opts.APIKey != "k" || opts.MaxTokens != 1024 || opts.Model != "deepseek-chat" || opts.Name != "DeepSeek" {
		t.Fatalf("配置合并不正确: %+v", opts)
	}
}
