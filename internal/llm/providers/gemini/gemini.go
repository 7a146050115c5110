// internal/llm/providers/gemini/gemini.go
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/c4fun/tell-stories-webui/internal/llm"
)

func init() {
	llm.Register("gemini", func() llm.Provider {
		return &Provider{
			models: []string{
				"gemini-1.5-flash",
				"gemini-1.5-pro",
			},
		}
	})
}

type Provider struct {
	client       *genai.Client
	defaultModel string
	models       []string
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := config["api_key"]
	if apiKey == "" {
		return errors.New("Gemini API密钥未提供")
	}

	p.defaultModel = config["default_model"]
	if p.defaultModel == "" {
		p.defaultModel = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return fmt.Errorf("创建Gemini客户端失败: %w", err)
	}
	p.client = client
	return nil
}

func (p *Provider) GetName() string {
	return "Gemini"
}

func (p *Provider) GetSupportedModels() []string {
	return p.models
}

// Close 释放底层连接
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	client := p.client
	p.client = nil
	return client.Close()
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}

	model := p.client.GenerativeModel(modelName)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		model.SetTemperature(req.Temperature)
	}
	if req.SystemPrompt != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.SystemPrompt))
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("Gemini生成失败: %w", err)
	}
	return toCompletionResponse(resp, modelName)
}

// toCompletionResponse 拼接首个候选的文本片段
func toCompletionResponse(resp *genai.GenerateContentResponse, modelName string) (*llm.CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("Gemini未返回任何结果")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	out := &llm.CompletionResponse{
		Text:         text.String(),
		FinishReason: mapFinishReason(candidate.FinishReason),
		ModelName:    modelName,
		ProviderName: "Gemini",
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.PromptTokens = int(usage.PromptTokenCount)
		out.OutputTokens = int(usage.CandidatesTokenCount)
		out.TokensUsed = int(usage.TotalTokenCount)
	}
	return out, nil
}

// mapFinishReason 转换为 OpenAI 风格的结束原因
func mapFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return strings.ToLower(strings.TrimPrefix(reason.String(), "FinishReason"))
	}
}
