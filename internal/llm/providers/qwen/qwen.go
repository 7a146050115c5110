// internal/llm/providers/qwen/qwen.go
package qwen

import (
	"context"

	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/llm/providers/openaicompat"
)

func init() {
	llm.Register("qwen", func() llm.Provider {
		return &Provider{}
	})
}

// DashScope 的 OpenAI 兼容模式
var defaults = openaicompat.Options{
	BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
	Model:   "qwen-max",
}

type Provider struct {
	client *openaicompat.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	client, err := openaicompat.New(openaicompat.OptionsFromConfig("千问(Qwen)", config, defaults))
	if err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *Provider) GetName() string {
	return "Qwen"
}

func (p *Provider) GetSupportedModels() []string {
	if p.client != nil {
		return []string{p.client.Model()}
	}
	return []string{defaults.Model, "qwen-plus"}
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.client.Complete(ctx, req)
}
