// internal/llm/providers/openrouter/openrouter.go
package openrouter

import (
	"context"

	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/llm/providers/openaicompat"
)

func init() {
	llm.Register("openrouter", func() llm.Provider {
		return &Provider{}
	})
}

var defaults = openaicompat.Options{
	BaseURL: "https://openrouter.ai/api/v1",
	Model:   "deepseek/deepseek-chat",
}

type Provider struct {
	client *openaicompat.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	opts := openaicompat.OptionsFromConfig("OpenRouter", config, defaults)

	// 获取应用名称和来源
	appName := config["app_name"]
	if appName == "" {
		appName = "Tell Stories"
	}
	httpReferer := config["http_referer"]
	if httpReferer == "" {
		httpReferer = "https://github.com/c4fun/tell-stories-webui"
	}
	opts.ExtraHeaders = map[string]string{
		"HTTP-Referer": httpReferer,
		"X-Title":      appName,
	}

	client, err := openaicompat.New(opts)
	if err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *Provider) GetName() string {
	return "OpenRouter"
}

func (p *Provider) GetSupportedModels() []string {
	if p.client != nil {
		return []string{p.client.Model()}
	}
	return []string{defaults.Model}
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return p.client.Complete(ctx, req)
}
