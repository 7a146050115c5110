// internal/llm/providers/deepseek/deepseek.go
package deepseek

import (
	"context"

	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/llm/providers/openaicompat"
)

func init() {
	llm.Register("deepseek", func() llm.Provider {
		return &Provider{}
	})
}

var defaults = openaicompat.Options{
	BaseURL:   "https://api.deepseek.com/v1",
	Model:     "deepseek-chat",
	MaxTokens: 8192,
}

type Provider struct {
	client *openaicompat.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	client, err := openaicompat.New(openaicompat.OptionsFromConfig("DeepSeek", config, defaults))
	if err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *Provider) GetName() string {
	return "DeepSeek"
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
