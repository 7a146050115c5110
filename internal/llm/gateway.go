// internal/llm/gateway.go
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// GatewayConfig 网关配置：主后端、回退顺序和单后端重试策略
type GatewayConfig struct {
	Primary       string
	FallbackOrder []string
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxTokens     int
}

// Completion 网关调用结果
type Completion struct {
	Text             string `json:"text"`
	TokensUsed       int    `json:"tokens_used"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
	Backend          string `json:"backend"`
	Model            string `json:"model"`
}

// Truncated 非 stop 结束视为被截断
func (c *Completion) Truncated() bool {
	return c.FinishReason != "stop"
}

// Completer 流水线各阶段依赖的最小调用接口
type Completer interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// BackendStatus 单个后端状态
type BackendStatus struct {
	Name        string   `json:"name"`
	Initialized bool     `json:"initialized"`
	Models      []string `json:"models,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// GatewayStatus /api/llm/status 的返回内容
type GatewayStatus struct {
	Primary     string          `json:"primary"`
	Order       []string        `json:"order"`
	MaxAttempts int             `json:"max_attempts"`
	Backends    []BackendStatus `json:"backends"`
}

// Gateway 在多个后端之间执行回退和重试
type Gateway struct {
	config     GatewayConfig
	candidates []string
	backends   map[string]Provider
	initErrors map[string]error
	metrics    *utils.PipelineMetrics
	logger     *utils.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

// GatewayOption 可选项
type GatewayOption func(*Gateway)

// WithMetrics 使用指定的指标收集
func WithMetrics(metrics *utils.PipelineMetrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

// WithInitErrors 记录初始化失败的后端，供状态接口展示
func WithInitErrors(initErrors map[string]error) GatewayOption {
	return func(g *Gateway) {
		g.initErrors = initErrors
	}
}

// NewGateway 创建网关，backends 中缺失的后端按一次失败计入
func NewGateway(config GatewayConfig, backends map[string]Provider, opts ...GatewayOption) *Gateway {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}

	g := &Gateway{
		config:     config,
		candidates: candidateOrder(config.Primary, config.FallbackOrder),
		backends:   backends,
		initErrors: map[string]error{},
		metrics:    utils.NewPipelineMetrics(),
		logger:     utils.GetLogger(),
		wait:       sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// candidateOrder 主后端在前，回退列表去掉主后端和重复项
func candidateOrder(primary string, fallbacks []string) []string {
	order := []string{primary}
	seen := map[string]bool{primary: true}
	for _, name := range fallbacks {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}

// Candidates 返回实际调用顺序
func (g *Gateway) Candidates() []string {
	return append([]string(nil), g.candidates...)
}

// Complete 依次尝试每个候选后端，全部失败时返回 ProviderError
func (g *Gateway) Complete(ctx context.Context, prompt string) (*Completion, error) {
	var failures []error

	for _, name := range g.candidates {
		provider := g.backends[name]
		if provider == nil {
			reason := "未初始化"
			if initErr := g.initErrors[name]; initErr != nil {
				reason = initErr.Error()
			}
			g.logger.Warn("跳过不可用的模型后端", map[string]interface{}{
				"backend": name,
				"reason":  reason,
			})
			failures = append(failures, fmt.Errorf("%s: %s", name, reason))
			continue
		}

		completion, err := g.callWithRetry(ctx, name, provider, prompt)
		if err == nil {
			return completion, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", name, err))

		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			return nil, apperrors.NewProviderError("模型调用已取消", errors.Join(failures...))
		}
		g.logger.Warn("模型后端失败，尝试下一个", map[string]interface{}{
			"backend": name,
			"error":   err.Error(),
		})
	}

	g.metrics.RecordError(string(apperrors.ErrorTypeProvider), "llm_gateway")
	return nil, apperrors.NewProviderError(
		fmt.Sprintf("所有模型后端均调用失败 (%s)", strings.Join(g.candidates, ", ")),
		errors.Join(failures...),
	)
}

// callWithRetry 单个后端最多尝试 MaxAttempts 次
func (g *Gateway) callWithRetry(ctx context.Context, name string, provider Provider, prompt string) (*Completion, error) {
	var lastErr error

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := provider.CompleteText(ctx, CompletionRequest{
			Prompt:    prompt,
			MaxTokens: g.config.MaxTokens,
		})
		if err == nil && resp == nil {
			err = errors.New("后端返回空结果")
		}

		if err == nil {
			duration := time.Since(start)
			g.metrics.RecordLLMRequest(name, resp.ModelName, resp.PromptTokens, resp.OutputTokens, resp.TokensUsed, duration)
			return &Completion{
				Text:             resp.Text,
				TokensUsed:       resp.TokensUsed,
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.OutputTokens,
				FinishReason:     resp.FinishReason,
				Backend:          name,
				Model:            resp.ModelName,
			}, nil
		}

		lastErr = err
		g.metrics.RecordLLMFailure(name)
		g.logger.Warn("模型调用失败", map[string]interface{}{
			"backend": name,
			"attempt": attempt,
			"max":     g.config.MaxAttempts,
			"error":   err.Error(),
		})

		if attempt < g.config.MaxAttempts {
			if waitErr := g.wait(ctx, g.config.RetryDelay); waitErr != nil {
				return nil, fmt.Errorf("%w (等待重试时中断: %v)", lastErr, waitErr)
			}
		}
	}

	return nil, lastErr
}

// Status 报告调用顺序和各后端初始化情况
func (g *Gateway) Status() GatewayStatus {
	status := GatewayStatus{
		Primary:     g.config.Primary,
		Order:       g.Candidates(),
		MaxAttempts: g.config.MaxAttempts,
	}

	for _, name := range g.candidates {
		entry := BackendStatus{Name: name}
		if provider := g.backends[name]; provider != nil {
			entry.Initialized = true
			entry.Models = provider.GetSupportedModels()
		} else if initErr := g.initErrors[name]; initErr != nil {
			entry.Error = initErr.Error()
		} else {
			entry.Error = "未初始化"
		}
		status.Backends = append(status.Backends, entry)
	}
	return status
}

// Close 关闭持有连接的后端（如 gemini 客户端），返回合并后的错误
func (g *Gateway) Close() error {
	names := make([]string, 0, len(g.backends))
	for name := range g.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		closer, ok := g.backends[name].(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭后端 %s 失败: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// sleepContext 可被取消的等待
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
