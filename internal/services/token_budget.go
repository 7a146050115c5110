// internal/services/token_budget.go
package services

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

const tokenEncoding = "cl100k_base"

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		// 离线加载 BPE 字典，避免运行时下载
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			utils.GetLogger().Warn("加载分词器失败，使用字符估算", map[string]interface{}{
				"encoding": tokenEncoding,
				"error":    err.Error(),
			})
			return
		}
		encoder = enc
	})
	return encoder
}

// EstimateTokens 估算文本的 token 数
func EstimateTokens(text string) int {
	if enc := getEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return runeEstimate(text)
}

// runeEstimate 分词器不可用时按每 4 个字符一个 token 估算
func runeEstimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// SplitByBudget 按行把文本切成不超过 maxTokens 的块，单行超限时独占一块
func SplitByBudget(text string, maxTokens int) []string {
	return splitByBudget(text, maxTokens, EstimateTokens)
}

func splitByBudget(text string, maxTokens int, estimate func(string) int) []string {
	if maxTokens <= 0 || estimate(text) <= maxTokens {
		return []string{text}
	}

	var chunks []string
	var current []string
	currentTokens := 0

	for _, paragraph := range strings.Split(text, "\n") {
		tokens := estimate(paragraph)
		if len(current) > 0 && currentTokens+1+tokens > maxTokens {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = current[:0]
			currentTokens = 0
		}
		if len(current) > 0 {
			currentTokens++ // 换行
		}
		current = append(current, paragraph)
		currentTokens += tokens
	}
	chunks = append(chunks, strings.Join(current, "\n"))
	return chunks
}
