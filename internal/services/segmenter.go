// internal/services/segmenter.go
package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// SegmenterConfig 分段参数
type SegmenterConfig struct {
	BatchSize    int // 每次读入的行数，也是询问模型时的窗口大小
	TargetLength int // 缓冲区达到此行数后开始询问分段点
	MaxDeclines  int // 连续拒绝次数达到后强制分段
}

// DefaultSegmenterConfig 默认 40/60/3
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{BatchSize: 40, TargetLength: 60, MaxDeclines: 3}
}

// Segmenter 借助模型在叙事边界处切分长文本
type Segmenter struct {
	completer llm.Completer
	config    SegmenterConfig
	logger    *utils.Logger
}

// NewSegmenter 创建分段器，非法参数回退到默认值
func NewSegmenter(completer llm.Completer, config SegmenterConfig) *Segmenter {
	defaults := DefaultSegmenterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.TargetLength <= 0 {
		config.TargetLength = defaults.TargetLength
	}
	if config.MaxDeclines <= 0 {
		config.MaxDeclines = defaults.MaxDeclines
	}
	return &Segmenter{
		completer: completer,
		config:    config,
		logger:    utils.GetLogger(),
	}
}

// Segment 把故事切成若干部分，各部分按原顺序以换行拼接后等于原文
func (s *Segmenter) Segment(ctx context.Context, story, mainPlot string) ([]string, error) {
	lines := strings.Split(story, "\n")
	batch := s.config.BatchSize

	var parts []string
	var buf []string
	declines := 0

	emit := func(cut int) {
		parts = append(parts, strings.Join(buf[:cut], "\n"))
		rest := make([]string, len(buf)-cut)
		copy(rest, buf[cut:])
		buf = rest
		declines = 0
	}

	for i := 0; i < len(lines); i += batch {
		end := i + batch
		if end > len(lines) {
			end = len(lines)
		}
		buf = append(buf, lines[i:end]...)

		if len(buf) < s.config.TargetLength {
			continue
		}

		window := buf
		if len(buf) > batch {
			window = buf[len(buf)-batch:]
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		completion, err := s.completer.Complete(ctx, SplitDecisionPrompt(numberLines(window), mainPlot))
		if err != nil {
			return nil, fmt.Errorf("获取分段建议失败: %w", err)
		}

		if p, ok := ParseSplitDecision(completion.Text, len(window)); ok {
			cut := len(buf) - len(window) + p
			s.logger.Info("在自然段落处分段", map[string]interface{}{
				"split_line": p,
				"part_lines": cut,
			})
			emit(cut)
			continue
		}

		declines++
		s.logger.Info("未找到合适的分段点", map[string]interface{}{
			"attempt": declines,
			"max":     s.config.MaxDeclines,
		})
		if declines >= s.config.MaxDeclines {
			s.logger.Info("连续拒绝后强制分段", map[string]interface{}{
				"part_lines": len(buf) - len(window),
			})
			if cut := len(buf) - len(window); cut > 0 {
				emit(cut)
			}
		}
	}

	if len(buf) > 0 || len(parts) == 0 {
		parts = append(parts, strings.Join(buf, "\n"))
	}

	s.logger.Info("故事分段完成", map[string]interface{}{
		"lines": len(lines),
		"parts": len(parts),
	})
	return parts, nil
}

// numberLines 按 "n. 内容" 从 1 开始编号
func numberLines(window []string) string {
	var b strings.Builder
	for i, line := range window {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, line)
	}
	return b.String()
}

// ParseSplitDecision 解析 "SPLIT: n"，返回窗口内下一部分首行的偏移
// 模型给出的第 n 行（从 1 计）留在当前部分，n 为 0 视为不分段
func ParseSplitDecision(reply string, windowLen int) (int, bool) {
	_, after, found := strings.Cut(reply, "SPLIT:")
	if !found {
		return 0, false
	}
	value, _, _ := strings.Cut(after, "\n")
	value = strings.Trim(strings.TrimSpace(value), "[]")
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	p, err := strconv.Atoi(value)
	if err != nil || p < 1 || p >= windowLen {
		return 0, false
	}
	return p, true
}
