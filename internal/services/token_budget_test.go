package services

import (
	"strings"
	"testing"
)

// wordEstimate 每个空格分隔的词算一个 token
func wordEstimate(text string) int {
	return len(strings.Fields(text))
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens("hello world"); got != 2 {
		t.Fatalf("cl100k_base 下 hello world 应为2个token, 实际 %d", got)
	}
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("空文本应为0, 实际 %d", got)
	}
}

func TestRuneEstimate(t *testing.T) {
	if got := runeEstimate("你好世界啊"); got != 2 {
		t.Fatalf("5个字符应估算为2, 实际 %d", got)
	}
}

func TestSplitByBudgetFitsWhole(t *testing.T) {
	chunks := splitByBudget("a b\nc d", 10, wordEstimate)
	if len(chunks) != 1 || chunks[0] != "a b\nc d" {
		t.Fatalf("未超预算时应返回原文: %q", chunks)
	}
}

func TestSplitByBudgetLosslessAndWithinBudget(t *testing.T) {
	paragraphs := []string{
		"one two three",
		"four five",
		"six seven eight nine",
		"",
		"ten",
		"a b c d e f g h i j k l", // 单独超出预算
		"end",
	}
	text := strings.Join(paragraphs, "\n")

	const budget = 8
	chunks := splitByBudget(text, budget, wordEstimate)
	if strings.Join(chunks, "\n") != text {
		t.Fatalf("拼接后应与原文一致: %q", chunks)
	}

	for _, chunk := range chunks {
		lines := strings.Split(chunk, "\n")
		cost := wordEstimate(chunk) + len(lines) - 1
		if cost > budget && len(lines) > 1 {
			t.Fatalf("多行块超出预算: %q (%d)", chunk, cost)
		}
	}

	found := false
	for _, chunk := range chunks {
		if chunk == "a b c d e f g h i j k l" {
			found = true
		}
	}
	if !found {
		t.Fatalf("超预算的段落应单独成块: %q", chunks)
	}
}

func TestSplitByBudgetNeverEmpty(t *testing.T) {
	if chunks := SplitByBudget("", 10); len(chunks) != 1 || chunks[0] != "" {
		t.Fatalf("空文本应返回一个空块: %q", chunks)
	}
}
