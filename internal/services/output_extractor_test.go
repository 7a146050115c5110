package services

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/models"
)

func TestStripFences(t *testing.T) {
	raw := "```json\n{\"lines\": []}\n```\n"
	if got := StripFences(raw); got != `{"lines": []}` {
		t.Fatalf("去除代码块标记失败: %q", got)
	}

	withBOM := "\uFEFF```json\n{\"lines\": []}\n```"
	if got := StripFences(withBOM); got != `{"lines": []}` {
		t.Fatalf("应去除开头的 BOM: %q", got)
	}
}

func TestExtractLinesTruncatedOutput(t *testing.T) {
	lines, err := ExtractLines(`{"lines": [{"character": "A", "line": "Hi`)
	if err != nil {
		t.Fatalf("截断输出应能修复: %v", err)
	}
	want := []models.RawLine{{Character: "A", Instruct: "normal", Line: "Hi"}}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("修复结果不正确: %+v", lines)
	}
}

func TestRepairJSONCases(t *testing.T) {
	cases := map[string]string{
		`{"a": [1, 2,`:                 `{"a": [1, 2]}`,
		`{"a": "x\`:                    `{"a": "x"}`,
		`{"a":`:                        `{"a":""}`,
		`{"lines": [{"character"`:      `{"lines": [{"character":""}]}`,
		`{"a": "brace } inside`:        `{"a": "brace } inside"}`,
		`[{"line": "say \"hi\""}, {"l`: `[{"line": "say \"hi\""}, {"l":""}]`,
	}
	for input, want := range cases {
		got := RepairJSON(input)
		if got != want {
			t.Fatalf("修复 %q 结果为 %q, 期望 %q", input, got, want)
		}
		if !json.Valid([]byte(got)) {
			t.Fatalf("修复结果不是合法JSON: %q", got)
		}
	}
}

func TestRepairIsIdempotentOnValidInput(t *testing.T) {
	valid := `{"lines": [{"character": "Bob", "instruct": "angry", "line": "Get out!"}]}`
	if got := RepairJSON(valid); got != valid {
		t.Fatalf("合法JSON不应被修改: %q", got)
	}

	direct, err := ExtractStructured(valid, LinesKey)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	repaired, err := ExtractStructured(RepairJSON(valid), LinesKey)
	if err != nil {
		t.Fatalf("解析修复结果失败: %v", err)
	}
	if string(direct[LinesKey]) != string(repaired[LinesKey]) {
		t.Fatal("修复前后的结果应一致")
	}
}

func TestExtractStructuredWrapsMissingKey(t *testing.T) {
	obj, err := ExtractStructured(`[{"character": "A", "line": "x"}`, LinesKey)
	if err != nil {
		t.Fatalf("数组应被包装到 lines 下: %v", err)
	}
	var lines []models.RawLine
	json.Unmarshal(obj[LinesKey], &lines)
	if len(lines) != 1 {
		t.Fatalf("应有1行, 实际 %d", len(lines))
	}

	obj, err = ExtractStructured(`{"character": "A", "line": "x"`, LinesKey)
	if err != nil {
		t.Fatalf("单个对象应被包装: %v", err)
	}
	json.Unmarshal(obj[LinesKey], &lines)
	if len(lines) != 1 || lines[0].Character != "A" {
		t.Fatalf("包装结果不正确: %+v", lines)
	}
}

func TestExtractStructuredInvalidShape(t *testing.T) {
	_, err := ExtractStructured(`{"lines": "not an array"}`, LinesKey)
	if !apperrors.IsInvalidShapeError(err) {
		t.Fatalf("非数组应返回 InvalidShape, 实际 %v", err)
	}

	_, err = ExtractStructured(`{"other": []}`, LinesKey)
	if !apperrors.IsInvalidShapeError(err) {
		t.Fatalf("合法JSON缺少键应返回 InvalidShape, 实际 %v", err)
	}
}

func TestExtractStructuredMalformed(t *testing.T) {
	_, err := ExtractStructured(`lines: nothing here }`, LinesKey)
	if !apperrors.IsMalformedOutputError(err) {
		t.Fatalf("无法修复时应返回 MalformedOutput, 实际 %v", err)
	}

	var detail *apperrors.MalformedOutputDetail
	if !errors.As(err, &detail) || detail.RepairedText == "" || detail.DecodeErr == nil {
		t.Fatalf("应携带修复后的文本和原始错误: %+v", detail)
	}
}

func TestDecodeStructured(t *testing.T) {
	var doc models.PlotDocument
	raw := "```json\n{\"plot\": {\"main_plot\": \"a girl\", \"nsfw\": false}, \"characters\": {\"count\": 1, \"dict\": {\"Narrator\": {\"type\": \"narration\"}}}"
	if err := DecodeStructured(raw, &doc); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if doc.Plot.MainPlot != "a girl" || doc.Characters.Dict["Narrator"].Type != "narration" {
		t.Fatalf("解码结果不正确: %+v", doc)
	}

	var cast []models.CastEntry
	if err := DecodeStructured(`{"character": "A"}`, &cast); !apperrors.IsInvalidShapeError(err) {
		t.Fatalf("类型不符应返回 InvalidShape, 实际 %v", err)
	}
}
