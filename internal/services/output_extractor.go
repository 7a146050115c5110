// internal/services/output_extractor.go
package services

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/models"
)

// LinesKey 台词输出的顶层键
const LinesKey = "lines"

var fenceReplacer = strings.NewReplacer("```json", "", "```", "")

// StripFences 去掉 Markdown 代码块标记，内部内容保持不变
func StripFences(raw string) string {
	s := fenceReplacer.Replace(raw)
	s = strings.TrimPrefix(strings.TrimSpace(s), "\uFEFF")
	return strings.TrimSpace(s)
}

// RepairJSON 修复被截断的 JSON：补全字符串引号、去掉悬挂逗号、补齐括号
func RepairJSON(text string) string {
	text = strings.TrimSpace(text)

	var closers []byte
	inString := false
	escaped := false
	lastStringStart := -1

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			lastStringStart = i
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if n := len(closers); n > 0 && closers[n-1] == c {
				closers = closers[:n-1]
			}
		}
	}

	out := text
	if inString {
		// 截断在转义符之后时丢掉半个转义
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}

	out = strings.TrimRightFunc(out, unicode.IsSpace)
	out = strings.TrimRightFunc(strings.TrimSuffix(out, ","), unicode.IsSpace)

	switch {
	case strings.HasSuffix(out, ":"):
		out += `""`
	case endsWithDanglingKey(out, lastStringStart, closers):
		out += `:""`
	}

	var b strings.Builder
	b.WriteString(out)
	for i := len(closers) - 1; i >= 0; i-- {
		b.WriteByte(closers[i])
	}
	return b.String()
}

// endsWithDanglingKey 对象中最后一个字符串是键且没有值
func endsWithDanglingKey(out string, lastStringStart int, closers []byte) bool {
	if len(closers) == 0 || closers[len(closers)-1] != '}' || lastStringStart < 0 {
		return false
	}
	if !strings.HasSuffix(out, `"`) || lastStringStart >= len(out)-1 {
		return false
	}
	before := strings.TrimRightFunc(out[:lastStringStart], unicode.IsSpace)
	return strings.HasSuffix(before, "{") || strings.HasSuffix(before, ",")
}

// ExtractStructured 解析模型输出，必要时修复，并校验 key 对应的值是数组
func ExtractStructured(raw, key string) (map[string]json.RawMessage, error) {
	cleaned := StripFences(raw)

	var top json.RawMessage
	decodeErr := json.Unmarshal([]byte(cleaned), &top)
	if decodeErr == nil {
		return validateShape(top, key)
	}

	repaired := RepairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), &top); err != nil {
		return nil, apperrors.NewMalformedOutputError("模型输出修复后仍无法解析", decodeErr, repaired)
	}
	return validateShape(wrapUnderKey(top, key), key)
}

// wrapUnderKey 缺少顶层键时把内容放到 key 下
func wrapUnderKey(top json.RawMessage, key string) json.RawMessage {
	trimmed := strings.TrimSpace(string(top))
	keyJSON, _ := json.Marshal(key)

	switch {
	case strings.HasPrefix(trimmed, "["):
		return json.RawMessage(`{` + string(keyJSON) + `:` + trimmed + `}`)
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(top, &obj); err == nil {
			if _, ok := obj[key]; !ok {
				return json.RawMessage(`{` + string(keyJSON) + `:[` + trimmed + `]}`)
			}
		}
	}
	return top
}

func validateShape(top json.RawMessage, key string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(top, &obj); err != nil || obj == nil {
		return nil, apperrors.NewInvalidShapeError("模型输出的顶层不是对象", err)
	}

	value, ok := obj[key]
	if !ok {
		return nil, apperrors.NewInvalidShapeError("模型输出缺少字段: "+key, nil)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(value)), "[") {
		return nil, apperrors.NewInvalidShapeError("字段 "+key+" 不是数组", nil)
	}
	return obj, nil
}

// ExtractLines 提取 {"lines": [...]}，缺少语气的行填充为 normal
func ExtractLines(raw string) ([]models.RawLine, error) {
	obj, err := ExtractStructured(raw, LinesKey)
	if err != nil {
		return nil, err
	}

	var lines []models.RawLine
	if err := json.Unmarshal(obj[LinesKey], &lines); err != nil {
		return nil, apperrors.NewInvalidShapeError("lines 中的条目格式不正确", err)
	}
	for i := range lines {
		lines[i].Instruct = lines[i].InstructOrDefault()
	}
	return lines, nil
}

// DecodeStructured 用于剧情和声优阶段：去掉代码块标记后解码，语法错误时修复后重试
func DecodeStructured(raw string, v interface{}) error {
	cleaned := StripFences(raw)

	decodeErr := json.Unmarshal([]byte(cleaned), v)
	if decodeErr == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(decodeErr, &typeErr) {
		return apperrors.NewInvalidShapeError("模型输出结构不符合预期", decodeErr)
	}

	repaired := RepairJSON(cleaned)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		if errors.As(err, &typeErr) {
			return apperrors.NewInvalidShapeError("模型输出结构不符合预期", err)
		}
		return apperrors.NewMalformedOutputError("模型输出修复后仍无法解析", decodeErr, repaired)
	}
	return nil
}
