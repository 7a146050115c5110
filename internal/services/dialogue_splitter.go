// internal/services/dialogue_splitter.go
package services

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/c4fun/tell-stories-webui/internal/models"
)

// EmphasisWords 台词中常见的全大写强调词
var EmphasisWords = map[string]bool{
	"CHAPTER": true, "BOOK": true, "VOLUME": true,
	"BANG": true, "BOOM": true, "CRASH": true, "SLAM": true, "THUD": true,
	"FUCK": true, "SHIT": true, "DAMN": true, "HELL": true,
	"HEY": true, "OH": true, "AH": true, "OI": true, "YO": true,
	"NO": true, "YES": true, "STOP": true, "WAIT": true,
	"HA": true, "HAH": true, "HAHA": true, "AHAHA": true,
	"MH": true, "MHH": true, "MHHH": true, "MHHHH": true, "MHHHHH": true,
}

var (
	primaryQuotePatterns = []*regexp.Regexp{
		regexp.MustCompile(`“([^”]+)”`),
		regexp.MustCompile(`"([^"]+)"`),
		regexp.MustCompile(`「([^」]+)」`),
		regexp.MustCompile(`『([^』]+)』`),
	}
	curlySingleQuotePattern = regexp.MustCompile(`‘([^’]+)’`)
	sentenceBreakPattern    = regexp.MustCompile(`[.!?]+\s+`)
	wordPattern             = regexp.MustCompile(`\S+`)

	contractionSuffixes = []string{"ll", "re", "ve", "m", "s", "d", "t"}
)

// quoteMatch 一段引号内容在原文中的位置
type quoteMatch struct {
	start, end int // 包含引号
	content    string
}

// SplitLine 把一行混合台词拆成旁白和对白交替的若干行
func SplitLine(raw models.RawLine, allCapsToProper bool) []models.RawLine {
	if strings.EqualFold(raw.Character, models.NarratorName) {
		return []models.RawLine{raw}
	}

	matches := findQuotes(raw.Line)
	if len(matches) == 0 {
		return []models.RawLine{raw}
	}
	for _, m := range matches {
		if utf8.RuneCountInString(strings.TrimSpace(m.content)) < 2 {
			return []models.RawLine{raw}
		}
	}

	var result []models.RawLine
	last := 0
	for _, m := range matches {
		result = append(result, narrationLines(raw.Line[last:m.start])...)

		content := strings.TrimSpace(m.content)
		if allCapsToProper {
			content = ProperCaseEmphasis(content, EmphasisWords)
		}
		result = append(result, models.RawLine{
			Character: raw.Character,
			Instruct:  raw.InstructOrDefault(),
			Line:      content,
		})
		last = m.end
	}
	result = append(result, narrationLines(raw.Line[last:])...)
	return result
}

// SplitLines 依次展开整段台词，保持顺序
func SplitLines(lines []models.RawLine, allCapsToProper bool) []models.RawLine {
	out := make([]models.RawLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, SplitLine(line, allCapsToProper)...)
	}
	return out
}

// findQuotes 先找双引号和书名号类引号，找不到时再找单引号
func findQuotes(text string) []quoteMatch {
	seen := map[int]bool{}
	var matches []quoteMatch
	for _, pattern := range primaryQuotePatterns {
		for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
			if seen[loc[0]] {
				continue
			}
			seen[loc[0]] = true
			matches = append(matches, quoteMatch{start: loc[0], end: loc[1], content: text[loc[2]:loc[3]]})
		}
	}

	if len(matches) == 0 {
		for _, loc := range curlySingleQuotePattern.FindAllStringSubmatchIndex(text, -1) {
			matches = append(matches, quoteMatch{start: loc[0], end: loc[1], content: text[loc[2]:loc[3]]})
		}
		matches = append(matches, straightSingleQuotes(text)...)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	// 丢弃与前一段重叠的匹配
	kept := matches[:0]
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		kept = append(kept, m)
		lastEnd = m.end
	}
	return kept
}

// straightSingleQuotes 查找 '...'，缩写中的撇号（don't、I'm）不作为引号
func straightSingleQuotes(text string) []quoteMatch {
	var matches []quoteMatch
	open := -1
	for i := 0; i < len(text); i++ {
		if text[i] != '\'' || isContraction(text, i) {
			continue
		}
		if open < 0 || i == open+1 {
			open = i
			continue
		}
		matches = append(matches, quoteMatch{start: open, end: i + 1, content: text[open+1 : i]})
		open = -1
	}
	return matches
}

// isContraction 撇号前是字母数字，后面紧跟 m/s/d/ll/re/ve/t 且在词尾
func isContraction(text string, pos int) bool {
	if pos == 0 {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:pos])
	if !isWordRune(prev) {
		return false
	}
	rest := text[pos+1:]
	for _, suffix := range contractionSuffixes {
		if !strings.HasPrefix(rest, suffix) {
			continue
		}
		after := rest[len(suffix):]
		if after == "" {
			return true
		}
		next, _ := utf8.DecodeRuneInString(after)
		if !isWordRune(next) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// narrationLines 引号之间的文本按句末标点拆成旁白行，标点保留在句尾
func narrationLines(gap string) []models.RawLine {
	gap = strings.TrimSpace(gap)
	if gap == "" {
		return nil
	}

	var fragments []string
	prev := 0
	for _, loc := range sentenceBreakPattern.FindAllStringIndex(gap, -1) {
		fragments = append(fragments, gap[prev:loc[1]])
		prev = loc[1]
	}
	fragments = append(fragments, gap[prev:])

	var lines []models.RawLine
	for _, fragment := range fragments {
		fragment = strings.Trim(strings.TrimSpace(fragment), " ,;")
		if !hasLetterOrDigit(fragment) {
			continue
		}
		lines = append(lines, models.RawLine{
			Character: models.NarratorName,
			Instruct:  models.DefaultInstruct,
			Line:      fragment,
		})
	}
	return lines
}

func hasLetterOrDigit(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

// ProperCaseEmphasis 全大写的句子改为首字母大写，否则只处理强调词，空白保持不变
func ProperCaseEmphasis(text string, emphasis map[string]bool) string {
	if isAllUpper(text) {
		return capitalize(text)
	}

	var b strings.Builder
	prev := 0
	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		b.WriteString(text[prev:loc[0]])
		b.WriteString(properCaseWord(text[loc[0]:loc[1]], emphasis))
		prev = loc[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

// properCaseWord 去掉首尾非字母后与强调词比较
func properCaseWord(word string, emphasis map[string]bool) string {
	start := strings.IndexFunc(word, unicode.IsLetter)
	if start < 0 {
		return word
	}
	end := strings.LastIndexFunc(word, unicode.IsLetter)
	_, size := utf8.DecodeRuneInString(word[end:])
	end += size

	core := word[start:end]
	if !emphasis[core] {
		return word
	}
	return word[:start] + capitalize(core) + word[end:]
}

// isAllUpper 至少有一个有大小写的字母，且没有小写字母
func isAllUpper(text string) bool {
	cased := false
	for _, r := range text {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

func capitalize(text string) string {
	r, size := utf8.DecodeRuneInString(text)
	if r == utf8.RuneError && size == 0 {
		return text
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(text[size:])
}
