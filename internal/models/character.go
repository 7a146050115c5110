// internal/models/character.go
package models

import (
	"sort"
	"strings"
)

// 角色类型
const (
	CharacterTypeNarration = "narration"
	CharacterTypeAction    = "action"
)

// NarratorName 旁白角色名
const NarratorName = "Narrator"

// CharacterRecord 角色属性，键为规范名
type CharacterRecord struct {
	Language         string   `json:"language"`
	Gender           string   `json:"gender"`
	Type             string   `json:"type"` // narration / action
	Age              string   `json:"age"`
	Pitch            string   `json:"pitch"`
	AlternativeNames []string `json:"alternativeNames,omitempty"`
}

// CharactersDict 角色字典
type CharactersDict struct {
	Count int                        `json:"count"`
	Dict  map[string]CharacterRecord `json:"dict"`
}

// Resolve 根据规范名或别名查找角色，返回规范名
// 规范名优先于别名，多个角色共用别名时取排序最靠前的规范名
func (c CharactersDict) Resolve(name string) (string, bool) {
	if _, ok := c.Dict[name]; ok {
		return name, true
	}

	names := c.Names()
	for _, canonical := range names {
		if strings.EqualFold(canonical, name) {
			return canonical, true
		}
	}
	for _, canonical := range names {
		for _, alt := range c.Dict[canonical].AlternativeNames {
			if strings.EqualFold(alt, name) {
				return canonical, true
			}
		}
	}
	return "", false
}

// Names 排序后的规范名
func (c CharactersDict) Names() []string {
	names := make([]string, 0, len(c.Dict))
	for canonical := range c.Dict {
		names = append(names, canonical)
	}
	sort.Strings(names)
	return names
}

// Merge 合并新角色，已存在的角色不覆盖，返回新增数量
func (c *CharactersDict) Merge(other CharactersDict) int {
	if c.Dict == nil {
		c.Dict = make(map[string]CharacterRecord)
	}
	added := 0
	for name, record := range other.Dict {
		if _, exists := c.Dict[name]; exists {
			continue
		}
		c.Dict[name] = record
		added++
	}
	c.Count = len(c.Dict)
	return added
}

// CastEntry 角色到声优的映射
type CastEntry struct {
	Character string `json:"character"`
	VAName    string `json:"va_name"`
}

// CastList 书籍级声优列表
type CastList struct {
	Count int         `json:"count"`
	Cast  []CastEntry `json:"cast"`
}

// Merge 追加尚未分配的角色，返回新增数量
func (c *CastList) Merge(entries []CastEntry) int {
	known := make(map[string]bool, len(c.Cast))
	for _, entry := range c.Cast {
		known[entry.Character] = true
	}
	added := 0
	for _, entry := range entries {
		if known[entry.Character] {
			continue
		}
		known[entry.Character] = true
		c.Cast = append(c.Cast, entry)
		added++
	}
	c.Count = len(c.Cast)
	return added
}
