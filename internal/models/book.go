// internal/models/book.go
package models

import "time"

// Chapter 书籍中的一章
type Chapter struct {
	ProcessID  string         `json:"process_id,omitempty"`
	Plot       Plot           `json:"plot"`
	Characters CharactersDict `json:"characters"`
}

// ChapterList 章节列表
type ChapterList struct {
	Count    int       `json:"count"`
	Chapters []Chapter `json:"chapters"`
}

// Book 书籍，跨章节累积剧情、角色和声优
type Book struct {
	BookID     string         `json:"book_id"`
	Name       string         `json:"name"`
	Plot       Plot           `json:"plot"`
	Chapters   ChapterList    `json:"chapters"`
	Characters CharactersDict `json:"characters"`
	Cast       CastList       `json:"cast"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// BookCreate 创建书籍请求
type BookCreate struct {
	BookID string `json:"book_id" binding:"required"`
	Name   string `json:"name" binding:"required"`
}

// BookUpdate 更新书籍请求，nil 字段不修改
type BookUpdate struct {
	Name       *string         `json:"name,omitempty"`
	Plot       *Plot           `json:"plot,omitempty"`
	Chapters   *ChapterList    `json:"chapters,omitempty"`
	Characters *CharactersDict `json:"characters,omitempty"`
	Cast       *CastList       `json:"cast,omitempty"`
}

// BookContext 为剧情和声优生成提供的前文信息
type BookContext struct {
	PreviousPlot string         `json:"previous_plot"`
	Characters   CharactersDict `json:"characters"`
	Cast         []CastEntry    `json:"cast"`
}

// VoiceActor 声优目录中的一条记录
type VoiceActor struct {
	Name       string                 `json:"name"`
	Attributes map[string]interface{} `json:"attributes"`
}
