// internal/models/script.go
package models

import "time"

// Plot 剧情概要
type Plot struct {
	NSFW                  bool   `json:"nsfw"`
	ExplicitSexualContent bool   `json:"explicit_sexual_content"`
	MainPlot              string `json:"main_plot"`
	DetailedMainPlot      string `json:"detailed_main_plot"`
}

// PlotDocument plot.json 的内容
type PlotDocument struct {
	Plot       Plot           `json:"plot"`
	Characters CharactersDict `json:"characters"`
}

// RawLine 模型按角色输出的一行台词
type RawLine struct {
	Character string `json:"character"`
	Instruct  string `json:"instruct"`
	Line      string `json:"line"`
}

// DefaultInstruct 默认语气
const DefaultInstruct = "normal"

// InstructOrDefault 返回语气，为空时使用默认值
func (l RawLine) InstructOrDefault() string {
	if l.Instruct == "" {
		return DefaultInstruct
	}
	return l.Instruct
}

// LinesDocument lines.json 的内容
type LinesDocument struct {
	Lines []RawLine `json:"lines"`
}

// StoryParts story_parts.json 的内容
type StoryParts struct {
	Parts []string `json:"parts"`
}

// JobState 剧本任务状态
type JobState string

const (
	JobStateInit            JobState = "init"
	JobStateSplittingStory  JobState = "splitting_story"
	JobStateProcessingLines JobState = "processing_lines"
	JobStateCompleted       JobState = "completed"
	JobStateError           JobState = "error"
)

var jobStateRank = map[JobState]int{
	JobStateInit:            0,
	JobStateSplittingStory:  1,
	JobStateProcessingLines: 2,
	JobStateCompleted:       3,
}

// IsTerminal completed 和 error 之后不再迁移
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateError
}

// CanTransitionTo 状态只能向前推进，error 可从任意非终态进入
func (s JobState) CanTransitionTo(next JobState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStateError {
		return true
	}
	from, ok1 := jobStateRank[s]
	to, ok2 := jobStateRank[next]
	return ok1 && ok2 && to > from
}

// ProgressRecord script_progress.json 的内容
type ProgressRecord struct {
	State      JobState  `json:"state"`
	ProcessID  string    `json:"process_id"`
	OutputPath string    `json:"output_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScriptResponse 对外返回的处理状态
type ScriptResponse struct {
	Status     string `json:"status"`
	ProcessID  string `json:"process_id"`
	Message    string `json:"message,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// ToResponse 仅在 error 状态下携带错误消息
func (p ProgressRecord) ToResponse() ScriptResponse {
	resp := ScriptResponse{
		Status:     string(p.State),
		ProcessID:  p.ProcessID,
		OutputPath: p.OutputPath,
	}
	if p.State == JobStateError {
		resp.Message = p.Error
	}
	return resp
}

// PlotRequest 剧情生成请求
type PlotRequest struct {
	StoryPath string `json:"story_path,omitempty"`
	TextInput string `json:"text_input,omitempty"`
	BookID    string `json:"book_id,omitempty"`
}

// CastRequest 声优分配请求
type CastRequest struct {
	BookID string `json:"book_id,omitempty"`
}

// LineOptions 台词生成选项
type LineOptions struct {
	SplitDialogue   bool `json:"split_dialogue"`
	AllCapsToProper bool `json:"all_caps_to_proper"`
}

// DefaultLineOptions 两个开关默认开启
func DefaultLineOptions() LineOptions {
	return LineOptions{SplitDialogue: true, AllCapsToProper: true}
}

// ScriptRequest 完整流程请求
type ScriptRequest struct {
	StoryPath       string `json:"story_path,omitempty"`
	TextInput       string `json:"text_input,omitempty"`
	BookID          string `json:"book_id,omitempty"`
	SplitDialogue   *bool  `json:"split_dialogue,omitempty"`
	AllCapsToProper *bool  `json:"all_caps_to_proper,omitempty"`
}

// PlotRequest 取出剧情阶段参数
func (r ScriptRequest) PlotRequest() PlotRequest {
	return PlotRequest{StoryPath: r.StoryPath, TextInput: r.TextInput, BookID: r.BookID}
}

// LineOptions 未指定的开关按默认值处理
func (r ScriptRequest) LineOptions() LineOptions {
	opts := DefaultLineOptions()
	if r.SplitDialogue != nil {
		opts.SplitDialogue = *r.SplitDialogue
	}
	if r.AllCapsToProper != nil {
		opts.AllCapsToProper = *r.AllCapsToProper
	}
	return opts
}
