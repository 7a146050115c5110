package models

import "testing"

func TestJobStateTransitions(t *testing.T) {
	cases := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateInit, JobStateSplittingStory, true},
		{JobStateSplittingStory, JobStateProcessingLines, true},
		{JobStateProcessingLines, JobStateCompleted, true},
		{JobStateInit, JobStateCompleted, true},
		{JobStateProcessingLines, JobStateSplittingStory, false},
		{JobStateSplittingStory, JobStateError, true},
		{JobStateCompleted, JobStateError, false},
		{JobStateError, JobStateInit, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: 期望 %v, 实际 %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestProgressResponseMessageOnlyOnError(t *testing.T) {
	running := ProgressRecord{State: JobStateProcessingLines, ProcessID: "hem101", Error: "旧错误"}
	if resp := running.ToResponse(); resp.Message != "" || resp.Status != "processing_lines" {
		t.Fatalf("非错误状态不应携带消息: %+v", resp)
	}

	failed := ProgressRecord{State: JobStateError, ProcessID: "hem101", Error: "模型全部失败"}
	if resp := failed.ToResponse(); resp.Message != "模型全部失败" {
		t.Fatalf("错误状态应携带消息: %+v", resp)
	}
}

func TestCharactersResolveAlternativeNames(t *testing.T) {
	dict := CharactersDict{Count: 1, Dict: map[string]CharacterRecord{
		"Ishmael": {Type: CharacterTypeNarration, AlternativeNames: []string{"Ish"}},
	}}

	if name, ok := dict.Resolve("ish"); !ok || name != "Ishmael" {
		t.Fatalf("别名应解析到规范名, 实际 %q %v", name, ok)
	}
	if _, ok := dict.Resolve("Ahab"); ok {
		t.Fatal("未知角色不应被解析")
	}
}

func TestCharactersResolveSharedAliasIsDeterministic(t *testing.T) {
	dict := CharactersDict{Count: 3, Dict: map[string]CharacterRecord{
		"Starbuck": {AlternativeNames: []string{"the mate"}},
		"Flask":    {AlternativeNames: []string{"the mate"}},
		"Stubb":    {AlternativeNames: []string{"the mate", "flask"}},
	}}

	for i := 0; i < 50; i++ {
		if name, ok := dict.Resolve("The Mate"); !ok || name != "Flask" {
			t.Fatalf("共用别名应解析到排序最靠前的角色, 实际 %q %v", name, ok)
		}
	}
	if name, _ := dict.Resolve("FLASK"); name != "Flask" {
		t.Fatalf("规范名应优先于别名, 实际 %q", name)
	}
}

func TestMergeDoesNotOverwrite(t *testing.T) {
	dict := CharactersDict{Dict: map[string]CharacterRecord{"Ahab": {Age: "old"}}}
	added := dict.Merge(CharactersDict{Dict: map[string]CharacterRecord{
		"Ahab":     {Age: "young"},
		"Starbuck": {Age: "adult"},
	}})
	if added != 1 || dict.Count != 2 || dict.Dict["Ahab"].Age != "old" {
		t.Fatalf("角色合并结果不正确: added=%d %+v", added, dict)
	}

	cast := CastList{Cast: []CastEntry{{Character: "Ahab", VAName: "deep"}}}
	cast.Merge([]CastEntry{{Character: "Ahab", VAName: "other"}, {Character: "Starbuck", VAName: "calm"}})
	if cast.Count != 2 || cast.Cast[0].VAName != "deep" {
		t.Fatalf("声优合并结果不正确: %+v", cast)
	}
}

func TestScriptRequestLineOptionsDefaults(t *testing.T) {
	off := false
	opts := ScriptRequest{SplitDialogue: &off}.LineOptions()
	if opts.SplitDialogue || !opts.AllCapsToProper {
		t.Fatalf("未设置的开关应默认开启: %+v", opts)
	}
}
