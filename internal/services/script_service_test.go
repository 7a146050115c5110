package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/storage"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

const testPlotReply = "```json\n" + `{
  "plot": {"nsfw": false, "explicit_sexual_content": false, "main_plot": "Bob greets people", "detailed_main_plot": "Bob walks around and greets everyone."},
  "characters": {"count": 2, "dict": {
    "Narrator": {"language": "English", "gender": "female", "type": "narration", "age": "middle-aged", "pitch": "low"},
    "Bob": {"language": "English", "gender": "male", "type": "action", "age": "young adult", "pitch": "medium", "alternativeNames": ["the man"]}
  }}
}` + "\n```"

const testCastReply = "```json\n" + `[{"character": "Narrator", "va_name": "va_alissa"}, {"character": "Bob", "va_name": "va_tom"}]` + "\n```"

// pipelineStub 按提示词类型返回预设结果
type pipelineStub struct {
	mu           sync.Mutex
	calls        map[string]int
	prompts      map[string][]string
	linesFinish  []string // 依次使用的结束原因
	linesErr     error
	panicOnSplit bool
	splitEntered chan struct{} // 非空时切分请求到达后通知一次
	splitGate    chan struct{} // 非空时切分请求阻塞到关闭
}

func newPipelineStub() *pipelineStub {
	return &pipelineStub{calls: map[string]int{}, prompts: map[string][]string{}}
}

func promptKind(prompt string) string {
	switch {
	case strings.Contains(prompt, "find the best place to split"):
		return "split"
	case strings.Contains(prompt, "choose the VAs"):
		return "cast"
	case strings.Contains(prompt, "assign each line with the character"):
		return "lines"
	default:
		return "plot"
	}
}

func (p *pipelineStub) Complete(ctx context.Context, prompt string) (*llm.Completion, error) {
	kind := promptKind(prompt)

	p.mu.Lock()
	p.calls[kind]++
	p.prompts[kind] = append(p.prompts[kind], prompt)
	finish := "stop"
	if kind == "lines" && len(p.linesFinish) > 0 {
		finish = p.linesFinish[0]
		p.linesFinish = p.linesFinish[1:]
	}
	linesErr := p.linesErr
	panicOnSplit := p.panicOnSplit
	entered, gate := p.splitEntered, p.splitGate
	p.mu.Unlock()

	if kind == "split" && gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var text string
	switch kind {
	case "split":
		if panicOnSplit {
			panic("segmenter exploded")
		}
		text = "NO_SPLIT\nREASON: keep going"
	case "cast":
		text = testCastReply
	case "plot":
		text = testPlotReply
	case "lines":
		if linesErr != nil {
			return nil, linesErr
		}
		text = linesReply(prompt)
	}
	return &llm.Completion{Text: text, FinishReason: finish, Backend: "stub"}, nil
}

func (p *pipelineStub) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[kind]
}

func (p *pipelineStub) lastPrompt(kind string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	prompts := p.prompts[kind]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

// linesReply 每个故事行对应一条台词，第一部分故意延迟返回
func linesReply(prompt string) string {
	_, story, _ := strings.Cut(prompt, "Here's the story:\n")
	story = strings.TrimSuffix(story, "\n")
	if strings.HasPrefix(story, "line 1\n") {
		time.Sleep(30 * time.Millisecond)
	}

	var doc models.LinesDocument
	for _, line := range strings.Split(story, "\n") {
		doc.Lines = append(doc.Lines, rawLineFor(line))
	}
	data, _ := json.Marshal(doc)
	return "```json\n" + string(data) + "\n```"
}

func rawLineFor(line string) models.RawLine {
	if strings.Contains(line, `"`) {
		return models.RawLine{Character: "Bob", Instruct: "cheerful", Line: line}
	}
	return models.RawLine{Character: "Narrator", Instruct: "normal", Line: line}
}

func storyLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		if (i+1)%10 == 0 {
			lines[i] = fmt.Sprintf(`Bob said "hello number %d" loudly.`, i+1)
		} else {
			lines[i] = fmt.Sprintf("line %d", i+1)
		}
	}
	return lines
}

func expectedLines(story []string) []models.RawLine {
	raws := make([]models.RawLine, 0, len(story))
	for _, line := range story {
		raws = append(raws, rawLineFor(line))
	}
	return SplitLines(raws, true)
}

type scriptFixture struct {
	svc   *ScriptService
	store *storage.FileStorage
	books *BookService
	stub  *pipelineStub
}

func newScriptFixture(t *testing.T) *scriptFixture {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	stub := newPipelineStub()
	books := NewBookService(store, nil)
	svc := NewScriptService(ScriptDeps{
		Store:     store,
		Completer: stub,
		Books:     books,
		Voices:    NewVoiceCatalog(),
		Metrics:   utils.NewPipelineMetricsWith(utils.NewMetricsCollector()),
		Config:    ScriptConfig{Workers: 4, PartTokenBudget: 100000},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Runner().Shutdown(ctx)
	})
	return &scriptFixture{svc: svc, store: store, books: books, stub: stub}
}

func (f *scriptFixture) seedArtifacts(t *testing.T, id string, story string) {
	t.Helper()
	var doc models.PlotDocument
	if err := DecodeStructured(testPlotReply, &doc); err != nil {
		t.Fatalf("解析测试剧情失败: %v", err)
	}
	f.store.SaveJSONFile(processDir(id), PlotFile, doc)
	f.store.SaveTextFile(processDir(id), StoryFile, []byte(story))
}

func waitForJob(t *testing.T, svc *ScriptService, id string) {
	t.Helper()
	tracker, ok := svc.Progress().GetTracker(id)
	if !ok {
		t.Fatalf("任务 %s 没有进度跟踪器", id)
	}
	select {
	case <-tracker.Done:
	case <-time.After(5 * time.Second):
		t.Fatalf("等待任务 %s 超时", id)
	}
}

func waitForRelease(t *testing.T, svc *ScriptService, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for svc.locks.IsHeld(jobLockKey(id)) {
		if time.Now().After(deadline) {
			t.Fatalf("任务锁 %s 未释放", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", "a/b", `a\b`, "..", "x..y"} {
		if err := ValidateID(id); !apperrors.IsValidationError(err) {
			t.Fatalf("%q 应被拒绝, 实际 %v", id, err)
		}
	}
	if err := ValidateID("hem-101_v2"); err != nil {
		t.Fatalf("合法ID被拒绝: %v", err)
	}
}

func TestStageErrors(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()

	if _, err := f.svc.GeneratePlot(ctx, "p1", models.PlotRequest{}); !apperrors.IsValidationError(err) {
		t.Fatalf("缺少故事应返回验证错误, 实际 %v", err)
	}
	if _, err := f.svc.GenerateCast(ctx, "p1", ""); !apperrors.IsMissingArtifactError(err) {
		t.Fatalf("缺少 plot.json 应返回 MissingArtifact, 实际 %v", err)
	}
	if _, err := f.svc.InitializeLines(ctx, "p1"); !apperrors.IsMissingArtifactError(err) {
		t.Fatalf("缺少产物时初始化应失败, 实际 %v", err)
	}
	if _, err := f.svc.GetProgress(ctx, "p1"); !apperrors.IsJobStateError(err) {
		t.Fatalf("没有进度记录应返回 JobStateError, 实际 %v", err)
	}
	if f.stub.count("plot") != 0 {
		t.Fatal("验证失败时不应调用模型")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	story := storyLines(200)

	resp, err := f.svc.GeneratePlot(ctx, "hem101", models.PlotRequest{TextInput: strings.Join(story, "\n")})
	if err != nil {
		t.Fatalf("生成剧情失败: %v", err)
	}
	if resp.Status != "success" || !strings.HasSuffix(resp.OutputPath, PlotFile) {
		t.Fatalf("剧情响应不正确: %+v", resp)
	}
	if _, err := f.svc.GenerateCast(ctx, "hem101", ""); err != nil {
		t.Fatalf("分配声优失败: %v", err)
	}
	var cast []models.CastEntry
	if err := f.store.LoadJSONFile(processDir("hem101"), CastFile, &cast); err != nil || len(cast) != 2 {
		t.Fatalf("cast.json 不正确: %+v %v", cast, err)
	}

	if _, err := f.svc.InitializeLines(ctx, "hem101"); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	progress, _ := f.svc.GetProgress(ctx, "hem101")
	if progress.Status != "init" {
		t.Fatalf("初始化后状态应为 init, 实际 %s", progress.Status)
	}

	if err := f.svc.ProcessLines(ctx, "hem101", models.DefaultLineOptions()); err != nil {
		t.Fatalf("生成台词失败: %v", err)
	}

	var parts models.StoryParts
	if err := f.store.LoadJSONFile(processDir("hem101"), StoryPartsFile, &parts); err != nil || len(parts.Parts) != 2 {
		t.Fatalf("story_parts.json 不正确: %d %v", len(parts.Parts), err)
	}
	if f.stub.count("split") != 4 {
		t.Fatalf("应询问分段4次, 实际 %d", f.stub.count("split"))
	}

	var doc models.LinesDocument
	if err := f.store.LoadJSONFile(processDir("hem101"), LinesFile, &doc); err != nil {
		t.Fatalf("读取 lines.json 失败: %v", err)
	}
	if !reflect.DeepEqual(doc.Lines, expectedLines(story)) {
		t.Fatalf("台词顺序或内容不正确, 共 %d 行", len(doc.Lines))
	}

	progress, err = f.svc.GetProgress(ctx, "hem101")
	if err != nil || progress.Status != "completed" || !strings.HasSuffix(progress.OutputPath, LinesFile) {
		t.Fatalf("完成后的进度不正确: %+v %v", progress, err)
	}
	if progress.Message != "" {
		t.Fatalf("非错误状态不应携带消息: %q", progress.Message)
	}
}

func TestProcessLinesReusesStoryParts(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "p2", strings.Join(storyLines(100), "\n"))
	f.store.SaveJSONFile(processDir("p2"), StoryPartsFile, models.StoryParts{Parts: []string{"line 1\nline 2", "line 3"}})

	if _, err := f.svc.InitializeLines(ctx, "p2"); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	if err := f.svc.ProcessLines(ctx, "p2", models.LineOptions{}); err != nil {
		t.Fatalf("生成台词失败: %v", err)
	}
	if f.stub.count("split") != 0 {
		t.Fatal("已有分段时不应再次切分")
	}

	var doc models.LinesDocument
	f.store.LoadJSONFile(processDir("p2"), LinesFile, &doc)
	if len(doc.Lines) != 3 || doc.Lines[2].Line != "line 3" {
		t.Fatalf("应使用缓存的分段: %+v", doc.Lines)
	}
}

func TestProcessLinesRetriesTruncatedOutput(t *testing.T) {
	f := newScriptFixture(t)
	f.seedArtifacts(t, "p3", "line 1\nline 2")
	f.stub.linesFinish = []string{"length"}

	if err := f.svc.ProcessLines(context.Background(), "p3", models.DefaultLineOptions()); err != nil {
		t.Fatalf("生成台词失败: %v", err)
	}
	if f.stub.count("lines") != 2 {
		t.Fatalf("截断后应重试一次, 实际调用 %d 次", f.stub.count("lines"))
	}
}

func TestProcessLinesRejectsBackwardTransition(t *testing.T) {
	f := newScriptFixture(t)
	f.seedArtifacts(t, "p4", "line 1")
	f.svc.saveProgress(&models.ProgressRecord{State: models.JobStateCompleted, ProcessID: "p4"})

	err := f.svc.ProcessLines(context.Background(), "p4", models.DefaultLineOptions())
	if !apperrors.IsJobStateError(err) {
		t.Fatalf("已完成的任务不能回到 splitting_story, 实际 %v", err)
	}
	progress, _ := f.svc.GetProgress(context.Background(), "p4")
	if progress.Status != "completed" {
		t.Fatalf("已完成的记录不应被改写, 实际 %+v", progress)
	}
}

func TestProcessLinesFailureRecordsError(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "p8", "line 1\nline 2")
	f.stub.linesErr = errors.New("boom")

	if _, err := f.svc.InitializeLines(ctx, "p8"); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	if err := f.svc.ProcessLines(ctx, "p8", models.DefaultLineOptions()); err == nil {
		t.Fatal("部分失败时应返回错误")
	}

	progress, err := f.svc.GetProgress(ctx, "p8")
	if err != nil || progress.Status != "error" {
		t.Fatalf("同步执行失败后状态应为 error: %+v %v", progress, err)
	}
	if !strings.Contains(progress.Message, "boom") {
		t.Fatalf("错误消息应包含失败原因: %q", progress.Message)
	}
	if f.svc.locks.IsHeld(jobLockKey("p8")) {
		t.Fatal("同步执行结束后应释放任务锁")
	}
}

func TestInitializeLinesWhileRunningConflicts(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "p9", strings.Join(storyLines(80), "\n"))
	f.stub.splitEntered = make(chan struct{}, 1)
	f.stub.splitGate = make(chan struct{})

	if _, err := f.svc.InitializeLines(ctx, "p9"); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	if err := f.svc.StartLines("p9", models.DefaultLineOptions()); err != nil {
		t.Fatalf("启动任务失败: %v", err)
	}
	select {
	case <-f.stub.splitEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("任务未进入切分阶段")
	}

	// 任务停在切分阶段时，再次初始化或启动都应冲突
	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := f.svc.InitializeLines(ctx, "p9")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- f.svc.StartLines("p9", models.DefaultLineOptions())
		}()
		go func() {
			defer wg.Done()
			errs <- f.svc.ProcessLines(ctx, "p9", models.DefaultLineOptions())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !apperrors.IsConflictError(err) {
			t.Fatalf("任务运行中应返回冲突, 实际 %v", err)
		}
	}

	progress, _ := f.svc.GetProgress(ctx, "p9")
	if progress.Status != "splitting_story" {
		t.Fatalf("运行中的进度不应被重置, 实际 %s", progress.Status)
	}

	close(f.stub.splitGate)
	waitForJob(t, f.svc, "p9")
	waitForRelease(t, f.svc, "p9")

	progress, _ = f.svc.GetProgress(ctx, "p9")
	if progress.Status != "completed" {
		t.Fatalf("任务应正常完成, 实际 %+v", progress)
	}
}

func TestStartLinesRecordsFailure(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "p5", "line 1\nline 2")
	f.stub.linesErr = apperrors.NewProviderError("所有模型后端调用失败", errors.New("boom"))

	f.svc.InitializeLines(ctx, "p5")
	if err := f.svc.StartLines("p5", models.DefaultLineOptions()); err != nil {
		t.Fatalf("启动任务失败: %v", err)
	}
	waitForJob(t, f.svc, "p5")

	progress, err := f.svc.GetProgress(ctx, "p5")
	if err != nil || progress.Status != "error" {
		t.Fatalf("失败后状态应为 error: %+v %v", progress, err)
	}
	if !strings.Contains(progress.Message, "所有模型后端调用失败") {
		t.Fatalf("错误消息不正确: %q", progress.Message)
	}
	waitForRelease(t, f.svc, "p5")
}

func TestStartLinesRecoversPanic(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()
	f.seedArtifacts(t, "p6", strings.Join(storyLines(80), "\n"))
	f.stub.panicOnSplit = true

	f.svc.InitializeLines(ctx, "p6")
	if err := f.svc.StartLines("p6", models.DefaultLineOptions()); err != nil {
		t.Fatalf("启动任务失败: %v", err)
	}
	waitForJob(t, f.svc, "p6")

	progress, _ := f.svc.GetProgress(ctx, "p6")
	if progress.Status != "error" || !strings.Contains(progress.Message, "segmenter exploded") {
		t.Fatalf("panic 应被记录为 error 状态: %+v", progress)
	}
	waitForRelease(t, f.svc, "p6")
}

func TestStartLinesConflict(t *testing.T) {
	f := newScriptFixture(t)
	f.seedArtifacts(t, "p7", "line 1")

	f.svc.locks.TryAcquire(jobLockKey("p7"))
	if err := f.svc.StartLines("p7", models.DefaultLineOptions()); !apperrors.IsConflictError(err) {
		t.Fatalf("任务运行中再次启动应返回冲突, 实际 %v", err)
	}
	if _, err := f.svc.InitializeLines(context.Background(), "p7"); !apperrors.IsConflictError(err) {
		t.Fatalf("任务运行中不能重置进度, 实际 %v", err)
	}
}

func TestGenerateCompleteScriptWithBookContext(t *testing.T) {
	f := newScriptFixture(t)
	ctx := context.Background()

	f.books.CreateBook(ctx, models.BookCreate{BookID: "moby", Name: "Moby Dick"})
	f.books.UpdateBook(ctx, "moby", models.BookUpdate{
		Plot: &models.Plot{DetailedMainPlot: "Ishmael boards the Pequod."},
		Cast: &models.CastList{Cast: []models.CastEntry{{Character: "Ishmael", VAName: "va_ish"}}},
	})

	resp, err := f.svc.GenerateCompleteScript(ctx, "ch2", models.ScriptRequest{
		TextInput: strings.Join(storyLines(30), "\n"),
		BookID:    "moby",
	})
	if err != nil {
		t.Fatalf("完整流程失败: %v", err)
	}
	if resp.Status != "success" {
		t.Fatalf("响应不正确: %+v", resp)
	}
	waitForJob(t, f.svc, "ch2")

	progress, _ := f.svc.GetProgress(ctx, "ch2")
	if progress.Status != "completed" {
		t.Fatalf("后台任务应完成: %+v", progress)
	}
	if !strings.Contains(f.stub.lastPrompt("plot"), "Ishmael boards the Pequod.") {
		t.Fatal("剧情提示词应包含书籍前文")
	}
	if !strings.Contains(f.stub.lastPrompt("cast"), "va_ish") {
		t.Fatal("声优提示词应包含已有声优")
	}
}
