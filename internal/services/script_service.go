// internal/services/script_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/storage"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// 每个处理目录下的产物
const (
	PlotFile       = "plot.json"
	CastFile       = "cast.json"
	StoryFile      = "story.txt"
	StoryPartsFile = "story_parts.json"
	LinesFile      = "lines.json"
	ProgressFile   = "script_progress.json"

	processRoot = "process"
)

// VoiceSource 声优目录
type VoiceSource interface {
	Entries() []models.VoiceActor
}

// ScriptConfig 流水线参数
type ScriptConfig struct {
	Workers         int
	PartTokenBudget int
	Segmenter       SegmenterConfig
}

// ScriptDeps 构造 ScriptService 所需的依赖，Books 和 Voices 可以为空
type ScriptDeps struct {
	Store     storage.ArtifactStore
	Completer llm.Completer
	Books     BookContextProvider
	Voices    VoiceSource
	Progress  *ProgressService
	Runner    *JobRunner
	Locks     *LockManager
	Metrics   *utils.PipelineMetrics
	Config    ScriptConfig
}

// ScriptService 剧本生成流水线：剧情、声优、台词
type ScriptService struct {
	store     storage.ArtifactStore
	completer llm.Completer
	books     BookContextProvider
	voices    VoiceSource
	progress  *ProgressService
	runner    *JobRunner
	locks     *LockManager
	segmenter *Segmenter
	metrics   *utils.PipelineMetrics
	config    ScriptConfig
	logger    *utils.Logger

	// claimMu 保证写 init 和占用任务锁不会与运行中的任务交错
	claimMu sync.Mutex
}

// NewScriptService 创建流水线服务
func NewScriptService(deps ScriptDeps) *ScriptService {
	if deps.Config.Workers <= 0 {
		deps.Config.Workers = 16
	}
	if deps.Config.PartTokenBudget <= 0 {
		deps.Config.PartTokenBudget = 3000
	}
	if deps.Progress == nil {
		deps.Progress = NewProgressService()
	}
	if deps.Metrics == nil {
		deps.Metrics = utils.NewPipelineMetrics()
	}
	if deps.Runner == nil {
		deps.Runner = NewJobRunner(deps.Metrics)
	}
	if deps.Locks == nil {
		deps.Locks = NewLockManager()
	}

	return &ScriptService{
		store:     deps.Store,
		completer: deps.Completer,
		books:     deps.Books,
		voices:    deps.Voices,
		progress:  deps.Progress,
		runner:    deps.Runner,
		locks:     deps.Locks,
		segmenter: NewSegmenter(deps.Completer, deps.Config.Segmenter),
		metrics:   deps.Metrics,
		config:    deps.Config,
		logger:    utils.GetLogger(),
	}
}

// ValidateID 处理 ID 和书籍 ID 不能包含路径分隔符或 ..
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.NewValidationError("ID 不能为空", nil)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return apperrors.NewValidationError("ID 包含非法字符: "+id, nil)
	}
	return nil
}

func processDir(id string) string {
	return path.Join(processRoot, id)
}

func jobLockKey(id string) string {
	return "script:" + id
}

// artifactError 缺失的产物转为 MissingArtifactError
func artifactError(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.NewMissingArtifactError(name+" 不存在，请先执行前面的步骤", err)
	}
	return apperrors.NewProcessingError("读取 "+name+" 失败", err)
}

// complete 调用模型，输出被截断时用同一提示词重试一次，第二次结果直接采用
func (s *ScriptService) complete(ctx context.Context, prompt, stage string) (string, error) {
	completion, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	if !completion.Truncated() {
		return completion.Text, nil
	}

	s.logger.Warn("模型输出未正常结束，重试一次", map[string]interface{}{
		"stage":         stage,
		"finish_reason": completion.FinishReason,
		"backend":       completion.Backend,
	})
	retry, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return retry.Text, nil
}

// bookContext 获取书籍前文，失败时只记录警告
func (s *ScriptService) bookContext(ctx context.Context, bookID string) *models.BookContext {
	if bookID == "" || s.books == nil {
		return nil
	}
	bookCtx, err := s.books.BookContext(ctx, bookID)
	if err != nil {
		s.logger.Warn("获取书籍上下文失败", map[string]interface{}{
			"book_id": bookID,
			"error":   err.Error(),
		})
		return nil
	}
	return bookCtx
}

// readStory 从文件或请求文本读取故事
func readStory(req models.PlotRequest) (string, error) {
	if req.StoryPath != "" {
		content, err := os.ReadFile(req.StoryPath)
		if err != nil {
			return "", apperrors.NewValidationError("读取故事文件失败: "+req.StoryPath, err)
		}
		return string(content), nil
	}
	if req.TextInput != "" {
		return req.TextInput, nil
	}
	return "", apperrors.NewValidationError("必须提供 story_path 或 text_input", nil)
}

// GeneratePlot 生成剧情和角色字典，保存 plot.json 和 story.txt
func (s *ScriptService) GeneratePlot(ctx context.Context, id string, req models.PlotRequest) (*models.ScriptResponse, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	story, err := readStory(req)
	if err != nil {
		return nil, err
	}

	bookCtx := s.bookContext(ctx, req.BookID)
	text, err := s.complete(ctx, PlotPrompt(story, bookCtx), "plot")
	if err != nil {
		return nil, err
	}

	var doc models.PlotDocument
	if err := DecodeStructured(text, &doc); err != nil {
		return nil, err
	}
	doc.Characters.Count = len(doc.Characters.Dict)

	dir := processDir(id)
	if err := s.store.SaveJSONFile(dir, PlotFile, doc); err != nil {
		return nil, apperrors.NewProcessingError("保存剧情失败", err)
	}
	if err := s.store.SaveTextFile(dir, StoryFile, []byte(story)); err != nil {
		return nil, apperrors.NewProcessingError("保存故事失败", err)
	}

	s.logger.Info("剧情生成完成", map[string]interface{}{
		"process_id": id,
		"characters": doc.Characters.Count,
		"book_id":    req.BookID,
	})
	return &models.ScriptResponse{
		Status:     "success",
		ProcessID:  id,
		OutputPath: s.store.Location(dir, PlotFile),
	}, nil
}

// GenerateCast 为 plot.json 中的角色分配声优，保存 cast.json
func (s *ScriptService) GenerateCast(ctx context.Context, id, bookID string) (*models.ScriptResponse, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	dir := processDir(id)
	var doc models.PlotDocument
	if err := s.store.LoadJSONFile(dir, PlotFile, &doc); err != nil {
		return nil, artifactError(PlotFile, err)
	}

	var previousCast []models.CastEntry
	if bookCtx := s.bookContext(ctx, bookID); bookCtx != nil {
		previousCast = bookCtx.Cast
	}
	var catalog []models.VoiceActor
	if s.voices != nil {
		catalog = s.voices.Entries()
	}

	text, err := s.complete(ctx, CastPrompt(doc.Characters, catalog, previousCast), "cast")
	if err != nil {
		return nil, err
	}

	var cast []models.CastEntry
	if err := DecodeStructured(text, &cast); err != nil {
		return nil, err
	}
	s.checkCast(id, doc.Characters, cast)

	if err := s.store.SaveJSONFile(dir, CastFile, cast); err != nil {
		return nil, apperrors.NewProcessingError("保存声优列表失败", err)
	}

	s.logger.Info("声优分配完成", map[string]interface{}{
		"process_id": id,
		"cast":       len(cast),
	})
	return &models.ScriptResponse{
		Status:     "success",
		ProcessID:  id,
		OutputPath: s.store.Location(dir, CastFile),
	}, nil
}

// checkCast 记录没有声优的角色和无法识别的角色名
func (s *ScriptService) checkCast(id string, characters models.CharactersDict, cast []models.CastEntry) {
	assigned := make(map[string]bool, len(cast))
	for _, entry := range cast {
		canonical, ok := characters.Resolve(entry.Character)
		if !ok {
			s.logger.Warn("声优列表中有未知角色", map[string]interface{}{
				"process_id": id,
				"character":  entry.Character,
			})
			continue
		}
		assigned[canonical] = true
	}
	for name := range characters.Dict {
		if !assigned[name] {
			s.logger.Warn("角色没有分配声优", map[string]interface{}{
				"process_id": id,
				"character":  name,
			})
		}
	}
}

// InitializeLines 检查前置产物并写入 init 状态
func (s *ScriptService) InitializeLines(ctx context.Context, id string) (*models.ScriptResponse, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	dir := processDir(id)
	for _, name := range []string{PlotFile, StoryFile} {
		if !s.store.FileExists(dir, name) {
			return nil, apperrors.NewMissingArtifactError(name+" 不存在，请先执行前面的步骤", fs.ErrNotExist)
		}
	}
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if s.locks.IsHeld(jobLockKey(id)) {
		return nil, apperrors.NewConflictError("台词生成任务正在运行: "+id, nil)
	}

	if err := s.saveProgress(&models.ProgressRecord{State: models.JobStateInit, ProcessID: id}); err != nil {
		return nil, err
	}
	return &models.ScriptResponse{
		Status:    "success",
		ProcessID: id,
		Message:   fmt.Sprintf("Processing started. Use /script/%s/lines/progress to check status.", id),
	}, nil
}

// claim 占用任务锁，已有任务运行时返回 ConflictError
func (s *ScriptService) claim(id string) error {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if !s.locks.TryAcquire(jobLockKey(id)) {
		return apperrors.NewConflictError("台词生成任务正在运行: "+id, nil)
	}
	return nil
}

// StartLines 在后台运行台词生成，同一 ID 同时只能有一个任务
func (s *ScriptService) StartLines(id string, opts models.LineOptions) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.claim(id); err != nil {
		return err
	}
	s.progress.CreateTracker(id)

	key := jobLockKey(id)
	// 失败记录在 processLines 内写入，之后才释放锁
	job := func(ctx context.Context) error {
		defer s.locks.Release(key)
		return s.processLines(ctx, id, opts)
	}

	if _, err := s.runner.Submit(id, job, nil); err != nil {
		s.locks.Release(key)
		return apperrors.NewProcessingError("提交后台任务失败", err)
	}
	return nil
}

// ProcessLines 同步执行台词生成，失败时进度记录写为 error
func (s *ScriptService) ProcessLines(ctx context.Context, id string, opts models.LineOptions) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.claim(id); err != nil {
		return err
	}
	defer s.locks.Release(jobLockKey(id))
	return s.processLines(ctx, id, opts)
}

// processLines 分段、并发生成台词、拆分对白并保存 lines.json，调用方需持有任务锁
func (s *ScriptService) processLines(ctx context.Context, id string, opts models.LineOptions) (err error) {
	dir := processDir(id)
	tracker := s.progress.CreateTracker(id)

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("台词生成异常", map[string]interface{}{
				"process_id": id,
				"panic":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
			})
			err = fmt.Errorf("台词生成异常: %v", rec)
		}
		if err != nil {
			s.recordFailure(id, err)
		}
	}()

	record, err := s.loadProgress(id)
	if err != nil {
		if !apperrors.IsJobStateError(err) {
			return err
		}
		record = &models.ProgressRecord{State: models.JobStateInit, ProcessID: id}
	}

	if err := s.transition(record, models.JobStateSplittingStory); err != nil {
		return err
	}
	tracker.SetStage(string(models.JobStateSplittingStory), "正在切分故事")

	var plotDoc models.PlotDocument
	if err := s.store.LoadJSONFile(dir, PlotFile, &plotDoc); err != nil {
		return artifactError(PlotFile, err)
	}

	parts, err := s.storyParts(ctx, id, plotDoc.Plot.MainPlot)
	if err != nil {
		return err
	}

	if err := s.transition(record, models.JobStateProcessingLines); err != nil {
		return err
	}
	tracker.SetStage(string(models.JobStateProcessingLines), "正在生成台词")
	tracker.SetTotal(len(parts))

	results := make([][]models.RawLine, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() (err error) {
			// 工作协程中的 panic 不会被 JobRunner 捕获
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("处理第 %d 部分异常: %v", i+1, rec)
				}
			}()

			lines, err := s.processPart(gctx, plotDoc, part)
			if err != nil {
				return fmt.Errorf("处理第 %d 部分失败: %w", i+1, err)
			}
			results[i] = lines
			tracker.PartDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var lines []models.RawLine
	for _, partLines := range results {
		lines = append(lines, partLines...)
	}
	if opts.SplitDialogue {
		lines = SplitLines(lines, opts.AllCapsToProper)
	}
	if lines == nil {
		lines = []models.RawLine{}
	}
	s.checkLineCharacters(id, plotDoc.Characters, lines)

	if err := s.store.SaveJSONFile(dir, LinesFile, models.LinesDocument{Lines: lines}); err != nil {
		return apperrors.NewProcessingError("保存台词失败", err)
	}

	record.OutputPath = s.store.Location(dir, LinesFile)
	if err := s.transition(record, models.JobStateCompleted); err != nil {
		return err
	}
	tracker.Complete(fmt.Sprintf("共生成 %d 行台词", len(lines)))

	s.logger.Info("台词生成完成", map[string]interface{}{
		"process_id": id,
		"parts":      len(parts),
		"lines":      len(lines),
	})
	return nil
}

// storyParts 优先复用 story_parts.json，否则切分 story.txt 并缓存
func (s *ScriptService) storyParts(ctx context.Context, id, mainPlot string) ([]string, error) {
	dir := processDir(id)
	if s.store.FileExists(dir, StoryPartsFile) {
		var cached models.StoryParts
		if err := s.store.LoadJSONFile(dir, StoryPartsFile, &cached); err == nil && len(cached.Parts) > 0 {
			s.logger.Info("复用已切分的故事", map[string]interface{}{
				"process_id": id,
				"parts":      len(cached.Parts),
			})
			return cached.Parts, nil
		}
	}

	story, err := s.store.LoadTextFile(dir, StoryFile)
	if err != nil {
		return nil, artifactError(StoryFile, err)
	}

	parts, err := s.segmenter.Segment(ctx, string(story), mainPlot)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveJSONFile(dir, StoryPartsFile, models.StoryParts{Parts: parts}); err != nil {
		return nil, apperrors.NewProcessingError("保存故事分段失败", err)
	}
	return parts, nil
}

// processPart 按 token 预算切块后逐块生成台词
func (s *ScriptService) processPart(ctx context.Context, plotDoc models.PlotDocument, part string) ([]models.RawLine, error) {
	var lines []models.RawLine
	for _, chunk := range SplitByBudget(part, s.config.PartTokenBudget) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := s.complete(ctx, LinesPrompt(plotDoc, chunk), "lines")
		if err != nil {
			return nil, err
		}
		chunkLines, err := ExtractLines(text)
		if err != nil {
			return nil, err
		}
		lines = append(lines, chunkLines...)
	}
	return lines, nil
}

// checkLineCharacters 无法识别的角色名只记录警告
func (s *ScriptService) checkLineCharacters(id string, characters models.CharactersDict, lines []models.RawLine) {
	unknown := map[string]bool{}
	for _, line := range lines {
		if strings.EqualFold(line.Character, models.NarratorName) || unknown[line.Character] {
			continue
		}
		if _, ok := characters.Resolve(line.Character); !ok {
			unknown[line.Character] = true
			s.logger.Warn("台词中有未知角色", map[string]interface{}{
				"process_id": id,
				"character":  line.Character,
			})
		}
	}
}

// recordFailure 写入 error 状态，已是终态的记录保持不变
func (s *ScriptService) recordFailure(id string, cause error) {
	if current, err := s.loadProgress(id); err == nil && current.State.IsTerminal() {
		s.logger.Warn("任务已结束，不覆盖进度记录", map[string]interface{}{
			"process_id": id,
			"state":      string(current.State),
			"error":      cause.Error(),
		})
	} else {
		record := &models.ProgressRecord{
			State:     models.JobStateError,
			ProcessID: id,
			Error:     cause.Error(),
		}
		if err := s.saveProgress(record); err != nil {
			s.logger.Error("写入错误状态失败", map[string]interface{}{
				"process_id": id,
				"error":      err.Error(),
			})
		}
	}
	if tracker, ok := s.progress.GetTracker(id); ok {
		tracker.Fail(cause.Error())
	}

	errType := "unknown"
	if t, ok := apperrors.TypeOf(cause); ok {
		errType = string(t)
	}
	s.metrics.RecordError(errType, "script_lines")
}

// transition 只允许状态向前推进
func (s *ScriptService) transition(record *models.ProgressRecord, next models.JobState) error {
	if !record.State.CanTransitionTo(next) {
		return apperrors.NewJobStateError(fmt.Sprintf("非法的状态迁移: %s -> %s", record.State, next), nil)
	}
	record.State = next
	return s.saveProgress(record)
}

func (s *ScriptService) saveProgress(record *models.ProgressRecord) error {
	record.UpdatedAt = time.Now()
	if err := s.store.SaveJSONFile(processDir(record.ProcessID), ProgressFile, record); err != nil {
		return apperrors.NewProcessingError("保存进度失败", err)
	}
	return nil
}

func (s *ScriptService) loadProgress(id string) (*models.ProgressRecord, error) {
	var record models.ProgressRecord
	if err := s.store.LoadJSONFile(processDir(id), ProgressFile, &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewJobStateError("尚未开始处理: "+id, err)
		}
		return nil, apperrors.NewProcessingError("读取进度失败", err)
	}
	if record.ProcessID == "" {
		record.ProcessID = id
	}
	return &record, nil
}

// GetProgress 读取 script_progress.json
func (s *ScriptService) GetProgress(ctx context.Context, id string) (*models.ScriptResponse, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	record, err := s.loadProgress(id)
	if err != nil {
		return nil, err
	}
	resp := record.ToResponse()
	return &resp, nil
}

// GenerateCompleteScript 依次执行剧情、声优、初始化，然后在后台生成台词
func (s *ScriptService) GenerateCompleteScript(ctx context.Context, id string, req models.ScriptRequest) (*models.ScriptResponse, error) {
	if _, err := s.GeneratePlot(ctx, id, req.PlotRequest()); err != nil {
		return nil, err
	}
	if _, err := s.GenerateCast(ctx, id, req.BookID); err != nil {
		return nil, err
	}
	if _, err := s.InitializeLines(ctx, id); err != nil {
		return nil, err
	}
	if err := s.StartLines(id, req.LineOptions()); err != nil {
		return nil, err
	}

	return &models.ScriptResponse{
		Status:    "success",
		ProcessID: id,
		Message:   fmt.Sprintf("Script generation started. Use /script/%s/lines/progress to check lines processing status.", id),
	}, nil
}

// Progress 进度跟踪服务，WebSocket 推送使用
func (s *ScriptService) Progress() *ProgressService {
	return s.progress
}

// Runner 后台任务执行器
func (s *ScriptService) Runner() *JobRunner {
	return s.runner
}
