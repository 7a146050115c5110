// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/models"
	"github.com/c4fun/tell-stories-webui/internal/services"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// StatusReporter 模型网关状态
type StatusReporter interface {
	Status() llm.GatewayStatus
}

// Pinger 可探活的存储后端
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 处理API请求
type Handler struct {
	Scripts  *services.ScriptService // 剧本流水线
	Books    *services.BookService   // 书籍
	LLM      StatusReporter          // 模型网关
	Metrics  *utils.PipelineMetrics  // 指标
	Storage  interface{}             // 存储后端，实现 Pinger 时参与健康检查
	WS       *WebSocketManager       // 进度推送连接
	Response *ResponseHelper         // 响应助手

	startedAt time.Time
	logger    *utils.Logger
}

// NewHandler 创建处理器
func NewHandler(scripts *services.ScriptService, books *services.BookService, status StatusReporter, metrics *utils.PipelineMetrics, store interface{}) *Handler {
	if metrics == nil {
		metrics = utils.NewPipelineMetrics()
	}
	return &Handler{
		Scripts:   scripts,
		Books:     books,
		LLM:       status,
		Metrics:   metrics,
		Storage:   store,
		WS:        NewWebSocketManager(),
		Response:  NewResponseHelper(),
		startedAt: time.Now(),
		logger:    utils.GetLogger(),
	}
}

// bindOptionalJSON 请求体为空时保留默认值
func bindOptionalJSON(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ========================================
// 剧本流水线
// ========================================

// GeneratePlot 生成剧情和角色
func (h *Handler) GeneratePlot(c *gin.Context) {
	var req models.PlotRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}
	if req.StoryPath == "" && req.TextInput == "" {
		h.Response.BadRequest(c, "必须提供 story_path 或 text_input")
		return
	}

	resp, err := h.Scripts.GeneratePlot(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, resp, "剧情生成完成")
}

// GenerateCast 分配声优
func (h *Handler) GenerateCast(c *gin.Context) {
	var req models.CastRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	resp, err := h.Scripts.GenerateCast(c.Request.Context(), c.Param("id"), req.BookID)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Success(c, resp, "声优分配完成")
}

// ProcessLines 初始化台词任务并在后台运行
func (h *Handler) ProcessLines(c *gin.Context) {
	opts := models.DefaultLineOptions()
	if err := bindOptionalJSON(c, &opts); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}

	id := c.Param("id")
	resp, err := h.Scripts.InitializeLines(c.Request.Context(), id)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	if err := h.Scripts.StartLines(id, opts); err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Accepted(c, resp, resp.Message)
}

// GetLinesProgress 读取台词任务状态
func (h *Handler) GetLinesProgress(c *gin.Context) {
	resp, err := h.Scripts.GetProgress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.AppError(c, err)
		return
	}

	data := gin.H{"record": resp}
	if tracker, ok := h.Scripts.Progress().GetTracker(c.Param("id")); ok {
		data["live"] = tracker.Snapshot()
	}
	h.Response.Success(c, data)
}

// GenerateCompleteScript 完整流程
func (h *Handler) GenerateCompleteScript(c *gin.Context) {
	var req models.ScriptRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.Response.BadRequest(c, "请求参数无效", err.Error())
		return
	}
	if req.StoryPath == "" && req.TextInput == "" {
		h.Response.BadRequest(c, "必须提供 story_path 或 text_input")
		return
	}

	resp, err := h.Scripts.GenerateCompleteScript(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.Response.AppError(c, err)
		return
	}
	h.Response.Accepted(c, resp, resp.Message)
}

// ========================================
// 系统状态
// ========================================

// GetLLMStatus 模型网关状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	if h.LLM == nil {
		h.Response.Error(c, http.StatusServiceUnavailable, ErrorLLMServiceUnavailable, "模型网关未初始化")
		return
	}
	h.Response.Success(c, h.LLM.Status())
}

// GetMetrics 指标快照
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Collector().GetMetrics())
}

// Health 健康检查
func (h *Handler) Health(c *gin.Context) {
	status := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"running_jobs":   h.Scripts.Runner().Running(),
		"websocket":      h.WS.GetStatus(),
	}

	if pinger, ok := h.Storage.(Pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pinger.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["storage_error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, &APIResponse{
				Success:   false,
				Data:      status,
				Timestamp: time.Now(),
				RequestID: c.GetString(requestIDKey),
			})
			return
		}
	}
	h.Response.Success(c, status)
}

// GetWebSocketStatus WebSocket 连接状态
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, h.WS.GetStatus())
}
