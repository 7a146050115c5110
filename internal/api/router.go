// internal/api/router.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// RouterOptions 路由参数
type RouterOptions struct {
	DebugMode  bool
	RateLimit  int // 每个 IP 在窗口内的请求数，0 表示不限流
	RateWindow time.Duration
}

// DefaultRouterOptions 默认每分钟 120 次
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{RateLimit: 120, RateWindow: time.Minute}
}

// Server 路由及其需要定期维护的组件
type Server struct {
	Engine  *gin.Engine
	Handler *Handler
	Limiter *RateLimiter
}

// SetupRouter 配置HTTP路由
func SetupRouter(handler *Handler, opts RouterOptions) *Server {
	if opts.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	limiter := NewRateLimiter(opts.RateLimit, opts.RateWindow)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(handler.Metrics))
	r.Use(corsMiddleware())

	// WebSocket 进度推送
	r.GET("/ws/script/:id/progress", handler.ProgressWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(limiter.Middleware(handler.Response))
	{
		// ===============================
		// 剧本流水线
		// ===============================
		scriptGroup := api.Group("/script/:id")
		{
			scriptGroup.POST("", handler.GenerateCompleteScript)
			scriptGroup.POST("/plot", handler.GeneratePlot)
			scriptGroup.POST("/cast", handler.GenerateCast)
			scriptGroup.POST("/lines", handler.ProcessLines)
			scriptGroup.GET("/lines/progress", handler.GetLinesProgress)
		}

		// ===============================
		// 书籍
		// ===============================
		api.POST("/book", handler.CreateBook)
		api.GET("/books", handler.ListBooks)
		bookGroup := api.Group("/book/:book_id")
		{
			bookGroup.GET("", handler.GetBook)
			bookGroup.PUT("", handler.UpdateBook)
			bookGroup.DELETE("", handler.DeleteBook)
			bookGroup.PUT("/chapters", handler.UpdateChapters)
			bookGroup.PUT("/characters", handler.UpdateCharacters)
			bookGroup.PUT("/cast", handler.UpdateCast)
			bookGroup.POST("/process-new-chapter/:project_id", handler.ProcessNewChapter)
		}

		// ===============================
		// 系统状态
		// ===============================
		api.GET("/llm/status", handler.GetLLMStatus)
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/health", handler.Health)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return &Server{Engine: r, Handler: handler, Limiter: limiter}
}
