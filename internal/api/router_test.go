package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/c4fun/tell-stories-webui/internal/errors"
	"github.com/c4fun/tell-stories-webui/internal/llm"
	"github.com/c4fun/tell-stories-webui/internal/services"
	"github.com/c4fun/tell-stories-webui/internal/storage"
	"github.com/c4fun/tell-stories-webui/internal/utils"
)

const (
	stubPlot  = `{"plot": {"nsfw": false, "explicit_sexual_content": false, "main_plot": "Bob greets Amy", "detailed_main_plot": "Bob greets Amy at the door."}, "characters": {"count": 2, "dict": {"Narrator": {"type": "narration"}, "Bob": {"gender": "male"}}}}`
	stubCast  = `[{"character": "Narrator", "va_name": "va_n"}, {"character": "Bob", "va_name": "va_b"}]`
	stubLines = `{"lines": [{"character": "Narrator", "line": "Bob opened the door."}, {"character": "Bob", "instruct": "cheerful", "line": "Hello Amy!"}]}`
)

// stubCompleter 按提示词返回固定结果，gate 非空时台词阶段等待放行
type stubCompleter struct {
	mu      sync.Mutex
	gate    chan struct{}
	plotErr error
}

func (s *stubCompleter) Complete(ctx context.Context, prompt string) (*llm.Completion, error) {
	s.mu.Lock()
	gate, plotErr := s.gate, s.plotErr
	s.mu.Unlock()

	text := stubPlot
	switch {
	case strings.Contains(prompt, "find the best place to split"):
		text = "NO_SPLIT"
	case strings.Contains(prompt, "choose the VAs"):
		text = stubCast
	case strings.Contains(prompt, "assign each line with the character"):
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		text = stubLines
	default:
		if plotErr != nil {
			return nil, plotErr
		}
	}
	return &llm.Completion{Text: text, FinishReason: "stop", Backend: "stub"}, nil
}

type stubStatus struct{}

func (stubStatus) Status() llm.GatewayStatus {
	return llm.GatewayStatus{Primary: "stub", Order: []string{"stub"}, MaxAttempts: 3}
}

type testEnv struct {
	server    *Server
	completer *stubCompleter
	scripts   *services.ScriptService
}

func newTestEnv(t *testing.T, opts RouterOptions) *testEnv {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	metrics := utils.NewPipelineMetricsWith(utils.NewMetricsCollector())
	completer := &stubCompleter{}
	locks := services.NewLockManager()
	books := services.NewBookService(store, locks)
	scripts := services.NewScriptService(services.ScriptDeps{
		Store:     store,
		Completer: completer,
		Books:     books,
		Locks:     locks,
		Metrics:   metrics,
		Config:    services.ScriptConfig{Workers: 2},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		scripts.Runner().Shutdown(ctx)
	})

	handler := NewHandler(scripts, books, stubStatus{}, metrics, store)
	return &testEnv{server: SetupRouter(handler, opts), completer: completer, scripts: scripts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Engine.ServeHTTP(w, req)

	var resp APIResponse
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("响应不是合法JSON: %s", w.Body.String())
		}
	}
	return w, resp
}

// waitCompleted 轮询进度接口直到终态
func (e *testEnv) waitCompleted(t *testing.T, id string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w, resp := e.do(t, http.MethodGet, "/api/script/"+id+"/lines/progress", "")
		if w.Code == http.StatusOK {
			data := resp.Data.(map[string]interface{})
			status := data["record"].(map[string]interface{})["status"].(string)
			if status == "completed" || status == "error" {
				return status
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待台词任务超时")
	return ""
}

func TestScriptRoutes(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	if w, resp := env.do(t, http.MethodPost, "/api/script/p1/plot", ""); w.Code != http.StatusBadRequest || resp.Success {
		t.Fatalf("缺少故事应返回400, 实际 %d", w.Code)
	}
	if w, resp := env.do(t, http.MethodPost, "/api/script/p1/cast", ""); w.Code != http.StatusNotFound || resp.Error.Code != ErrorMissingArtifact {
		t.Fatalf("缺少 plot.json 应返回404, 实际 %d %+v", w.Code, resp.Error)
	}
	if w, _ := env.do(t, http.MethodPost, "/api/script/p1/lines", ""); w.Code != http.StatusNotFound {
		t.Fatalf("缺少产物时台词任务应返回404, 实际 %d", w.Code)
	}

	w, resp := env.do(t, http.MethodPost, "/api/script/p1/plot", `{"text_input": "Bob opened the door.\n\"Hello Amy!\" he said."}`)
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("生成剧情失败: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get(requestIDHeader) == "" || resp.RequestID == "" {
		t.Fatal("响应应带有请求ID")
	}

	if w, _ := env.do(t, http.MethodPost, "/api/script/p1/cast", ""); w.Code != http.StatusOK {
		t.Fatalf("分配声优失败: %d %s", w.Code, w.Body.String())
	}

	if w, _ := env.do(t, http.MethodPost, "/api/script/p1/lines", `{"split_dialogue": false}`); w.Code != http.StatusAccepted {
		t.Fatalf("台词任务应返回202, 实际 %d %s", w.Code, w.Body.String())
	}
	if status := env.waitCompleted(t, "p1"); status != "completed" {
		t.Fatalf("台词任务应完成, 实际 %s", status)
	}

	if w, resp := env.do(t, http.MethodGet, "/api/script/nothing/lines/progress", ""); w.Code != http.StatusNotFound || resp.Error.Code != ErrorJobState {
		t.Fatalf("未知任务应返回404, 实际 %d", w.Code)
	}
	if w, _ := env.do(t, http.MethodPost, "/api/script/a..b/plot", `{"text_input": "x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("非法ID应返回400, 实际 %d", w.Code)
	}
}

func TestCompleteScriptRoute(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	w, resp := env.do(t, http.MethodPost, "/api/script/full", `{"text_input": "Bob opened the door."}`)
	if w.Code != http.StatusAccepted || !strings.Contains(resp.Message, "/script/full/lines/progress") {
		t.Fatalf("完整流程应返回202: %d %s", w.Code, w.Body.String())
	}
	if status := env.waitCompleted(t, "full"); status != "completed" {
		t.Fatalf("完整流程应完成, 实际 %s", status)
	}
}

func TestProviderErrorMapsTo502(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})
	env.completer.plotErr = apperrors.NewProviderError("所有模型后端均调用失败", errors.New("boom"))

	w, resp := env.do(t, http.MethodPost, "/api/script/p1/plot", `{"text_input": "story"}`)
	if w.Code != http.StatusBadGateway || resp.Error.Code != ErrorProvider {
		t.Fatalf("模型错误应返回502, 实际 %d %+v", w.Code, resp.Error)
	}
}

func TestBookRoutes(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	if w, _ := env.do(t, http.MethodPost, "/api/book", `{"book_id": "moby", "name": "Moby Dick"}`); w.Code != http.StatusCreated {
		t.Fatalf("创建书籍应返回201, 实际 %d %s", w.Code, w.Body.String())
	}
	if w, _ := env.do(t, http.MethodPost, "/api/book", `{"book_id": "moby", "name": "again"}`); w.Code != http.StatusConflict {
		t.Fatalf("重复创建应返回409, 实际 %d", w.Code)
	}
	if w, _ := env.do(t, http.MethodPost, "/api/book", `{"name": "no id"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("缺少字段应返回400, 实际 %d", w.Code)
	}
	if w, _ := env.do(t, http.MethodGet, "/api/book/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("不存在的书籍应返回404, 实际 %d", w.Code)
	}

	env.do(t, http.MethodPost, "/api/script/ch1/plot", `{"text_input": "Bob opened the door."}`)
	env.do(t, http.MethodPost, "/api/script/ch1/cast", "")

	w, resp := env.do(t, http.MethodPost, "/api/book/moby/process-new-chapter/ch1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("合并章节失败: %d %s", w.Code, w.Body.String())
	}
	book := resp.Data.(map[string]interface{})
	if book["chapters"].(map[string]interface{})["count"].(float64) != 1 {
		t.Fatalf("章节数应为1: %v", book["chapters"])
	}

	if w, _ := env.do(t, http.MethodPut, "/api/book/moby/cast", `{"count": 0, "cast": [{"character": "Bob", "va_name": "va_x"}]}`); w.Code != http.StatusOK {
		t.Fatalf("更新声优失败: %d", w.Code)
	}
	if w, resp := env.do(t, http.MethodGet, "/api/books", ""); w.Code != http.StatusOK || resp.Data.(map[string]interface{})["count"].(float64) != 1 {
		t.Fatalf("书籍列表不正确: %s", w.Body.String())
	}
	if w, _ := env.do(t, http.MethodDelete, "/api/book/moby", ""); w.Code != http.StatusOK {
		t.Fatalf("删除书籍失败: %d", w.Code)
	}
	if w, _ := env.do(t, http.MethodDelete, "/api/book/moby", ""); w.Code != http.StatusNotFound {
		t.Fatalf("重复删除应返回404, 实际 %d", w.Code)
	}
}

func TestSystemRoutes(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})

	if w, resp := env.do(t, http.MethodGet, "/api/llm/status", ""); w.Code != http.StatusOK || resp.Data.(map[string]interface{})["primary"] != "stub" {
		t.Fatalf("模型状态不正确: %s", w.Body.String())
	}
	if w, _ := env.do(t, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Fatalf("健康检查失败: %d", w.Code)
	}

	w, resp := env.do(t, http.MethodGet, "/api/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("指标接口失败: %d", w.Code)
	}
	if _, ok := resp.Data.(map[string]interface{})["counters"]; !ok {
		t.Fatalf("指标应包含 counters: %s", w.Body.String())
	}

	env.server.Handler.LLM = nil
	if w, _ := env.do(t, http.MethodGet, "/api/llm/status", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("网关未初始化应返回503, 实际 %d", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, RouterOptions{RateLimit: 2, RateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if w, _ := env.do(t, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
			t.Fatalf("第%d次请求应通过, 实际 %d", i+1, w.Code)
		}
	}
	w, resp := env.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusTooManyRequests || resp.Error.Code != ErrorRateLimited {
		t.Fatalf("超出限额应返回429, 实际 %d", w.Code)
	}
	if env.server.Limiter.Cleanup() != 0 {
		t.Fatal("窗口未过期时不应清理")
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperrors.NewValidationError("bad", nil), http.StatusBadRequest},
		{apperrors.NewNotFoundError("none", nil), http.StatusNotFound},
		{apperrors.NewMissingArtifactError("plot.json", nil), http.StatusNotFound},
		{apperrors.NewJobStateError("state", nil), http.StatusNotFound},
		{apperrors.NewConflictError("busy", nil), http.StatusConflict},
		{apperrors.NewProviderError("down", nil), http.StatusBadGateway},
		{apperrors.NewMalformedOutputError("bad json", errors.New("eof"), "{"), http.StatusBadGateway},
		{apperrors.NewInvalidShapeError("shape", nil), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _ := statusForError(tc.err); status != tc.status {
			t.Fatalf("%v 应映射为 %d, 实际 %d", tc.err, tc.status, status)
		}
	}
}

func TestProgressWebSocket(t *testing.T) {
	env := newTestEnv(t, RouterOptions{})
	env.completer.gate = make(chan struct{})

	env.do(t, http.MethodPost, "/api/script/ws1/plot", `{"text_input": "Bob opened the door."}`)
	env.do(t, http.MethodPost, "/api/script/ws1/cast", "")
	if w, _ := env.do(t, http.MethodPost, "/api/script/ws1/lines", ""); w.Code != http.StatusAccepted {
		t.Fatalf("台词任务应返回202, 实际 %d", w.Code)
	}

	srv := httptest.NewServer(env.server.Engine)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/script/ws1/progress"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first struct {
		Type string                   `json:"type"`
		Data services.ProgressUpdate `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil || first.Type != "progress" || first.Data.Status != services.TrackerRunning {
		t.Fatalf("首条消息应为运行中的进度: %+v %v", first, err)
	}

	close(env.completer.gate)
	for {
		var msg struct {
			Type string                   `json:"type"`
			Data services.ProgressUpdate `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("任务结束前连接被关闭: %v", err)
		}
		if msg.Data.Status == services.TrackerCompleted {
			if msg.Data.Progress != 100 {
				t.Fatalf("完成时进度应为100: %+v", msg.Data)
			}
			break
		}
	}

	// 任务结束后返回持久化状态
	env.scripts.Progress().CleanupCompletedTasks(0)
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("再次连接失败: %v", err)
	}
	defer conn2.Close()
	var record struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := conn2.ReadJSON(&record); err != nil || record.Type != "record" || record.Data["status"] != "completed" {
		t.Fatalf("应返回持久化状态: %+v %v", record, err)
	}
}
