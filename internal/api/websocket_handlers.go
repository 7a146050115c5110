// internal/api/websocket_handlers.go
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/c4fun/tell-stories-webui/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// ProgressMessage 推送给客户端的消息
type ProgressMessage struct {
	Type      string      `json:"type"` // progress, record
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ProgressWebSocket 推送台词任务的进度，任务结束后关闭连接
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	id := c.Param("id")
	if err := services.ValidateID(id); err != nil {
		h.Response.AppError(c, err)
		return
	}

	tracker, running := h.Scripts.Progress().GetTracker(id)
	if !running {
		// 没有运行中的任务时返回持久化的状态
		record, err := h.Scripts.GetProgress(c.Request.Context(), id)
		if err != nil {
			h.Response.AppError(c, err)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		conn.WriteJSON(ProgressMessage{Type: "record", Data: record, Timestamp: time.Now()})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", map[string]interface{}{"process_id": id, "error": err.Error()})
		return
	}

	client := newWebSocketClient(conn, id)
	h.WS.register(client)
	defer h.WS.unregister(client)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.handleWebSocketWrites(client)
	}()
	go h.handleWebSocketReads(client)

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	finish := func() {
		close(client.send)
		<-writerDone
	}

	for {
		select {
		case update := <-updates:
			client.SendMessage(ProgressMessage{Type: "progress", Data: update, Timestamp: time.Now()})
			if update.Status != services.TrackerRunning {
				finish()
				return
			}
		case <-tracker.Done:
			// 最终状态可能因订阅通道已满被跳过
			client.SendMessage(ProgressMessage{Type: "progress", Data: tracker.Snapshot(), Timestamp: time.Now()})
			finish()
			return
		case <-client.done:
			finish()
			return
		}
	}
}

// handleWebSocketReads 只处理 pong 和关闭，客户端消息被忽略
func (h *Handler) handleWebSocketReads(client *WebSocketClient) {
	defer client.Close()

	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket 读取错误", map[string]interface{}{"process_id": client.processID, "error": err.Error()})
			}
			return
		}
		client.UpdatePing()
	}
}

// handleWebSocketWrites 独占连接的写入，发送队列关闭后发送关闭帧
func (h *Handler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				client.Close()
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}
