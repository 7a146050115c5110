// internal/api/websocket.go
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c4fun/tell-stories-webui/internal/utils"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketClient 一个订阅任务进度的连接
type WebSocketClient struct {
	conn      *websocket.Conn
	processID string
	send      chan []byte
	done      chan struct{}
	closed    int32 // 0=开启，1=关闭
	lastPing  atomic.Int64
	createdAt time.Time
}

func newWebSocketClient(conn *websocket.Conn, processID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:      conn,
		processID: processID,
		send:      make(chan []byte, 64),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 标记关闭并通知处理协程退出，可重复调用
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		close(client.done)
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 把消息放入发送队列，队列满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) error {
	if client.IsClosed() {
		return nil
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case client.send <- msgBytes:
	default:
		utils.GetLogger().Warn("WebSocket 消息队列已满，消息被丢弃", map[string]interface{}{
			"process_id": client.processID,
		})
	}
	return nil
}

// WebSocketManager 按处理 ID 管理进度连接
type WebSocketManager struct {
	connections map[string]map[*WebSocketClient]struct{}
	mutex       sync.RWMutex
	pingTimeout time.Duration
	logger      *utils.Logger
}

// NewWebSocketManager 创建连接管理器
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		pingTimeout: 90 * time.Second,
		logger:      utils.GetLogger(),
	}
}

func (manager *WebSocketManager) register(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if manager.connections[client.processID] == nil {
		manager.connections[client.processID] = make(map[*WebSocketClient]struct{})
	}
	manager.connections[client.processID][client] = struct{}{}

	manager.logger.Info("WebSocket 客户端已连接", map[string]interface{}{
		"process_id": client.processID,
	})
}

func (manager *WebSocketManager) unregister(client *WebSocketClient) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	if clients, exists := manager.connections[client.processID]; exists {
		delete(clients, client)
		if len(clients) == 0 {
			delete(manager.connections, client.processID)
		}
	}
	client.Close()
}

// CleanupExpiredConnections 关闭超时和已关闭的连接，返回清理数量
func (manager *WebSocketManager) CleanupExpiredConnections() int {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	removed := 0
	for processID, clients := range manager.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(manager.pingTimeout) {
				delete(clients, client)
				client.Close()
				removed++
			}
		}
		if len(clients) == 0 {
			delete(manager.connections, processID)
		}
	}
	return removed
}

// Shutdown 关闭全部连接
func (manager *WebSocketManager) Shutdown() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()

	for _, clients := range manager.connections {
		for client := range clients {
			client.Close()
		}
	}
	manager.connections = make(map[string]map[*WebSocketClient]struct{})
}

// GetStatus 获取管理器状态
func (manager *WebSocketManager) GetStatus() map[string]interface{} {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()

	processes := make(map[string]int, len(manager.connections))
	total := 0
	for processID, clients := range manager.connections {
		active := 0
		for client := range clients {
			if !client.IsClosed() {
				active++
			}
		}
		processes[processID] = active
		total += active
	}

	return map[string]interface{}{
		"total_connections": total,
		"processes":         processes,
	}
}
