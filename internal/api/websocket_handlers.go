// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/di"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	composeService *services.ComposeService
	storyService   *services.StoryService
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		composeService: container.Get("compose").(*services.ComposeService),
		storyService:   container.Get("story").(*services.StoryService),
	}
}

// StoryWebSocket 处理故事创作 WebSocket 连接
// 连接后实时推送章节创作状态变更
func (wh *WebSocketHandler) StoryWebSocket(c *gin.Context) {
	storyID := c.Param("id")
	if storyID == "" {
		log.Printf("❌ WebSocket 连接失败：故事ID缺失")
		http.Error(c.Writer, "故事ID缺失", http.StatusBadRequest)
		return
	}

	// 升级前先确认故事存在，避免给不存在的故事挂长连接
	if _, err := wh.storyService.LoadStoryContent(storyID); err != nil {
		log.Printf("❌ WebSocket 连接失败：故事 %s 不存在", storyID)
		http.Error(c.Writer, "故事不存在", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 故事 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 获取参数
	userID := c.DefaultQuery("user_id", "anonymous")

	// 创建客户端
	client := &WebSocketClient{
		conn:      &WebSocketConnWrapper{conn},
		storyID:   storyID,
		userID:    userID,
		send:      make(chan []byte, 256),
		closed:    0,
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	// 注册客户端
	select {
	case wsManager.register <- client:
		// Success
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return
	}

	defer func() {
		// Unregister with timeout to prevent blocking
		done := make(chan bool, 1)
		go func() {
			wsManager.unregister <- client
			done <- true
		}()

		select {
		case <-done:
			// Successfully unregistered
		case <-time.After(5 * time.Second):
			// Timeout - client might not be properly unregistered
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	// 订阅创作状态更新，连接断开时必须退订，否则通道泄漏
	updates, unsubscribe := wh.composeService.Subscribe(storyID)
	defer unsubscribe()

	// 启动写协程和状态转发协程
	go wh.handleWebSocketWrites(client)
	go wh.forwardComposeUpdates(client, updates)

	// 发送连接确认消息
	wh.sendWelcomeMessage(client, storyID, userID)

	// 读循环直接跑在当前协程里，连接断开时读出错返回，
	// 触发上面的defer完成退订和注销
	wh.handleWebSocketReads(client)

	log.Printf("📱 故事 %s 的 WebSocket 连接已关闭 (用户: %s)", storyID, userID)
}

// forwardComposeUpdates 把创作状态更新转发给客户端
// updates通道由退订函数关闭，循环随之退出
func (wh *WebSocketHandler) forwardComposeUpdates(client *WebSocketClient, updates <-chan models.ComposeUpdate) {
	for update := range updates {
		if client.IsClosed() {
			return
		}

		msg := map[string]interface{}{
			"type":      "compose:update",
			"story_id":  update.StoryID,
			"event":     update.Event,
			"state":     update.State,
			"timestamp": update.Timestamp.Format(time.RFC3339),
		}
		client.SendMessage(msg)
	}
}

// handleWebSocketReads 处理 WebSocket 读取
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient) {
	// 设置读取超时和ping处理
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			break
		}

		// 设置当前读取超时
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			break
		}

		// 解析JSON消息
		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		// 更新活跃时间
		client.UpdatePing()

		// 处理收到的消息
		wh.handleMessage(client, message)
	}
}

// handleWebSocketWrites 处理 WebSocket 写入
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()

		// 标记关闭后由本协程统一关闭send通道和底层连接
		atomic.StoreInt32(&client.closed, 1)
		func() {
			defer func() {
				if recover() != nil {
					// 通道已经被关闭，忽略
				}
			}()
			close(client.send)
		}()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed, send close message
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
			client.UpdatePing()
		}
	}
}

// handleMessage 处理收到的 WebSocket 消息
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, message map[string]interface{}) {
	msgType, ok := message["type"].(string)
	if !ok {
		log.Printf("⚠️ 收到无效的消息类型")
		return
	}

	switch msgType {
	case "get_state":
		wh.handleGetState(client)
	case "ping":
		wh.handlePing(client)
	default:
		log.Printf("⚠️ 未知的消息类型: %s", msgType)
	}
}

// handleGetState 按需推送当前创作状态快照
func (wh *WebSocketHandler) handleGetState(client *WebSocketClient) {
	if wh.composeService == nil {
		wh.sendError(client, "创作服务不可用")
		return
	}

	state, err := wh.composeService.GetCompose(context.Background(), client.storyID)
	if err != nil {
		wh.sendError(client, "获取创作状态失败: "+err.Error())
		return
	}

	stateMsg := map[string]interface{}{
		"type":      "compose:state",
		"story_id":  client.storyID,
		"state":     state,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	client.SendMessage(stateMsg)
}

// handlePing 处理ping消息
func (wh *WebSocketHandler) handlePing(client *WebSocketClient) {
	pong := map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().Unix(),
	}

	client.SendMessage(pong)
}

// sendWelcomeMessage 发送欢迎消息
func (wh *WebSocketHandler) sendWelcomeMessage(client *WebSocketClient, storyID, userID string) {
	welcomeMsg := map[string]interface{}{
		"type":      "connected",
		"story_id":  storyID,
		"user_id":   userID,
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "WebSocket 连接已建立",
	}

	// 如果已经初始化过章节创作，附带当前阶段
	if state, err := wh.composeService.GetCompose(context.Background(), storyID); err == nil && state != nil {
		welcomeMsg["current_phase"] = state.CurrentPhase
		welcomeMsg["chapter_number"] = state.ChapterNumber
	}

	client.SendMessage(welcomeMsg)
}

// sendError 发送错误消息
func (wh *WebSocketHandler) sendError(client *WebSocketClient, errorMsg string) {
	errorResponse := map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if msgBytes, err := json.Marshal(errorResponse); err == nil {
		select {
		case client.send <- msgBytes:
		default:
			log.Printf("⚠️ 无法发送错误消息到客户端，队列已满")
		}
	}
}
