package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"converse_backend/internal/repository"
	"converse_backend/pkg/logger"
	"converse_backend/pkg/monitoring"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	shardCount     = 32
	onlineTTL      = 2 * time.Minute // 在线状态过期时间
)

// Server→client event types. Fire-and-forget: no acknowledgement, no retry.
// A client that misses a push reconciles through the ?after= pull endpoint.
const (
	EventNewMessage          = "NEW_MESSAGE"
	EventConversationUpdated = "CONVERSATION_UPDATED"
	EventConversationCreated = "CONVERSATION_CREATED"
	EventMessageEdited       = "MESSAGE_EDITED"
	EventMessageDeleted      = "MESSAGE_DELETED"
	EventMessageReaction     = "MESSAGE_REACTION"
	EventUserStatus          = "USER_STATUS"
	EventTyping              = "TYPING"
)

// Client→server control frames.
const (
	ControlSubscribe   = "SUBSCRIBE"
	ControlUnsubscribe = "UNSUBSCRIBE"
)

var (
	// 内存复用 (sync.Pool)
	messagePool = sync.Pool{
		New: func() interface{} {
			return &WSMessage{}
		},
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Notifier is the write-path view of the hub. The Message Ledger calls it
// best-effort: a nil or failing notifier never fails a persisted write.
type Notifier interface {
	BroadcastToRoom(conversationID string, msg WSMessage)
	PushToUsers(userIDs []uint, msg WSMessage)
}

type Client struct {
	Hub     *ChatHub
	Conn    *websocket.Conn
	Send    chan []byte
	UserID  uint
	Limiter *rate.Limiter // 限流器
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.Uint("userId", c.UserID))
			}
			break
		}

		// 限流校验 (每秒最多 30 条消息，允许突发 50 条)
		if !c.Limiter.Allow() {
			continue
		}

		// 对象池解析消息
		wsMsg := messagePool.Get().(*WSMessage)
		if err := json.Unmarshal(message, wsMsg); err != nil {
			messagePool.Put(wsMsg)
			continue
		}

		monitoring.EventCounter.WithLabelValues(wsMsg.Type, "in").Inc()

		convID := conversationIDFromData(wsMsg.Data)

		switch wsMsg.Type {
		case ControlSubscribe:
			if convID != "" {
				c.Hub.Subscribe(c, convID)
			}
		case ControlUnsubscribe:
			if convID != "" {
				c.Hub.Unsubscribe(c, convID)
			}
		case EventTyping:
			if convID != "" {
				c.Hub.RelayTransient(c.UserID, convID, *wsMsg)
			}
		}
		messagePool.Put(wsMsg)
	}
}

func conversationIDFromData(data interface{}) string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}
	convID, _ := m["conversationId"].(string)
	return convID
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if n := len(c.Send); n > 0 {
				for i := 0; i < n; i++ {
					w.Write(<-c.Send)
				}
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type shard struct {
	clients map[uint]*Client
	mu      sync.RWMutex
}

// ChatHub 维护用户连接索引和会话房间。房间是纯内存状态：进程重启后
// 由客户端重新订阅重建，不落盘。
type ChatHub struct {
	shards     [shardCount]*shard
	register   chan *Client
	unregister chan *Client

	// rooms: conversationID → 订阅了该会话的在线用户
	rooms   map[string]map[uint]*Client
	roomsMu sync.RWMutex

	Redis    *redis.Client
	ConvRepo repository.ConversationRepository
	ctx      context.Context
}

func NewChatHub(rdb *redis.Client, convRepo repository.ConversationRepository) *ChatHub {
	h := &ChatHub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rooms:      make(map[string]map[uint]*Client),
		Redis:      rdb,
		ConvRepo:   convRepo,
		ctx:        context.Background(),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			clients: make(map[uint]*Client),
		}
	}
	return h
}

func (h *ChatHub) getShard(userID uint) *shard {
	return h.shards[userID%shardCount]
}

// Subscribe 将连接加入会话房间。订阅前向会话目录核实参与关系，
// 非成员的订阅请求被静默拒绝。
func (h *ChatHub) Subscribe(c *Client, convID string) {
	if h.ConvRepo != nil {
		if _, err := h.ConvRepo.GetMember(convID, c.UserID); err != nil {
			logger.Log.Warn("Subscribe rejected: not a participant",
				zap.Uint("userId", c.UserID), zap.String("conversationId", convID))
			return
		}
	}

	h.roomsMu.Lock()
	room, ok := h.rooms[convID]
	if !ok {
		room = make(map[uint]*Client)
		h.rooms[convID] = room
	}
	if _, joined := room[c.UserID]; !joined {
		monitoring.RoomSubscriptions.Inc()
	}
	room[c.UserID] = c
	h.roomsMu.Unlock()
}

func (h *ChatHub) Unsubscribe(c *Client, convID string) {
	h.roomsMu.Lock()
	if room, ok := h.rooms[convID]; ok {
		if room[c.UserID] == c {
			delete(room, c.UserID)
			monitoring.RoomSubscriptions.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.roomsMu.Unlock()
}

// dropFromAllRooms 断开时清理该连接的全部订阅，别的状态一概不动
func (h *ChatHub) dropFromAllRooms(c *Client) {
	h.roomsMu.Lock()
	for convID, room := range h.rooms {
		if room[c.UserID] == c {
			delete(room, c.UserID)
			monitoring.RoomSubscriptions.Dec()
		}
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.roomsMu.Unlock()
}

// RelayTransient 转发不落库的瞬时事件（输入中……），只发给已订阅该
// 房间的其他成员
func (h *ChatHub) RelayTransient(senderID uint, convID string, msg WSMessage) {
	if data, ok := msg.Data.(map[string]interface{}); ok {
		data["userId"] = senderID
		msg.Data = data
	}
	payload, _ := json.Marshal(msg)

	h.roomsMu.RLock()
	room := h.rooms[convID]
	for userID, client := range room {
		if userID == senderID {
			continue
		}
		select {
		case client.Send <- payload:
		default:
		}
	}
	h.roomsMu.RUnlock()
	monitoring.EventCounter.WithLabelValues(msg.Type, "out").Inc()
}

func (h *ChatHub) Run() {
	// 批量处理状态更新
	ticker := time.NewTicker(500 * time.Millisecond)
	// 状态续期定时器 (Heartbeat)
	heartbeatTicker := time.NewTicker(1 * time.Minute)
	defer func() {
		ticker.Stop()
		heartbeatTicker.Stop()
	}()

	type statusUpdate struct {
		userID uint
		status string
	}
	var pendingUpdates []statusUpdate

	for {
		select {
		case client := <-h.register:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			if old, ok := s.clients[client.UserID]; ok {
				// 同一用户重复连接时替换旧连接
				close(old.Send)
				h.dropFromAllRooms(old)
				monitoring.OnlineUsers.Dec()
			}
			s.clients[client.UserID] = client
			s.mu.Unlock()
			pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "online"})
			monitoring.OnlineUsers.Inc()

		case client := <-h.unregister:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			if s.clients[client.UserID] == client {
				delete(s.clients, client.UserID)
				close(client.Send)
				monitoring.OnlineUsers.Dec()
			}
			s.mu.Unlock()
			h.dropFromAllRooms(client)
			pendingUpdates = append(pendingUpdates, statusUpdate{client.UserID, "offline"})

		case <-heartbeatTicker.C:
			// 为本地在线用户批量续期
			h.refreshOnlineStatus()

		case <-ticker.C:
			if len(pendingUpdates) == 0 {
				continue
			}

			if h.Redis != nil {
				pipe := h.Redis.Pipeline()
				for _, update := range pendingUpdates {
					key := fmt.Sprintf("user:online:%d", update.userID)
					if update.status == "online" {
						pipe.Set(h.ctx, key, "true", onlineTTL)
					} else {
						pipe.Del(h.ctx, key)
					}
				}
				if _, err := pipe.Exec(h.ctx); err != nil {
					logger.Log.Error("Redis pipeline error", zap.Error(err))
				}
			}

			// 发送状态通知
			for _, update := range pendingUpdates {
				h.notifyStatus(update.userID, update.status)
			}
			pendingUpdates = pendingUpdates[:0]
		}
	}
}

// refreshOnlineStatus 刷新当前进程所有在线用户的过期时间
func (h *ChatHub) refreshOnlineStatus() {
	if h.Redis == nil {
		return
	}
	pipe := h.Redis.Pipeline()
	count := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.RLock()
		for userID := range s.clients {
			pipe.Expire(h.ctx, fmt.Sprintf("user:online:%d", userID), onlineTTL)
			count++
		}
		s.mu.RUnlock()
	}
	if count > 0 {
		pipe.Exec(h.ctx)
		logger.Log.Debug("Refreshed online status", zap.Int("count", count))
	}
}

// notifyStatus 把上下线状态推给与该用户共享会话的所有人
func (h *ChatHub) notifyStatus(userID uint, status string) {
	if h.ConvRepo == nil {
		return
	}
	relatedIDs, err := h.ConvRepo.RelatedUserIDs(userID)
	if err != nil || len(relatedIDs) == 0 {
		return
	}

	h.PushToUsers(relatedIDs, WSMessage{
		Type: EventUserStatus,
		Data: map[string]interface{}{
			"userId": userID,
			"status": status,
		},
	})
}

// BroadcastToRoom 向某会话房间内所有订阅连接推送事件。没有订阅者时
// 事件直接丢弃；在线但未订阅的连接被跳过，由其增量拉取对账。
func (h *ChatHub) BroadcastToRoom(conversationID string, msg WSMessage) {
	payload, _ := json.Marshal(msg)

	h.roomsMu.RLock()
	room := h.rooms[conversationID]
	for _, client := range room {
		select {
		case client.Send <- payload:
		default:
		}
	}
	h.roomsMu.RUnlock()

	monitoring.EventCounter.WithLabelValues(msg.Type, "out").Inc()
}

// PushToUsers 向用户级通道推送（不要求已订阅任何房间），用于
// 新会话创建、会话列表刷新和在线状态
func (h *ChatHub) PushToUsers(userIDs []uint, msg WSMessage) {
	payload, _ := json.Marshal(msg)

	for _, id := range userIDs {
		s := h.getShard(id)
		s.mu.RLock()
		if client, ok := s.clients[id]; ok {
			select {
			case client.Send <- payload:
			default:
			}
		}
		s.mu.RUnlock()
	}

	monitoring.EventCounter.WithLabelValues(msg.Type, "out").Inc()
}

func (h *ChatHub) IsUserOnline(userID uint) bool {
	// 查本地分片
	s := h.getShard(userID)
	s.mu.RLock()
	_, ok := s.clients[userID]
	s.mu.RUnlock()
	if ok {
		return true
	}

	if h.Redis == nil {
		return false
	}
	val, err := h.Redis.Get(h.ctx, fmt.Sprintf("user:online:%d", userID)).Result()
	return err == nil && val == "true"
}

// Stop 关闭所有连接并清理在线状态
func (h *ChatHub) Stop() {
	logger.Log.Info("ChatHub stopping: clearing online status and closing connections...")

	var allUserIDs []uint
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.Lock()
		for userID, client := range s.clients {
			allUserIDs = append(allUserIDs, userID)
			close(client.Send)
			delete(s.clients, userID)
		}
		s.mu.Unlock()
	}

	h.roomsMu.Lock()
	h.rooms = make(map[string]map[uint]*Client)
	h.roomsMu.Unlock()

	if h.Redis != nil && len(allUserIDs) > 0 {
		pipe := h.Redis.Pipeline()
		for _, userID := range allUserIDs {
			pipe.Del(h.ctx, fmt.Sprintf("user:online:%d", userID))
		}
		pipe.Exec(h.ctx)
	}

	monitoring.OnlineUsers.Set(0)
	monitoring.RoomSubscriptions.Set(0)
	logger.Log.Info("ChatHub stopped", zap.Int("closedConnections", len(allUserIDs)))
}

func ServeWs(hub *ChatHub, w http.ResponseWriter, r *http.Request, userID uint) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.Uint("userId", userID))
		return
	}
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		UserID:  userID,
		Limiter: rate.NewLimiter(rate.Limit(30), 50), // 每秒30条，允许突发50条
	}
	client.Hub.register <- client

	go client.writePump()
	go client.readPump()
}
