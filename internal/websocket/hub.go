package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/notify"
)

// ErrHubBusy 广播队列已满
var ErrHubBusy = errors.New("websocket hub broadcast queue full")

// AllTrackingIDs 订阅全部追踪 ID
const AllTrackingIDs = "*"

// TokenValidator 校验访问令牌
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeTrackingEvent MessageType = "tracking_event"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeSubscribe     MessageType = "subscribe"
	MessageTypeUnsubscribe   MessageType = "unsubscribe"
	MessageTypeSubscribed    MessageType = "subscribed"
	MessageTypeError         MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type       MessageType     `json:"type"`
	TrackingID string          `json:"trackingId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID       string
	Username string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	topics   map[string]bool // 订阅的追踪ID
	mu       sync.Mutex
	log      *zap.Logger
}

// Hub 管理所有WebSocket连接，实现 notify.Publisher
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	topics         map[string]map[string]*Client // trackingID -> clientID -> Client
	broadcast      chan *Message
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	validator      TokenValidator // 为 nil 时不要求令牌
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，用于 WebSocket 连接验证
//   - validator: 令牌校验器，为 nil 时允许匿名连接
//   - log: 日志记录器
func NewHub(allowedOrigins []string, validator TokenValidator, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		topics:         make(map[string]map[string]*Client),
		broadcast:      make(chan *Message, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		validator:      validator,
	}
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// Publish 将事件通知放入广播队列，队列满时返回 ErrHubBusy
func (h *Hub) Publish(_ context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}

	msg := &Message{
		Type:       MessageTypeTrackingEvent,
		TrackingID: n.TrackingID,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}

	select {
	case h.broadcast <- msg:
		return nil
	default:
		return ErrHubBusy
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver 投递给订阅了该追踪ID或全部追踪ID的客户端
func (h *Hub) deliver(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	for _, topic := range []string{msg.TrackingID, AllTrackingIDs} {
		for id, client := range h.topics[topic] {
			if seen[id] {
				continue
			}
			seen[id] = true
			select {
			case client.send <- data:
			default:
				h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
			}
		}
	}
}

// addClient 在启动读写协程前同步登记，保证随后的订阅能找到客户端
func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.log.Debug("client registered", zap.String("id", client.ID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}

	client.mu.Lock()
	for topic := range client.topics {
		if clients, exists := h.topics[topic]; exists {
			delete(clients, client.ID)
			if len(clients) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	client.mu.Unlock()

	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.topics = make(map[string]map[string]*Client)
}

// authenticate 认证客户端，未配置校验器时允许匿名
func (h *Hub) authenticate(c *gin.Context) (string, error) {
	if h.validator == nil {
		return "", nil
	}

	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return "", errors.New("missing authentication token")
	}

	claims, err := h.validator.ValidateAccessToken(token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		username, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			Username: username,
			conn:     conn,
			hub:      hub,
			send:     make(chan []byte, 256),
			topics:   make(map[string]bool),
			log:      hub.log,
		}

		hub.addClient(client)

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.TrackingID)
	case MessageTypeUnsubscribe:
		c.unsubscribe(msg.TrackingID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.sendError("unknown message type")
	}
}

// subscribe 订阅追踪ID，"*" 表示全部
func (c *Client) subscribe(trackingID string) {
	if trackingID == "" {
		c.sendError("trackingId is required")
		return
	}

	c.hub.mu.Lock()
	if _, registered := c.hub.clients[c.ID]; !registered {
		c.hub.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.topics[trackingID] = true
	c.mu.Unlock()
	if c.hub.topics[trackingID] == nil {
		c.hub.topics[trackingID] = make(map[string]*Client)
	}
	c.hub.topics[trackingID][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Debug("subscribed",
		zap.String("clientID", c.ID),
		zap.String("trackingId", trackingID))

	c.sendMessage(&Message{
		Type:       MessageTypeSubscribed,
		TrackingID: trackingID,
		Timestamp:  time.Now().UTC(),
	})
}

// unsubscribe 取消订阅
func (c *Client) unsubscribe(trackingID string) {
	c.hub.mu.Lock()
	c.mu.Lock()
	delete(c.topics, trackingID)
	c.mu.Unlock()
	if clients, exists := c.hub.topics[trackingID]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.topics, trackingID)
		}
	}
	c.hub.mu.Unlock()
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// send 可能已被 Hub 关闭
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.ID]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
