package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/shelf-locker/internal/config"
	"github.com/wfunc/shelf-locker/internal/events"
	"go.uber.org/zap"
)

// Hub 事件推送中心，把锁控事件广播给所有界面连接
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	clientsMu sync.RWMutex

	// 消息广播通道
	broadcast chan *Message

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client

	// Run 退出后关闭
	done chan struct{}

	heartbeat time.Duration
	cfg       config.WebSocketConfig
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// Client WebSocket客户端
type Client struct {
	ID   string          // 客户端ID
	Hub  *Hub            // Hub引用
	Conn *websocket.Conn // WebSocket连接
	Send chan []byte     // 发送通道
}

// Message WebSocket消息
type Message struct {
	Type      string          `json:"type"`           // 消息类型
	Data      json.RawMessage `json:"data,omitempty"` // 消息数据
	Timestamp int64           `json:"timestamp"`      // 时间戳
}

// MessageType 系统消息类型，事件消息直接使用事件类型名
const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeError     = "error"
)

// NewHub 创建Hub，未填写的配置项使用默认值
func NewHub(cfg config.WebSocketConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 1024
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 1024
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 * 1024
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	// ping 周期必须小于 pong 超时
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		heartbeat:  30 * time.Second,
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// 界面与服务在同一台终端上运行
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP 升级为WebSocket连接并开始推送事件
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return
	}

	client := NewClient(h, conn)
	if !h.Register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// Run 运行Hub，ctx 取消后断开全部客户端
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ticker.C:
			h.broadcastMessage(&Message{Type: MessageTypePing, Timestamp: time.Now().Unix()})
		}
	}
}

// HandleEvent 事件订阅回调，在事件分发协程中调用，不阻塞
func (h *Hub) HandleEvent(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("序列化事件失败", zap.Error(err))
		return
	}
	msg := &Message{Type: string(e.Type), Data: data, Timestamp: e.Time.Unix()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("广播队列已满，丢弃事件", zap.String("type", msg.Type))
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接", zap.String("client_id", client.ID))

	msg := &Message{
		Type:      MessageTypeConnected,
		Timestamp: time.Now().Unix(),
		Data:      json.RawMessage(`{"client_id":"` + client.ID + `"}`),
	}
	_ = h.SendToClient(client.ID, msg)
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

// broadcastMessage 广播消息
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("序列化消息失败", zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
	h.clientsMu.RUnlock()
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// GetOnlineCount 获取在线连接数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Register 注册客户端；Hub 已停止时返回 false
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
