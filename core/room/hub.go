package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"syncstream/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client WebSocket 客户端，一个连接同一时间只绑定一个房间
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	Send chan []byte

	mu       sync.RWMutex
	roomID   string
	username string
	closed   bool

	// opMu 串行化同一连接上的意图处理与断线清理
	opMu sync.Mutex
}

// NewClient 创建客户端
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, sendBufferSize),
	}
}

// RoomID 当前绑定的房间
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// Username 当前绑定的用户名
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// Closed 连接是否已被 Hub 移除
func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) setBinding(roomID, username string) {
	c.mu.Lock()
	c.roomID = roomID
	c.username = username
	c.mu.Unlock()
}

// BroadcastMessage 广播消息；Target 非空时只投递给该连接。
// Recipients 是入队时房间内的连接，投递时只发给其中仍在该房间的连接。
type BroadcastMessage struct {
	RoomID     string
	Message    []byte
	Recipients []*Client
	Target     *Client
}

// Hub 连接管理中心。Run 是唯一向 Client.Send 写入的 goroutine，
// 所以同一连接收到的消息顺序与入队顺序一致。
type Hub struct {
	// 房间 -> 客户端集合
	rooms   map[string]map[*Client]bool
	clients map[*Client]bool

	unregister chan *Client
	broadcast  chan *BroadcastMessage

	// 连接移除后调用（在独立 goroutine 中），用于清理在线状态
	onUnregister func(*Client)

	mu   sync.RWMutex
	done chan struct{}
	once sync.Once
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 1024),
		done:       make(chan struct{}),
	}
}

// OnUnregister 设置连接移除回调，需在 Run 之前调用
func (h *Hub) OnUnregister(fn func(*Client)) {
	h.onUnregister = fn
}

// Run 启动 Hub 主循环，ctx 取消时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-ctx.Done():
			h.Stop()
			h.cleanup()
			return

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
}

// Register 注册客户端。Hub 已停止时直接关闭 Send。
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		close(client.Send)
		client.markClosed()
		return
	default:
	}
	h.clients[client] = true

	logger.Debug("client registered", logger.String("conn", client.ID))
}

// removeClient 只在 Run 中调用
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	roomID := client.RoomID()
	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	close(client.Send)
	client.markClosed()
	h.mu.Unlock()

	logger.Info("client unregistered",
		logger.String("conn", client.ID),
		logger.String("room", roomID),
		logger.String("username", client.Username()))

	if h.onUnregister != nil {
		go h.onUnregister(client)
	}
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	if msg.Target != nil {
		h.mu.RLock()
		alive := h.clients[msg.Target]
		h.mu.RUnlock()
		if alive {
			h.send(msg.Target, msg.Message)
		}
		return
	}

	h.mu.RLock()
	clients := h.rooms[msg.RoomID]
	clientList := make([]*Client, 0, len(msg.Recipients))
	for _, client := range msg.Recipients {
		if clients[client] {
			clientList = append(clientList, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		h.send(client, msg.Message)
	}
}

func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		// 发送缓冲区满，按断线处理
		logger.Warn("send buffer full, dropping client",
			logger.String("conn", client.ID),
			logger.String("room", client.RoomID()))
		h.removeClient(client)
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
		client.markClosed()
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.clients = make(map[*Client]bool)
}

// Unregister 注销客户端，重复调用无副作用
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Bind 把连接加入房间的广播集合，并记录绑定
func (h *Hub) Bind(client *Client, roomID, username string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detachLocked(client)
	client.setBinding(roomID, username)
	if !h.clients[client] {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
}

// Unbind 把连接移出当前房间
func (h *Hub) Unbind(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detachLocked(client)
	client.setBinding("", "")
}

// UnbindRoom 解散房间的广播集合（房间被删除）
func (h *Hub) UnbindRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.rooms[roomID] {
		client.setBinding("", "")
	}
	delete(h.rooms, roomID)
}

func (h *Hub) detachLocked(client *Client) {
	old := client.RoomID()
	if clients, ok := h.rooms[old]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, old)
		}
	}
}

// Broadcast 广播到房间，exclude 为 nil 时包括所有连接。
// 接收者在入队时确定，之后才加入房间的连接收不到这条消息。
func (h *Hub) Broadcast(roomID string, msg *WSMessage, exclude *Client) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	recipients := make([]*Client, 0, len(h.rooms[roomID]))
	for client := range h.rooms[roomID] {
		if client != exclude {
			recipients = append(recipients, client)
		}
	}
	h.mu.RUnlock()

	if len(recipients) == 0 {
		return nil
	}
	h.enqueue(&BroadcastMessage{RoomID: roomID, Message: data, Recipients: recipients})
	return nil
}

// SendTo 经由 Hub 队列发给单个连接，保证与广播的相对顺序
func (h *Hub) SendTo(client *Client, msg *WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.enqueue(&BroadcastMessage{Message: data, Target: client})
	return nil
}

func (h *Hub) enqueue(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// RoomClients 房间内的连接
func (h *Hub) RoomClients(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.rooms[roomID]
	result := make([]*Client, 0, len(clients))
	for client := range clients {
		result = append(result, client)
	}
	return result
}

// RoomClientCount 房间内连接数
func (h *Hub) RoomClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环，退出时注销连接
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, msg *WSMessage)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error",
					logger.ErrorField(err),
					logger.String("conn", c.ID),
					logger.String("room", c.RoomID()))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("invalid message format",
				logger.ErrorField(err),
				logger.String("conn", c.ID))
			reply, _ := NewMessage(MsgTypeError, c.RoomID(), ErrorData{Code: "validation", Message: "invalid message format"})
			c.Hub.SendTo(c, reply)
			continue
		}

		handler(ctx, c, &msg)
	}
}

// WritePump 写入消息循环，每条消息一个帧
func (c *Client) WritePump() {
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
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
