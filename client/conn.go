// Package client 房间 WebSocket 客户端。断线后有限次退避重连，重连后重发最近一次 join。
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"syncstream/core/room"
	"syncstream/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 5 * time.Second
)

// ErrClosed Close 之后返回
var ErrClosed = errors.New("client: connection closed")

// Options 连接配置，零值使用上面的默认值
type Options struct {
	URL          string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Dialer       *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Conn 与服务端的一个逻辑会话
type Conn struct {
	opts Options

	mu     sync.Mutex // 保护 ws、join、closed，并串行化写
	ws     *websocket.Conn
	join   *room.WSMessage
	closed bool
}

// Dial 建立连接，最多尝试 MaxAttempts 次
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.setDefaults()
	c := &Conn{opts: opts}
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	return c, nil
}

// dial 1s 起步，每次翻倍，上限 MaxDelay
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	delay := c.opts.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		logger.Warn("WebSocket 连接失败",
			logger.String("url", c.opts.URL),
			logger.Int("attempt", attempt),
			logger.ErrorField(err))

		if attempt == c.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
		}
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w", c.opts.URL, c.opts.MaxAttempts, lastErr)
}

// Join 加入房间，重连后自动重发
func (c *Conn) Join(roomID, username string) error {
	msg := &room.WSMessage{
		Type:      room.MsgTypeJoin,
		RequestID: uuid.NewString(),
		RoomID:    roomID,
		Username:  username,
		Timestamp: time.Now().UnixMilli(),
	}
	c.mu.Lock()
	c.join = msg
	c.mu.Unlock()
	return c.Send(msg)
}

// Send 发送一条消息，缺少 requestId 时自动生成
func (c *Conn) Send(msg *room.WSMessage) error {
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Run 读取事件交给 handler，直到 ctx 结束、调用 Close 或重连失败
func (c *Conn) Run(ctx context.Context, handler func(*room.WSMessage)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		c.mu.Lock()
		ws, closed := c.ws, c.closed
		c.mu.Unlock()
		if closed {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClosed
		}

		err := readLoop(ws, handler)

		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			continue
		}

		logger.Warn("WebSocket 连接断开，正在重连", logger.ErrorField(err))
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func readLoop(ws *websocket.Conn, handler func(*room.WSMessage)) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var msg room.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("服务端消息解析失败", logger.ErrorField(err))
			continue
		}
		handler(&msg)
	}
}

func (c *Conn) reconnect(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws.Close()
	c.ws = ws
	join := c.join
	c.mu.Unlock()

	if join != nil {
		rejoin := *join
		rejoin.RequestID = uuid.NewString()
		rejoin.Timestamp = time.Now().UnixMilli()
		return c.Send(&rejoin)
	}
	return nil
}

// Close 发送关闭帧并结束会话
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
