package chat

import (
	"context"
	"net"
	"sync"
	"time"

	"PPRelay/tools/errs"
	"PPRelay/tools/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type ConnConfig struct {
	SendQueue      int           `mapstructure:"send_queue" yaml:"send_queue"`
	WriteWait      time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		SendQueue:      256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   50 * time.Second,
		MaxMessageSize: 64 << 10,
	}
}

func (c *ConnConfig) norm() {
	d := DefaultConnConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
}

// WsConn 一条 websocket 连接。所有写操作都由 writePump 串行完成，
// Push 只负责入队。
type WsConn struct {
	id        string
	ws        *websocket.Conn
	remote    net.Addr
	createdAt time.Time

	send      chan []byte
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	cfg ConnConfig
	log *zap.Logger
}

func NewWsConn(ws *websocket.Conn, cfg ConnConfig, log *zap.Logger) *WsConn {
	cfg.norm()
	id := ids.ConnID()
	if log == nil {
		log = zap.NewNop()
	}
	return &WsConn{
		id:        id,
		ws:        ws,
		remote:    ws.RemoteAddr(),
		createdAt: time.Now(),
		send:      make(chan []byte, cfg.SendQueue),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
		cfg:       cfg,
		log:       log.With(zap.String("conn", id)),
	}
}

func (c *WsConn) ID() string { return c.id }

func (c *WsConn) RemoteAddr() net.Addr { return c.remote }

// Push 入队一帧；连接已关闭或在 ctx 内入队失败都视为 HandleStale
func (c *WsConn) Push(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return errs.ErrHandleStale.WrapMsg("conn closed", "conn", c.id)
	}
	select {
	case c.send <- payload:
		// 与 Close 并发时 select 可能选中入队，writePump 不会再写出
		select {
		case <-c.done:
			return errs.ErrHandleStale.WrapMsg("conn closed", "conn", c.id)
		default:
			return nil
		}
	case <-c.done:
		return errs.ErrHandleStale.WrapMsg("conn closed", "conn", c.id)
	case <-ctx.Done():
		return errs.ErrHandleStale.WrapMsg("send queue full", "conn", c.id, "err", ctx.Err())
	}
}

// Close 只发信号，真正的 socket 关闭由 writePump 完成。可重复调用。
func (c *WsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *WsConn) Closed() bool { return c.closed.Load() }

// Start 启动写协程
func (c *WsConn) Start() {
	go c.writePump()
}

// Wait 等待写协程退出（socket 已关闭）
func (c *WsConn) Wait() { <-c.pumpDone }

func (c *WsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			return
		}
	}
}

// ReadLoop 阻塞读取文本/二进制帧并交给 fn，直到对端关闭、读超时或本端 Close。
// 每个 pong 都会把读超时往后推。
func (c *WsConn) ReadLoop(fn func(raw []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		fn(data)
	}
}

// closeReason 把读循环的退出错误归类成日志字段
func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return "peer closed"
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return "read timeout"
	}
	return "read error"
}
