package chat

import (
	"context"

	midsec "PPRelay/middleware/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleWS 升级为 websocket，读循环只读不写；退出时走断开流程并等待写协程收尾
func (s *Server) HandleWS(c *gin.Context) {
	authUser := midsec.UserFromContext(c)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已经写了响应
		s.log.Info("upgrade websocket failed", zap.Error(err))
		return
	}

	conn := NewWsConn(ws, s.cfg.Conn, s.log)
	conn.Start()
	s.gw.Accept(conn, authUser)
	s.log.Debug("ws accepted", zap.String("conn", conn.ID()), zap.String("remote", conn.RemoteAddr().String()))

	if authUser != "" {
		if err := s.gw.OnConnect(authUser, conn); err != nil {
			s.log.Warn("auto join failed", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}

	ctx := context.Background()
	rerr := conn.ReadLoop(func(raw []byte) {
		_, _ = s.gw.OnInboundMessage(ctx, conn, raw)
	})

	s.gw.OnDisconnect(conn)
	conn.Wait()
	s.gw.Release(conn)
	s.log.Debug("ws closed", zap.String("conn", conn.ID()), zap.String("reason", closeReason(rerr)), zap.Error(rerr))
}
