package chat

import (
	"net/http"

	"PPRelay/middleware"
	midsec "PPRelay/middleware/security"
	"PPRelay/service/metrics"
	"PPRelay/service/presence"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	WSPath         string
	Conn           ConnConfig
	Auth           *midsec.Options // nil 表示不校验 token
	AllowedOrigins []string
}

// Server 对外的 HTTP 面：websocket 入口和在线状态查询
type Server struct {
	gw       *Gateway
	reg      *presence.Registry
	m        *metrics.Metrics
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewServer(gw *Gateway, reg *presence.Registry, cfg ServerConfig, log *zap.Logger, m *metrics.Metrics) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = "/chat"
	}
	cfg.Conn.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		gw:  gw,
		reg: reg,
		m:   m,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin 由 middleware.Origin 校验
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (s *Server) Gateway() *Gateway { return s.gw }

// Engine 组装全部路由
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	mids := middleware.NewManager(
		middleware.Recover(s.log),
		middleware.AccessLog(s.log),
		middleware.Origin(s.cfg.WSPath, s.cfg.AllowedOrigins),
	)
	r.Use(mids.Use())

	auth := middleware.RouteOpt{IsAuth: s.cfg.Auth != nil, Auth: s.cfg.Auth}
	middleware.GET(r, s.cfg.WSPath, s.HandleWS, auth)
	middleware.GET(r, "/online", s.handleOnline, auth)
	middleware.GET(r, "/online/:userId", s.handleUserPresence, auth)
	middleware.GET(r, "/healthz", s.handleHealth, middleware.RouteOpt{})
	r.GET("/metrics", gin.WrapH(s.m.Handler()))
	return r
}

func (s *Server) handleOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": s.reg.SnapshotOnlineUsers()})
}

type userPresenceResp struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
	LastSeenAt  *int64 `json:"lastSeenAt,omitempty"`
}

func (s *Server) handleUserPresence(c *gin.Context) {
	info, ok := s.reg.Presence(c.Param("userId"))
	resp := userPresenceResp{UserID: info.UserID, Online: ok, Connections: info.Connections}
	if ok {
		ms := info.LastSeenAt.UnixMilli()
		resp.LastSeenAt = &ms
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": s.reg.Len(), "connections": s.gw.Len()})
}
