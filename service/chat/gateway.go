package chat

import (
	"context"
	"sync"
	"time"

	"PPRelay/service/metrics"
	"PPRelay/service/presence"
	"PPRelay/service/relay"
	"PPRelay/tools/errs"

	"go.uber.org/zap"
)

// Conn 网关持有的连接；Close 可重复调用
type Conn interface {
	presence.Handle
	Close() error
}

// Router 投递入口
type Router interface {
	Route(env relay.Envelope) relay.DeliveryResult
}

// OfflineSink 收件人不在线时接收 send 消息（typing 不会进来）
type OfflineSink interface {
	Enqueue(ctx context.Context, env relay.Envelope) error
}

// OfflineDrainer 可选：用户上线时取回积压消息，按时间正序
type OfflineDrainer interface {
	Drain(ctx context.Context, userID string) ([]relay.Envelope, error)
}

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

type session struct {
	conn     Conn
	userID   string
	authUser string // 握手时校验过的用户，非空则 join 必须一致
	state    State
	since    time.Time
}

type GatewayConfig struct {
	PushTimeout    time.Duration
	OfflineTimeout time.Duration
}

// Gateway 管理每条连接的生命周期：Connecting -> Active -> Closed。
// 锁顺序：g.mu 在前，registry 的锁在后。
type Gateway struct {
	mu       sync.Mutex
	sessions map[string]*session // conn_id -> session，同时是 handle -> user 的反向索引

	reg     *presence.Registry
	router  Router
	offline OfflineSink
	disp    *Dispatcher

	cfg   GatewayConfig
	clock func() time.Time
	log   *zap.Logger
	m     *metrics.Metrics
}

type GatewayOption func(*Gateway)

func WithOfflineSink(s OfflineSink) GatewayOption {
	return func(g *Gateway) { g.offline = s }
}

func WithGatewayLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

func WithGatewayMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.m = m }
}

func WithGatewayClock(clock func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

func WithGatewayConfig(cfg GatewayConfig) GatewayOption {
	return func(g *Gateway) {
		if cfg.PushTimeout > 0 {
			g.cfg.PushTimeout = cfg.PushTimeout
		}
		if cfg.OfflineTimeout > 0 {
			g.cfg.OfflineTimeout = cfg.OfflineTimeout
		}
	}
}

func NewGateway(reg *presence.Registry, router Router, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		sessions: make(map[string]*session),
		reg:      reg,
		router:   router,
		cfg:      GatewayConfig{PushTimeout: relay.DefaultPushTimeout, OfflineTimeout: 2 * time.Second},
		clock:    time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.disp = NewDispatcher()
	g.disp.Register(EventJoin, g.handleJoin)
	g.disp.Register(EventSend, g.handleSend)
	g.disp.Register(EventTyping, g.handleTyping)
	return g
}

// Accept 记录一条新连接，状态 Connecting，不进 registry。
// authUser 非空表示握手时已认证。
func (g *Gateway) Accept(c Conn, authUser string) {
	g.mu.Lock()
	if _, ok := g.sessions[c.ID()]; !ok {
		g.sessions[c.ID()] = &session{conn: c, authUser: authUser, state: StateConnecting, since: g.clock()}
	}
	n := len(g.sessions)
	g.mu.Unlock()
	g.m.SetConnections(n)
}

// OnConnect 绑定用户并注册到 registry；对 Closed 连接无操作。
// 在这之前来自该连接的 send/typing 都会被丢弃。
func (g *Gateway) OnConnect(userID string, c Conn) error {
	if userID == "" || c == nil {
		return errs.ErrMalformedEvent.WrapMsg("join without user")
	}

	g.mu.Lock()
	s := g.sessions[c.ID()]
	if s == nil {
		// Release 之后 session 已被删除，传输层已关闭的连接不能再复活
		if cl, ok := c.(interface{ Closed() bool }); ok && cl.Closed() {
			g.mu.Unlock()
			return nil
		}
		s = &session{conn: c, state: StateConnecting, since: g.clock()}
		g.sessions[c.ID()] = s
	}
	switch {
	case s.state == StateClosed:
		g.mu.Unlock()
		return nil
	case s.authUser != "" && s.authUser != userID:
		g.mu.Unlock()
		return errs.ErrMalformedEvent.WrapMsg("join as another user", "conn", c.ID(), "auth", s.authUser, "user", userID)
	case s.state == StateActive && s.userID == userID:
		g.mu.Unlock()
		return nil
	case s.state == StateActive:
		g.mu.Unlock()
		return errs.ErrMalformedEvent.WrapMsg("conn already joined", "conn", c.ID(), "user", s.userID)
	}
	s.state = StateActive
	s.userID = userID
	cameOnline := g.reg.Register(userID, s.conn)
	g.mu.Unlock()

	g.log.Info("join", zap.String("user", userID), zap.String("conn", c.ID()), zap.Bool("cameOnline", cameOnline))

	if !cameOnline {
		// 没有状态变化就没有广播，新设备需要单独拿一次在线列表
		g.push(c, BuildOnlineUsers(g.reg.SnapshotOnlineUsers()))
		return nil
	}
	g.drainOffline(userID, c)
	return nil
}

// OnDisconnect 通过反向索引找到用户并注销；重复调用无副作用
func (g *Gateway) OnDisconnect(h presence.Handle) {
	if h == nil {
		return
	}
	g.mu.Lock()
	s := g.sessions[h.ID()]
	if s == nil || s.state == StateClosed {
		g.mu.Unlock()
		if s == nil {
			g.log.Debug("disconnect unknown conn", zap.String("conn", h.ID()),
				zap.Error(errs.ErrRegistryInconsistency.WrapMsg("unknown handle")))
		}
		return
	}
	wasActive := s.state == StateActive
	s.state = StateClosed
	wentOffline := false
	if wasActive {
		wentOffline = g.reg.Deregister(s.userID, s.conn)
	}
	g.mu.Unlock()

	_ = s.conn.Close()
	g.log.Info("disconnect", zap.String("user", s.userID), zap.String("conn", h.ID()), zap.Bool("wentOffline", wentOffline))
}

// OnOutboundFailure 推送失败说明连接已失效，直接走断开流程
func (g *Gateway) OnOutboundFailure(h presence.Handle, err error) {
	g.log.Debug("outbound failure", zap.String("conn", h.ID()), zap.Error(err))
	g.OnDisconnect(h)
}

// Release 传输层已退出，忘掉这条连接
func (g *Gateway) Release(h presence.Handle) {
	g.OnDisconnect(h)
	g.mu.Lock()
	delete(g.sessions, h.ID())
	n := len(g.sessions)
	g.mu.Unlock()
	g.m.SetConnections(n)
}

// OnInboundMessage 解析一帧并分发。MalformedEvent 只记日志，连接保持打开。
func (g *Gateway) OnInboundMessage(ctx context.Context, c Conn, raw []byte) (relay.DeliveryResult, error) {
	ev, err := ParseEvent(raw)
	if err != nil {
		g.m.ObserveInbound("invalid", "malformed")
		g.log.Warn("drop malformed event", zap.String("conn", c.ID()), zap.Int("len", len(raw)), zap.Error(err))
		return relay.DeliveryResult{}, err
	}
	res, err := g.disp.Dispatch(ctx, c, ev)
	switch {
	case err == nil:
		g.m.ObserveInbound(ev.Type, "ok")
	case errs.ErrNotJoined.Is(err):
		g.m.ObserveInbound(ev.Type, "not_joined")
		g.log.Debug("drop event before join", zap.String("conn", c.ID()), zap.String("type", ev.Type))
	default:
		g.m.ObserveInbound(ev.Type, "malformed")
		g.log.Warn("drop event", zap.String("conn", c.ID()), zap.String("type", ev.Type), zap.Error(err))
	}
	return res, err
}

func (g *Gateway) handleJoin(_ context.Context, c Conn, ev *Event) (relay.DeliveryResult, error) {
	return relay.DeliveryResult{}, g.OnConnect(ev.UserID, c)
}

func (g *Gateway) handleSend(ctx context.Context, c Conn, ev *Event) (relay.DeliveryResult, error) {
	sender, err := g.senderOf(c, ev)
	if err != nil || sender == "" {
		return relay.DeliveryResult{}, err
	}
	now := g.clock()
	env := relay.Envelope{
		SenderID:       sender,
		RecipientID:    ev.To(),
		ConversationID: ev.ConversationID,
		Text:           ev.Text,
		Image:          ev.Image,
		Kind:           relay.KindMessage,
		Payload:        BuildReceiveMessage(sender, ev.Text, ev.Image, ev.ConversationID, now),
		CreatedAt:      now,
	}
	res := g.router.Route(env)
	if res.Offline() {
		g.handOff(ctx, env)
	}
	return res, nil
}

func (g *Gateway) handleTyping(_ context.Context, c Conn, ev *Event) (relay.DeliveryResult, error) {
	sender, err := g.senderOf(c, ev)
	if err != nil || sender == "" {
		return relay.DeliveryResult{}, err
	}
	return g.router.Route(relay.Envelope{
		SenderID:    sender,
		RecipientID: ev.To(),
		Kind:        relay.KindTyping,
		Payload:     BuildTyping(sender),
		CreatedAt:   g.clock(),
	}), nil
}

// senderOf 发送者取连接绑定的用户；空串+nil 表示连接已关闭，静默丢弃
func (g *Gateway) senderOf(c Conn, ev *Event) (string, error) {
	g.mu.Lock()
	s := g.sessions[c.ID()]
	var (
		state  = StateConnecting
		userID string
	)
	if s != nil {
		state, userID = s.state, s.userID
	}
	g.mu.Unlock()

	switch state {
	case StateClosed:
		return "", nil
	case StateConnecting:
		return "", errs.ErrNotJoined.WrapMsg("event before join", "conn", c.ID(), "type", ev.Type)
	}
	if ev.SenderID != "" && ev.SenderID != userID {
		return "", errs.ErrMalformedEvent.WrapMsg("senderId does not match joined user", "conn", c.ID(), "senderId", ev.SenderID)
	}
	return userID, nil
}

func (g *Gateway) handOff(ctx context.Context, env relay.Envelope) {
	if g.offline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OfflineTimeout)
	defer cancel()
	if err := g.offline.Enqueue(ctx, env); err != nil {
		g.m.ObserveOffline("failed")
		g.log.Warn("offline hand-off failed", zap.String("to", env.RecipientID), zap.Error(err))
		return
	}
	g.m.ObserveOffline("ok")
}

func (g *Gateway) drainOffline(userID string, c Conn) {
	drainer, ok := g.offline.(OfflineDrainer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OfflineTimeout)
	envs, err := drainer.Drain(ctx, userID)
	cancel()
	if err != nil {
		g.log.Warn("drain offline failed", zap.String("user", userID), zap.Error(err))
		return
	}
	for _, env := range envs {
		if !g.push(c, BuildReceiveMessage(env.SenderID, env.Text, env.Image, env.ConversationID, env.CreatedAt)) {
			return
		}
	}
	if len(envs) > 0 {
		g.log.Info("offline delivered", zap.String("user", userID), zap.Int("count", len(envs)))
	}
}

// push 直接推给单条连接，失败走 OnOutboundFailure
func (g *Gateway) push(c Conn, payload []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PushTimeout)
	defer cancel()
	if err := c.Push(ctx, payload); err != nil {
		g.OnOutboundFailure(c, err)
		return false
	}
	return true
}

// State 连接当前状态；未知连接视为 Closed
func (g *Gateway) State(h presence.Handle) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.sessions[h.ID()]; s != nil {
		return s.state
	}
	return StateClosed
}

// UserOf 反向索引查询
func (g *Gateway) UserOf(h presence.Handle) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[h.ID()]
	if s == nil || s.state != StateActive {
		return "", false
	}
	return s.userID, true
}

func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown 关闭全部连接；各自的读循环随后会走 OnDisconnect/Release
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]Conn, 0, len(g.sessions))
	for _, s := range g.sessions {
		conns = append(conns, s.conn)
	}
	g.mu.Unlock()
	for _, c := range conns {
		g.OnDisconnect(c)
	}
}
