package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"PPRelay/service/presence"
	"PPRelay/service/relay"
	"PPRelay/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	broken bool
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Push(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return errs.ErrHandleStale.WrapMsg("fake conn gone", "conn", c.id)
	}
	c.frames = append(c.frames, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		m := map[string]any{}
		_ = json.Unmarshal(f, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type memSink struct {
	mu      sync.Mutex
	queued  []relay.Envelope
	pending map[string][]relay.Envelope
}

func (s *memSink) Enqueue(_ context.Context, env relay.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, env)
	if s.pending == nil {
		s.pending = map[string][]relay.Envelope{}
	}
	s.pending[env.RecipientID] = append(s.pending[env.RecipientID], env)
	return nil
}

func (s *memSink) Drain(_ context.Context, userID string) ([]relay.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending[userID]
	delete(s.pending, userID)
	return out, nil
}

func newTestGateway(opts ...GatewayOption) (*Gateway, *presence.Registry) {
	reg := presence.NewRegistry()
	router := relay.NewRouter(reg, relay.WithPushTimeout(100*time.Millisecond))
	gw := NewGateway(reg, router, opts...)
	router.SetFailureHook(gw.OnOutboundFailure)
	return gw, reg
}

func join(t *testing.T, gw *Gateway, user string, c Conn) {
	t.Helper()
	gw.Accept(c, "")
	_, err := gw.OnInboundMessage(context.Background(), c, []byte(`{"type":"join","userId":"`+user+`"}`))
	require.NoError(t, err)
}

func TestSendToOnlineRecipientPushesOnce(t *testing.T) {
	gw, _ := newTestGateway()
	h1, hb := newFakeConn("h1"), newFakeConn("hb")
	join(t, gw, "A", h1)
	join(t, gw, "B", hb)
	before := len(h1.Frames())

	res, err := gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"send","senderId":"B","recipientId":"A","text":"hi","conversationId":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, relay.DeliveryResult{Status: relay.StatusDelivered, Delivered: 1}, res)

	frames := h1.Frames()[before:]
	require.Len(t, frames, 1)
	assert.Equal(t, "receiveMessage", frames[0]["type"])
	assert.Equal(t, "B", frames[0]["senderId"])
	assert.Equal(t, "hi", frames[0]["text"])
	assert.Equal(t, "c1", frames[0]["conversationId"])
	assert.NotEmpty(t, frames[0]["createdAt"])
}

func TestSendToOfflineRecipientHandsOff(t *testing.T) {
	sink := &memSink{}
	gw, _ := newTestGateway(WithOfflineSink(sink))
	hb := newFakeConn("hb")
	join(t, gw, "B", hb)

	res, err := gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"send","senderId":"B","recipientId":"A","text":"hi"}`))
	require.NoError(t, err)
	assert.True(t, res.Offline())

	res, err = gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"typing","recipientId":"A"}`))
	require.NoError(t, err)
	assert.True(t, res.Offline())

	require.Len(t, sink.queued, 1)
	assert.Equal(t, "B", sink.queued[0].SenderID)
	assert.Equal(t, "A", sink.queued[0].RecipientID)
	assert.Equal(t, relay.KindMessage, sink.queued[0].Kind)

	// A 上线后拿到积压消息
	ha := newFakeConn("ha")
	join(t, gw, "A", ha)
	var texts []any
	for _, f := range ha.Frames() {
		if f["type"] == "receiveMessage" {
			texts = append(texts, f["text"])
		}
	}
	assert.Equal(t, []any{"hi"}, texts)
}

func TestTypingIsRelayed(t *testing.T) {
	gw, _ := newTestGateway()
	ha, hb := newFakeConn("ha"), newFakeConn("hb")
	join(t, gw, "A", ha)
	join(t, gw, "B", hb)
	before := len(ha.Frames())

	_, err := gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"typing","senderId":"B","recipientId":"A"}`))
	require.NoError(t, err)
	frames := ha.Frames()[before:]
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"type": "typing", "senderId": "B"}, frames[0])
}

func TestEventsBeforeJoinAreDropped(t *testing.T) {
	gw, reg := newTestGateway()
	ha, hx := newFakeConn("ha"), newFakeConn("hx")
	join(t, gw, "A", ha)
	gw.Accept(hx, "")
	before := len(ha.Frames())

	_, err := gw.OnInboundMessage(context.Background(), hx, []byte(`{"type":"send","senderId":"X","recipientId":"A","text":"hi"}`))
	assert.True(t, errs.ErrNotJoined.Is(err))
	assert.True(t, errs.ErrMalformedEvent.Is(err))
	assert.Len(t, ha.Frames(), before)
	assert.False(t, reg.IsOnline("X"))
	assert.Equal(t, StateConnecting, gw.State(hx))
}

func TestMalformedEventKeepsConnectionOpen(t *testing.T) {
	gw, reg := newTestGateway()
	ha, hb := newFakeConn("ha"), newFakeConn("hb")
	join(t, gw, "A", ha)
	join(t, gw, "B", hb)

	_, err := gw.OnInboundMessage(context.Background(), hb, []byte(`not json`))
	assert.True(t, errs.ErrMalformedEvent.Is(err))

	// 冒充别人发消息
	_, err = gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"send","senderId":"A","recipientId":"A","text":"x"}`))
	assert.True(t, errs.ErrMalformedEvent.Is(err))

	assert.False(t, hb.IsClosed())
	assert.Equal(t, StateActive, gw.State(hb))
	assert.True(t, reg.IsOnline("B"))
}

func TestMultiDeviceThroughGateway(t *testing.T) {
	gw, reg := newTestGateway()
	h1, h2 := newFakeConn("h1"), newFakeConn("h2")
	join(t, gw, "A", h1)

	join(t, gw, "A", h2)
	assert.Len(t, reg.ConnectionsFor("A"), 2)
	// 第二台设备没有触发状态变化，单独收到一份在线列表
	frames := h2.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "onlineUsers", frames[0]["type"])
	assert.Equal(t, []any{"A"}, frames[0]["users"])

	gw.OnDisconnect(h1)
	gw.OnDisconnect(h1)
	assert.True(t, reg.IsOnline("A"))
	assert.Len(t, reg.ConnectionsFor("A"), 1)
	assert.True(t, h1.IsClosed())
	assert.Equal(t, StateClosed, gw.State(h1))

	gw.Release(h2)
	assert.False(t, reg.IsOnline("A"))
	assert.NotContains(t, reg.SnapshotOnlineUsers(), "A")
	assert.Equal(t, 1, gw.Len())
}

func TestClosedHandleIsTerminal(t *testing.T) {
	gw, reg := newTestGateway()
	h := newFakeConn("h")
	join(t, gw, "A", h)
	gw.OnDisconnect(h)

	require.NoError(t, gw.OnConnect("A", h))
	assert.False(t, reg.IsOnline("A"))

	res, err := gw.OnInboundMessage(context.Background(), h, []byte(`{"type":"send","recipientId":"B","text":"x"}`))
	assert.NoError(t, err)
	assert.Equal(t, relay.DeliveryResult{}, res)

	// 从未见过的连接
	assert.NotPanics(t, func() { gw.OnDisconnect(newFakeConn("ghost")) })
}

func TestReleasedHandleCannotRejoin(t *testing.T) {
	gw, reg := newTestGateway()
	h := newFakeConn("h")
	join(t, gw, "A", h)
	gw.Release(h)
	require.Zero(t, gw.Len())

	require.NoError(t, gw.OnConnect("A", h))
	assert.False(t, reg.IsOnline("A"))
	assert.Zero(t, gw.Len())
	assert.Equal(t, StateClosed, gw.State(h))

	// 没关闭的新连接仍可直接 join
	h2 := newFakeConn("h2")
	require.NoError(t, gw.OnConnect("A", h2))
	assert.True(t, reg.IsOnline("A"))
}

func TestOutboundFailureDeregisters(t *testing.T) {
	gw, reg := newTestGateway()
	good, bad, hb := newFakeConn("good"), newFakeConn("bad"), newFakeConn("hb")
	join(t, gw, "A", good)
	join(t, gw, "A", bad)
	join(t, gw, "B", hb)
	bad.mu.Lock()
	bad.broken = true
	bad.mu.Unlock()

	res, err := gw.OnInboundMessage(context.Background(), hb, []byte(`{"type":"send","recipientId":"A","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	assert.Equal(t, StateClosed, gw.State(bad))
	assert.True(t, bad.IsClosed())
	conns := reg.ConnectionsFor("A")
	require.Len(t, conns, 1)
	assert.Equal(t, "good", conns[0].ID())
}

func TestJoinRules(t *testing.T) {
	gw, reg := newTestGateway()
	h := newFakeConn("h")
	gw.Accept(h, "alice")

	err := gw.OnConnect("mallory", h)
	assert.True(t, errs.ErrMalformedEvent.Is(err))
	assert.False(t, reg.IsOnline("mallory"))

	require.NoError(t, gw.OnConnect("alice", h))
	require.NoError(t, gw.OnConnect("alice", h))
	assert.Len(t, reg.ConnectionsFor("alice"), 1)

	user, ok := gw.UserOf(h)
	assert.True(t, ok)
	assert.Equal(t, "alice", user)

	// 已绑定的连接不能换人
	h2 := newFakeConn("h2")
	join(t, gw, "bob", h2)
	err = gw.OnConnect("carol", h2)
	assert.True(t, errs.ErrMalformedEvent.Is(err))
}

func TestShutdownClosesEverything(t *testing.T) {
	gw, reg := newTestGateway()
	h1, h2 := newFakeConn("h1"), newFakeConn("h2")
	join(t, gw, "A", h1)
	join(t, gw, "B", h2)

	gw.Shutdown()
	assert.Equal(t, 0, reg.Len())
	assert.True(t, h1.IsClosed())
	assert.True(t, h2.IsClosed())
}
