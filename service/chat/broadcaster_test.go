package chat

import (
	"sync"
	"testing"
	"time"

	"PPRelay/service/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func lastOnline(c *fakeConn) []any {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i]["type"] == "onlineUsers" {
			users, _ := frames[i]["users"].([]any)
			return users
		}
	}
	return nil
}

func TestBroadcastOnPresenceChange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := presence.NewRegistry()
	var (
		mu     sync.Mutex
		failed []string
	)
	b, err := NewBroadcaster(reg, BroadcasterConfig{Workers: 4, PushTimeout: 50 * time.Millisecond},
		func(h presence.Handle, _ error) {
			mu.Lock()
			failed = append(failed, h.ID())
			mu.Unlock()
		}, nil, nil)
	require.NoError(t, err)
	cancel := reg.Subscribe(b.OnChange)
	defer cancel()
	b.Start()
	defer b.Stop()

	ha, hb := newFakeConn("ha"), newFakeConn("hb")
	reg.Register("A", ha)
	require.Eventually(t, func() bool { return len(lastOnline(ha)) == 1 }, time.Second, 5*time.Millisecond)

	reg.Register("B", hb)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]any{"A", "B"}, lastOnline(ha)) &&
			assert.ObjectsAreEqual([]any{"A", "B"}, lastOnline(hb))
	}, time.Second, 5*time.Millisecond)

	_ = hb.Close()
	reg.Deregister("A", ha)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == "hb"
	}, time.Second, 5*time.Millisecond)
}

func TestOnChangeKeepsLatestSnapshot(t *testing.T) {
	b, err := NewBroadcaster(presence.NewRegistry(), BroadcasterConfig{Workers: 1}, nil, nil, nil)
	require.NoError(t, err)
	defer b.Stop()

	b.OnChange(presence.Change{UserID: "A", Status: presence.Online, Online: []string{"A"}})
	b.OnChange(presence.Change{UserID: "B", Status: presence.Online, Online: []string{"A", "B"}})
	b.OnChange(presence.Change{UserID: "A", Status: presence.Offline, Online: []string{"B"}})

	require.Len(t, b.pending, 1)
	assert.Equal(t, []string{"B"}, <-b.pending)
}

func TestBroadcastWithoutTargets(t *testing.T) {
	b, err := NewBroadcaster(presence.NewRegistry(), BroadcasterConfig{}, nil, nil, nil)
	require.NoError(t, err)
	defer b.Stop()
	assert.NotPanics(t, func() { b.Broadcast([]string{"A"}) })
}
