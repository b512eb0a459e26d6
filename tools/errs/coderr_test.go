package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapMsgKeepsCode(t *testing.T) {
	err := ErrHandleStale.WrapMsg("push timeout", "conn", "c-1")
	require.Error(t, err)

	assert.True(t, ErrHandleStale.Is(err))
	assert.True(t, errors.Is(err, &ErrHandleStale))
	assert.False(t, ErrMalformedEvent.Is(err))
	assert.Equal(t, HandleStaleCode, Code(err))
	assert.Contains(t, err.Error(), "HandleStale")
	assert.Contains(t, err.Error(), "conn=c-1")

	// 哨兵本身不被修改
	assert.Empty(t, ErrHandleStale.Detail)
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("route: %w", ErrMalformedEvent.Wrap())
	assert.True(t, ErrMalformedEvent.Is(err))
	assert.Equal(t, MalformedEventCode, Code(err))
	assert.Equal(t, 0, Code(errors.New("plain")))
}

func TestCodeRelation(t *testing.T) {
	// NotJoined 注册为 MalformedEvent 的子码
	err := ErrNotJoined.WrapMsg("send before join")
	assert.True(t, ErrMalformedEvent.Is(err))
	assert.False(t, ErrNotJoined.Is(ErrMalformedEvent.Wrap()))

	rel := newCodeRelation()
	assert.Error(t, rel.Add(1))
	require.NoError(t, rel.Add(1, 2, 3))
	assert.True(t, rel.Is(1, 3))
	assert.True(t, rel.Is(2, 3))
	assert.False(t, rel.Is(3, 1))
}

func TestWithDetail(t *testing.T) {
	e := ErrArgs.WithDetail("userId")
	e2 := e.WithDetail("recipientId")
	assert.Equal(t, "userId, recipientId", e2.Detail)
	assert.Equal(t, "1000 ArgsError userId, recipientId", e2.Error())
}

func TestErrPanic(t *testing.T) {
	assert.Nil(t, ErrPanic(nil))
	err := ErrPanic("boom")
	assert.Equal(t, ServerInternalError, Code(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil))
	assert.Nil(t, WrapMsg(nil, "x"))
	assert.EqualError(t, New("bad", "k", 1, "dangling"), "bad, k=1, dangling=MISSING")
}
