package errs

// 通用错误码
const (
	ServerInternalError = 500
	ArgsError           = 1000
)

// 投递链路错误码
const (
	RecipientOfflineCode      = 1101 // 不是错误：收件人不在线，由调用方决定是否落离线
	HandleStaleCode           = 1102 // 推送目标已失效，触发主动下线
	MalformedEventCode        = 1103 // 入站事件缺字段/格式错误，丢弃但不断开连接
	RegistryInconsistencyCode = 1104 // 注销了不存在的连接，按无操作处理
	NotJoinedCode             = 1105 // 连接尚未 join 就发消息
	UnauthorizedCode          = 1106
)

var (
	ErrServerInternal        = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs                  = NewCodeError(ArgsError, "ArgsError")
	ErrRecipientOffline      = NewCodeError(RecipientOfflineCode, "RecipientOffline")
	ErrHandleStale           = NewCodeError(HandleStaleCode, "HandleStale")
	ErrMalformedEvent        = NewCodeError(MalformedEventCode, "MalformedEvent")
	ErrRegistryInconsistency = NewCodeError(RegistryInconsistencyCode, "RegistryInconsistency")
	ErrNotJoined             = NewCodeError(NotJoinedCode, "NotJoined")
	ErrUnauthorized          = NewCodeError(UnauthorizedCode, "Unauthorized")
)

func init() {
	// 未 join 的入站事件属于格式错误的一种
	_ = DefaultCodeRelation.Add(MalformedEventCode, NotJoinedCode)
}
