package chat

import (
	"strings"
	"time"

	"PPRelay/tools/errs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 事件类型
const (
	EventJoin           = "join"
	EventSend           = "send"
	EventSendMessage    = "sendMessage" // 旧客户端的 send
	EventTyping         = "typing"
	EventOnlineUsers    = "onlineUsers"
	EventReceiveMessage = "receiveMessage"
)

// Event 入站帧，所有类型共用一个结构
type Event struct {
	Type           string `json:"type"`
	UserID         string `json:"userId,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	RecipientID    string `json:"recipientId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Text           string `json:"text,omitempty"`
	Image          string `json:"image,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// To 收件人，兼容 receiverId
func (e *Event) To() string {
	if e.RecipientID != "" {
		return e.RecipientID
	}
	return e.ReceiverID
}

// ParseEvent 解析并校验入站帧；任何缺字段都归为 MalformedEvent
func ParseEvent(raw []byte) (*Event, error) {
	if len(raw) == 0 {
		return nil, errs.ErrMalformedEvent.WrapMsg("empty frame")
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, errs.ErrMalformedEvent.WrapMsg("bad json", "err", err)
	}
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.SenderID = strings.TrimSpace(ev.SenderID)
	ev.RecipientID = strings.TrimSpace(ev.RecipientID)
	ev.ReceiverID = strings.TrimSpace(ev.ReceiverID)

	switch ev.Type {
	case EventJoin:
		if ev.UserID == "" {
			return nil, errs.ErrMalformedEvent.WrapMsg("join without userId")
		}
	case EventSend, EventSendMessage:
		ev.Type = EventSend
		if ev.To() == "" {
			return nil, errs.ErrMalformedEvent.WrapMsg("send without recipientId")
		}
		if ev.Text == "" && ev.Image == "" {
			return nil, errs.ErrMalformedEvent.WrapMsg("send without text or image", "to", ev.To())
		}
	case EventTyping:
		if ev.To() == "" {
			return nil, errs.ErrMalformedEvent.WrapMsg("typing without recipientId")
		}
	case "":
		return nil, errs.ErrMalformedEvent.WrapMsg("missing type")
	default:
		return nil, errs.ErrMalformedEvent.WrapMsg("unknown type", "type", ev.Type)
	}
	return ev, nil
}

type OnlineUsersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

type ReceiveMessageFrame struct {
	Type           string    `json:"type"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text,omitempty"`
	Image          string    `json:"image,omitempty"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

type TypingFrame struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

func BuildOnlineUsers(users []string) []byte {
	if users == nil {
		users = []string{}
	}
	b, _ := json.Marshal(OnlineUsersFrame{Type: EventOnlineUsers, Users: users})
	return b
}

func BuildReceiveMessage(senderID, text, image, conversationID string, createdAt time.Time) []byte {
	b, _ := json.Marshal(ReceiveMessageFrame{
		Type:           EventReceiveMessage,
		SenderID:       senderID,
		Text:           text,
		Image:          image,
		ConversationID: conversationID,
		CreatedAt:      createdAt.UTC(),
	})
	return b
}

func BuildTyping(senderID string) []byte {
	b, _ := json.Marshal(TypingFrame{Type: EventTyping, SenderID: senderID})
	return b
}
