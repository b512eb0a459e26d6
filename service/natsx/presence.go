package natsx

import (
	"sync"
	"time"

	"PPRelay/service/presence"
	"PPRelay/tools/errs"
	"PPRelay/tools/safe"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Publisher interface {
	Publish(subject string, data []byte, hdr map[string]string) error
}

// PresenceEvent 对外发布的上下线事件
type PresenceEvent struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
	GatewayID string    `json:"gatewayId"`
}

// DecodePresenceEvent 解析其他网关发布的事件
func DecodePresenceEvent(data []byte) (PresenceEvent, error) {
	var ev PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, errs.ErrArgs.WrapMsg("bad presence event: " + err.Error())
	}
	if ev.UserID == "" || (ev.Status != "online" && ev.Status != "offline") {
		return ev, errs.ErrArgs.WrapMsg("incomplete presence event", "user", ev.UserID, "status", ev.Status)
	}
	return ev, nil
}

// PresencePublisher 把 registry 的状态变化发布到 NATS。
// OnChange 在 registry 锁内调用，只入队，队列满直接丢弃。
type PresencePublisher struct {
	pub       Publisher
	subject   string
	gatewayID string

	queue    chan presence.Change
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *zap.Logger
}

func NewPresencePublisher(pub Publisher, subject, gatewayID string, queue int, log *zap.Logger) *PresencePublisher {
	if subject == "" {
		subject = "im.presence"
	}
	if queue <= 0 {
		queue = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PresencePublisher{
		pub:       pub,
		subject:   subject,
		gatewayID: gatewayID,
		queue:     make(chan presence.Change, queue),
		stop:      make(chan struct{}),
		log:       log,
	}
}

func (p *PresencePublisher) OnChange(ch presence.Change) {
	select {
	case p.queue <- ch:
	default:
		p.log.Warn("presence publish queue full, drop", zap.String("user", ch.UserID), zap.Stringer("status", ch.Status))
	}
}

func (p *PresencePublisher) Start() {
	p.wg.Add(1)
	safe.Go("presence-publisher", func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stop:
				p.flush()
				return
			case ch := <-p.queue:
				p.publish(ch)
			}
		}
	})
}

// flush 退出前把已入队的事件发完
func (p *PresencePublisher) flush() {
	for {
		select {
		case ch := <-p.queue:
			p.publish(ch)
		default:
			return
		}
	}
}

func (p *PresencePublisher) publish(ch presence.Change) {
	b, err := json.Marshal(PresenceEvent{
		UserID:    ch.UserID,
		Status:    ch.Status.String(),
		At:        ch.At,
		GatewayID: p.gatewayID,
	})
	if err != nil {
		return
	}
	if err := p.pub.Publish(p.subject, b, map[string]string{"gateway": p.gatewayID}); err != nil {
		p.log.Warn("presence publish failed", zap.String("user", ch.UserID), zap.Error(err))
	}
}

func (p *PresencePublisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
}
