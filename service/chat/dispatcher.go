package chat

import (
	"context"

	"PPRelay/service/relay"
	"PPRelay/tools/errs"
)

// Handler 处理一种入站事件
type Handler func(ctx context.Context, c Conn, ev *Event) (relay.DeliveryResult, error)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(eventType string, h Handler) { d.handlers[eventType] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, c Conn, ev *Event) (relay.DeliveryResult, error) {
	h, ok := d.handlers[ev.Type]
	if !ok {
		return relay.DeliveryResult{}, errs.ErrMalformedEvent.WrapMsg("no handler", "type", ev.Type)
	}
	return h(ctx, c, ev)
}
