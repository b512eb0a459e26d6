// Package relay delivers one envelope to every live connection of its recipient.
package relay

import (
	"context"
	"time"

	"PPRelay/service/metrics"
	"PPRelay/service/presence"
	"PPRelay/tools/errs"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
)

// Envelope is one routed item. Payload is the already encoded outbound frame.
type Envelope struct {
	SenderID       string
	RecipientID    string
	ConversationID string
	Text           string
	Image          string
	Kind           Kind
	Payload        []byte
	CreatedAt      time.Time
}

type Status int

const (
	StatusOffline Status = iota
	StatusDelivered
)

func (s Status) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "offline"
}

// DeliveryResult: Delivered+Failed equals the number of handles tried.
type DeliveryResult struct {
	Status    Status
	Delivered int
	Failed    int
}

func (r DeliveryResult) Offline() bool { return r.Status == StatusOffline }

// Directory is the read side of the presence registry.
type Directory interface {
	ConnectionsFor(userID string) []presence.Handle
}

// FailureHook receives every handle whose push failed or timed out.
type FailureHook func(h presence.Handle, err error)

const (
	DefaultPushTimeout = 2 * time.Second
	defaultParallel    = 16
)

type Stats struct {
	Routed    int64
	Offline   int64
	Delivered int64
	Failed    int64
}

type Router struct {
	dir         Directory
	pushTimeout time.Duration
	parallel    int
	onFailure   FailureHook
	log         *zap.Logger
	m           *metrics.Metrics

	routed    atomic.Int64
	offline   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

type Option func(*Router)

func WithPushTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.pushTimeout = d
		}
	}
}

func WithParallelism(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.parallel = n
		}
	}
}

func WithFailureHook(fn FailureHook) Option {
	return func(r *Router) { r.onFailure = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.m = m }
}

func NewRouter(dir Directory, opts ...Option) *Router {
	r := &Router{
		dir:         dir,
		pushTimeout: DefaultPushTimeout,
		parallel:    defaultParallel,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetFailureHook installs the hook after construction; the gateway and the
// router reference each other.
func (r *Router) SetFailureHook(fn FailureHook) { r.onFailure = fn }

// Route pushes env to every connection the recipient holds right now.
// Pushes are independent: a slow or dead handle never blocks the others
// past the push timeout.
func (r *Router) Route(env Envelope) DeliveryResult {
	r.routed.Inc()
	handles := r.dir.ConnectionsFor(env.RecipientID)
	if len(handles) == 0 {
		r.offline.Inc()
		r.m.ObserveRoute(string(env.Kind), StatusOffline.String())
		return DeliveryResult{Status: StatusOffline}
	}

	errsByIdx := make([]error, len(handles))
	if len(handles) == 1 {
		errsByIdx[0] = r.push(handles[0], env.Payload)
	} else {
		var g errgroup.Group
		g.SetLimit(r.parallel)
		for i, h := range handles {
			i, h := i, h
			g.Go(func() error {
				errsByIdx[i] = r.push(h, env.Payload)
				return nil
			})
		}
		_ = g.Wait()
	}

	res := DeliveryResult{Status: StatusDelivered}
	for i, err := range errsByIdx {
		if err == nil {
			res.Delivered++
			continue
		}
		res.Failed++
		r.log.Debug("push failed",
			zap.String("to", env.RecipientID),
			zap.String("conn", handles[i].ID()),
			zap.Error(err))
		if r.onFailure != nil {
			r.onFailure(handles[i], err)
		}
	}
	r.delivered.Add(int64(res.Delivered))
	r.failed.Add(int64(res.Failed))
	r.m.ObserveRoute(string(env.Kind), StatusDelivered.String())
	return res
}

func (r *Router) push(h presence.Handle, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.pushTimeout)
	defer cancel()
	err := h.Push(ctx, payload)
	r.m.ObservePush(err == nil)
	if err == nil {
		return nil
	}
	if errs.ErrHandleStale.Is(err) {
		return err
	}
	return errs.ErrHandleStale.WrapMsg(err.Error(), "conn", h.ID())
}

func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Offline:   r.offline.Load(),
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
	}
}
