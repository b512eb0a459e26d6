package chat

import (
	"context"
	"sync"
	"time"

	"PPRelay/service/metrics"
	"PPRelay/service/presence"
	"PPRelay/tools/safe"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Targets 广播目标
type Targets interface {
	AllConnections() []presence.Handle
}

// Broadcaster 把 presence 变化推成 onlineUsers 帧。
// 只保留最新的一次快照：积压时旧快照直接被覆盖。
type Broadcaster struct {
	targets     Targets
	pool        *ants.Pool
	pending     chan []string
	pushTimeout time.Duration
	onFailure   func(presence.Handle, error)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	log *zap.Logger
	m   *metrics.Metrics
}

type BroadcasterConfig struct {
	Workers     int
	PushTimeout time.Duration
}

func NewBroadcaster(targets Targets, cfg BroadcasterConfig, onFailure func(presence.Handle, error), log *zap.Logger, m *metrics.Metrics) (*Broadcaster, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(r any) {
		log.Error("broadcast worker panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, err
	}
	return &Broadcaster{
		targets:     targets,
		pool:        pool,
		pending:     make(chan []string, 1),
		pushTimeout: cfg.PushTimeout,
		onFailure:   onFailure,
		stop:        make(chan struct{}),
		log:         log,
		m:           m,
	}, nil
}

// OnChange 是 registry 的订阅回调，在 registry 锁内执行，只做入队。
// registry 锁保证 OnChange 之间串行，先取后放不会互相覆盖。
func (b *Broadcaster) OnChange(ch presence.Change) {
	b.m.ObservePresence(ch.Status.String(), len(ch.Online))
	select {
	case <-b.pending:
	default:
	}
	select {
	case b.pending <- ch.Online:
	default:
	}
}

func (b *Broadcaster) Start() {
	b.wg.Add(1)
	safe.Go("presence-broadcaster", func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stop:
				return
			case users := <-b.pending:
				b.Broadcast(users)
			}
		}
	})
}

// Broadcast 把 users 推给当前所有连接，等全部推送结束后再处理失败的连接
func (b *Broadcaster) Broadcast(users []string) {
	conns := b.targets.AllConnections()
	if len(conns) == 0 {
		return
	}
	payload := BuildOnlineUsers(users)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []presence.Handle
		errsBy []error
	)
	push := func(h presence.Handle) {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.pushTimeout)
		defer cancel()
		if err := h.Push(ctx, payload); err != nil {
			mu.Lock()
			failed = append(failed, h)
			errsBy = append(errsBy, err)
			mu.Unlock()
		}
	}
	for _, h := range conns {
		wg.Add(1)
		h := h
		if err := b.pool.Submit(func() { push(h) }); err != nil {
			push(h)
		}
	}
	wg.Wait()
	b.m.IncBroadcast()

	for i, h := range failed {
		b.log.Debug("broadcast push failed", zap.String("conn", h.ID()), zap.Error(errsBy[i]))
		if b.onFailure != nil {
			b.onFailure(h, errsBy[i])
		}
	}
}

// Stop 停止循环并回收协程池
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		if err := b.pool.ReleaseTimeout(3 * time.Second); err != nil {
			b.log.Warn("release broadcast pool", zap.Error(err))
		}
	})
}
