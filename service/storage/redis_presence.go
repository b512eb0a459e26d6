package storage

import (
	"context"
	"sync"
	"time"

	"PPRelay/service/presence"
	"PPRelay/tools/errs"
	"PPRelay/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presence key: im:presence:<user>
// Value: gateway_id, TTL controls the online validity period
func presenceKey(user string) string { return "im:presence:" + user }

// 只删除属于本网关的 key，用户可能已经在别的网关上线
const luaDelIfOwner = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

var delIfOwner = redis.NewScript(luaDelIfOwner)

// OnlineSource 刷新 TTL 时的在线用户来源
type OnlineSource interface {
	SnapshotOnlineUsers() []string
}

// PresenceMirror 把本网关的在线状态镜像到 redis，供其他服务查询。
// OnChange 在 registry 锁内调用，只入队；redis 读写都在自己的协程里。
type PresenceMirror struct {
	rdb       redis.UniversalClient
	src       OnlineSource
	gatewayID string
	ttl       time.Duration

	queue    chan presence.Change
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *zap.Logger
}

func NewPresenceMirror(rdb redis.UniversalClient, src OnlineSource, gatewayID string, ttl time.Duration, queue int, log *zap.Logger) *PresenceMirror {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	if queue <= 0 {
		queue = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceMirror{
		rdb:       rdb,
		src:       src,
		gatewayID: gatewayID,
		ttl:       ttl,
		queue:     make(chan presence.Change, queue),
		stop:      make(chan struct{}),
		log:       log,
	}
}

func (p *PresenceMirror) OnChange(ch presence.Change) {
	select {
	case p.queue <- ch:
	default:
		p.log.Warn("presence mirror queue full, drop", zap.String("user", ch.UserID), zap.Stringer("status", ch.Status))
	}
}

func (p *PresenceMirror) Start() {
	p.wg.Add(1)
	safe.Go("presence-mirror", func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case ch := <-p.queue:
				if err := p.apply(context.Background(), ch); err != nil {
					p.log.Warn("presence mirror write failed", zap.String("user", ch.UserID), zap.Error(err))
				}
			case <-ticker.C:
				if err := p.Refresh(context.Background()); err != nil {
					p.log.Warn("presence mirror refresh failed", zap.Error(err))
				}
			}
		}
	})
}

func (p *PresenceMirror) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
}

func (p *PresenceMirror) apply(ctx context.Context, ch presence.Change) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ch.Status == presence.Online {
		return p.rdb.Set(ctx, presenceKey(ch.UserID), p.gatewayID, p.ttl).Err()
	}
	return delIfOwner.Run(ctx, p.rdb, []string{presenceKey(ch.UserID)}, p.gatewayID).Err()
}

// Refresh 为所有在线用户续期
func (p *PresenceMirror) Refresh(ctx context.Context) error {
	users := p.src.SnapshotOnlineUsers()
	if len(users) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pipe := p.rdb.Pipeline()
	for _, u := range users {
		pipe.Set(ctx, presenceKey(u), p.gatewayID, p.ttl)
	}
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

// Lookup 查询用户在哪个网关在线
func (p *PresenceMirror) Lookup(ctx context.Context, user string) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(err)
	}
	return val, true, nil
}
