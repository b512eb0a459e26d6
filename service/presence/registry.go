// Package presence tracks which users currently hold at least one live
// connection on this gateway.
package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Handle is a non-owning reference to one live client connection.
// The registry never closes a handle; the gateway owns it.
type Handle interface {
	ID() string
	Push(ctx context.Context, payload []byte) error
}

type Status int

const (
	Offline Status = iota
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Change is emitted once per online/offline transition.
// Online is the sorted set of online users right after the transition.
type Change struct {
	UserID string
	Status Status
	At     time.Time
	Online []string
}

// Subscriber is called with the registry lock held: it must only enqueue
// and must never call back into the registry.
type Subscriber func(Change)

// Info is a copy of one user's presence record.
type Info struct {
	UserID      string    `json:"userId"`
	Connections int       `json:"connections"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

type userPresence struct {
	userID     string
	conns      map[string]Handle // conn_id -> handle
	lastSeenAt time.Time
}

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*userPresence // user -> presence，集合为空即删除

	subs    map[uint64]Subscriber
	nextSub uint64

	clock func() time.Time
	log   *zap.Logger
}

type Option func(*Registry)

func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byUser: make(map[string]*userPresence),
		subs:   make(map[uint64]Subscriber),
		clock:  time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for presence changes and returns its cancel func.
func (r *Registry) Subscribe(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Register adds h to userID's connection set. It reports whether the user
// just came online; re-registering a present handle only refreshes lastSeenAt.
func (r *Registry) Register(userID string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.byUser[userID]
	cameOnline := p == nil
	if cameOnline {
		p = &userPresence{userID: userID, conns: make(map[string]Handle)}
		r.byUser[userID] = p
	}
	p.conns[h.ID()] = h
	p.lastSeenAt = now

	if cameOnline {
		r.log.Debug("user online", zap.String("user", userID), zap.String("conn", h.ID()))
		r.emitLocked(Change{UserID: userID, Status: Online, At: now})
	}
	return cameOnline
}

// Deregister removes h from userID's set and reports whether the user went
// offline. Unknown users or handles are a no-op: disconnect races are normal.
func (r *Registry) Deregister(userID string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.byUser[userID]
	if p == nil {
		r.log.Debug("deregister unknown user", zap.String("user", userID), zap.String("conn", h.ID()))
		return false
	}
	if _, ok := p.conns[h.ID()]; !ok {
		r.log.Debug("deregister unknown conn", zap.String("user", userID), zap.String("conn", h.ID()))
		return false
	}
	delete(p.conns, h.ID())
	p.lastSeenAt = now
	if len(p.conns) > 0 {
		return false
	}

	delete(r.byUser, userID)
	r.log.Debug("user offline", zap.String("user", userID))
	r.emitLocked(Change{UserID: userID, Status: Offline, At: now})
	return true
}

func (r *Registry) emitLocked(ch Change) {
	if len(r.subs) == 0 {
		return
	}
	ch.Online = r.onlineLocked()
	for _, fn := range r.subs {
		fn(ch)
	}
}

func (r *Registry) onlineLocked() []string {
	users := lo.Keys(r.byUser)
	slices.Sort(users)
	return users
}

// ConnectionsFor returns a copy of userID's handles; nil when offline.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.byUser[userID]
	if p == nil {
		return nil
	}
	return lo.Values(p.conns)
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// SnapshotOnlineUsers returns the sorted online user ids at one point in time.
func (r *Registry) SnapshotOnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// Presence returns a copy of userID's record.
func (r *Registry) Presence(userID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.byUser[userID]
	if p == nil {
		return Info{UserID: userID}, false
	}
	return Info{UserID: userID, Connections: len(p.conns), LastSeenAt: p.lastSeenAt}, true
}

// AllConnections flattens every live handle; used as the broadcast target list.
func (r *Registry) AllConnections() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.byUser))
	for _, p := range r.byUser {
		for _, h := range p.conns {
			out = append(out, h)
		}
	}
	return out
}

// Len 在线用户数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
