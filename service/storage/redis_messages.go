package storage

import (
	"context"
	"time"

	"PPRelay/service/relay"
	"PPRelay/tools/errs"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 离线队列：每个用户一个 List

type OfflineMsg struct {
	From           string    `json:"from"`
	To             string    `json:"to"`
	Text           string    `json:"text,omitempty"`
	Image          string    `json:"image,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func offlineKey(user string) string { return "im:offline:" + user }

const (
	defaultOfflineKeep  = 10000
	defaultOfflineBatch = 100
)

// OfflineQueue 收件人不在线时的消息暂存；新消息 LPUSH 到表头
type OfflineQueue struct {
	rdb   redis.UniversalClient
	keep  int64 // 每个用户最多保留的条数
	batch int64 // 单次 Drain 取出的条数
	ttl   time.Duration
	log   *zap.Logger
}

func NewOfflineQueue(rdb redis.UniversalClient, keep, batch int, ttl time.Duration) *OfflineQueue {
	if keep <= 0 {
		keep = defaultOfflineKeep
	}
	if batch <= 0 {
		batch = defaultOfflineBatch
	}
	return &OfflineQueue{rdb: rdb, keep: int64(keep), batch: int64(batch), ttl: ttl, log: zap.NewNop()}
}

func (q *OfflineQueue) WithLogger(l *zap.Logger) *OfflineQueue {
	if l != nil {
		q.log = l
	}
	return q
}

// Enqueue 写入收件人的离线队列，只保留最近 keep 条
func (q *OfflineQueue) Enqueue(ctx context.Context, env relay.Envelope) error {
	b, err := json.Marshal(OfflineMsg{
		From:           env.SenderID,
		To:             env.RecipientID,
		Text:           env.Text,
		Image:          env.Image,
		ConversationID: env.ConversationID,
		CreatedAt:      env.CreatedAt,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	key := offlineKey(env.RecipientID)
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, q.keep-1)
	if q.ttl > 0 {
		pipe.Expire(ctx, key, q.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "enqueue offline", "to", env.RecipientID)
	}
	return nil
}

// Fetch 取出并删除最老的至多 n 条，按时间正序返回
func (q *OfflineQueue) Fetch(ctx context.Context, user string, n int64) ([]OfflineMsg, error) {
	msgs, _, err := q.fetch(ctx, user, n)
	return msgs, err
}

// fetch 额外返回从 redis 取出的原始条数，解不开的条目记日志后跳过
func (q *OfflineQueue) fetch(ctx context.Context, user string, n int64) ([]OfflineMsg, int64, error) {
	if n <= 0 {
		n = q.batch
	}
	key := offlineKey(user)

	// 表尾是最老的：取 [-n, -1]，再把剩下的 [0, -n-1] 留住
	var rng *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, -n, -1)
		pipe.LTrim(ctx, key, 0, -n-1)
		return nil
	})
	if err != nil {
		return nil, 0, errs.WrapMsg(err, "fetch offline", "user", user)
	}
	vals := rng.Val()

	out := make([]OfflineMsg, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var m OfflineMsg
		if err := json.Unmarshal([]byte(vals[i]), &m); err != nil {
			q.log.Warn("skip corrupt offline entry", zap.String("user", user), zap.Int("len", len(vals[i])), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, int64(len(vals)), nil
}

// Drain 取出 user 的全部离线消息；按原始条数判断是否取完
func (q *OfflineQueue) Drain(ctx context.Context, user string) ([]relay.Envelope, error) {
	var out []relay.Envelope
	for {
		msgs, raw, err := q.fetch(ctx, user, q.batch)
		if err != nil {
			return out, err
		}
		for _, m := range msgs {
			out = append(out, relay.Envelope{
				SenderID:       m.From,
				RecipientID:    user,
				ConversationID: m.ConversationID,
				Text:           m.Text,
				Image:          m.Image,
				Kind:           relay.KindMessage,
				CreatedAt:      m.CreatedAt,
			})
		}
		if raw < q.batch {
			return out, nil
		}
	}
}

func (q *OfflineQueue) Len(ctx context.Context, user string) (int64, error) {
	return q.rdb.LLen(ctx, offlineKey(user)).Result()
}
