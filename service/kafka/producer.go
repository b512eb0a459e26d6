package kafka

import (
	"context"
	"time"

	"PPRelay/service/relay"
	"PPRelay/tools/errs"

	"github.com/Shopify/sarama"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OfflineRecord 写入 kafka 的离线消息，下游的历史/推送服务消费
type OfflineRecord struct {
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Text           string    `json:"text,omitempty"`
	Image          string    `json:"image,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	GatewayID      string    `json:"gatewayId"`
}

type OfflineProducer struct {
	client    sarama.Client // 由 NewOfflineProducer 创建时持有
	producer  sarama.SyncProducer
	topic     string
	gatewayID string
	log       *zap.Logger
}

// NewOfflineProducer 连接集群，按需建 topic，再创建同步生产者
func NewOfflineProducer(c Config, gatewayID string, log *zap.Logger) (*OfflineProducer, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errs.ErrArgs.WrapMsg("kafka brokers/topic required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	scfg, err := BuildSaramaConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, scfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client", "brokers", c.Brokers)
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		// admin 与 client 共用连接，这里不关闭 admin
		if err := EnsureTopic(admin, c.Topic, c.Partitions, c.ReplicationFactor, log); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka producer")
	}
	op := NewOfflineProducerWith(p, c.Topic, gatewayID, log)
	op.client = client
	return op, nil
}

func NewOfflineProducerWith(p sarama.SyncProducer, topic, gatewayID string, log *zap.Logger) *OfflineProducer {
	if log == nil {
		log = zap.NewNop()
	}
	return &OfflineProducer{producer: p, topic: topic, gatewayID: gatewayID, log: log}
}

// Enqueue 以收件人为 key 同步写入；sarama 同步接口不支持 ctx，只在发送前检查
func (o *OfflineProducer) Enqueue(ctx context.Context, env relay.Envelope) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err)
	}
	b, err := json.Marshal(OfflineRecord{
		SenderID:       env.SenderID,
		RecipientID:    env.RecipientID,
		Text:           env.Text,
		Image:          env.Image,
		ConversationID: env.ConversationID,
		CreatedAt:      env.CreatedAt,
		GatewayID:      o.gatewayID,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	partition, offset, err := o.producer.SendMessage(&sarama.ProducerMessage{
		Topic: o.topic,
		Key:   sarama.StringEncoder(env.RecipientID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return errs.WrapMsg(err, "kafka send", "topic", o.topic, "to", env.RecipientID)
	}
	o.log.Debug("offline queued", zap.String("to", env.RecipientID), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (o *OfflineProducer) Close() error {
	err := o.producer.Close()
	if o.client != nil && !o.client.Closed() {
		if cerr := o.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
