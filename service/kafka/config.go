package kafka

import (
	"strings"
	"time"

	"PPRelay/tools/errs"

	"github.com/Shopify/sarama"
)

// Config 离线消息投递到 kafka 的配置
type Config struct {
	Brokers           []string `mapstructure:"brokers" yaml:"brokers"`
	Topic             string   `mapstructure:"topic" yaml:"topic"`
	Partitions        int32    `mapstructure:"partitions" yaml:"partitions"`                 // Demo: 8；生产：512~1024
	ReplicationFactor int16    `mapstructure:"replication_factor" yaml:"replication_factor"` // 单机=1；生产=3
	Retries           int      `mapstructure:"retries" yaml:"retries"`
	Compression       string   `mapstructure:"compression" yaml:"compression"` // none/snappy/lz4/zstd
	Version           string   `mapstructure:"version" yaml:"version"`
	EnsureTopic       bool     `mapstructure:"ensure_topic" yaml:"ensure_topic"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"127.0.0.1:9092"},
		Topic:             "im.offline",
		Partitions:        8,
		ReplicationFactor: 1,
		Retries:           5,
		Compression:       "snappy",
		Version:           sarama.V2_1_0_0.String(),
		EnsureTopic:       true,
	}
}

// BuildSaramaConfig 同步生产者配置：key 决定分区，同一收件人的消息保持有序
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, errs.ErrArgs.WrapMsg("bad kafka version", "version", c.Version)
		}
		cfg.Version = v
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	if c.Retries <= 0 {
		c.Retries = 1
	}
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		cfg.Producer.Compression = sarama.CompressionNone
	default:
		return nil, errs.ErrArgs.WrapMsg("unknown compression", "compression", c.Compression)
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(err)
	}
	return cfg, nil
}
