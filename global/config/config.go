package config

import (
	"os"
	"strings"
	"time"

	"PPRelay/logger"
	"PPRelay/service/chat"
	"PPRelay/service/kafka"
	"PPRelay/service/natsx"
	redisx "PPRelay/service/storage/redis"
	"PPRelay/tools"
	"PPRelay/tools/errs"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// 离线消息落地方式
const (
	SinkNone  = "none"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

type RelayConfig struct {
	PushTimeout time.Duration `mapstructure:"push_timeout" yaml:"push_timeout"`
	Parallelism int           `mapstructure:"parallelism" yaml:"parallelism"`
}

type BroadcastConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

type AuthConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Secret  string        `mapstructure:"secret" yaml:"secret"`
	Alg     string        `mapstructure:"alg" yaml:"alg"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type OfflineConfig struct {
	Sink    string        `mapstructure:"sink" yaml:"sink"` // none / redis / kafka
	Keep    int           `mapstructure:"keep" yaml:"keep"`
	Batch   int           `mapstructure:"batch" yaml:"batch"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type RedisConfig struct {
	redisx.Config `mapstructure:",squash" yaml:",inline"`
	PresenceTTL   time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
	Mirror        bool          `mapstructure:"mirror" yaml:"mirror"` // 是否把在线状态镜像到 redis
}

// AppConfig 网关进程的全部配置
type AppConfig struct {
	GatewayID      string   `mapstructure:"gateway_id" yaml:"gateway_id"`
	NodeID         int64    `mapstructure:"node_id" yaml:"node_id"` // 雪花算法节点号 0~1023
	HTTPAddr       string   `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr       string   `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	WSPath         string   `mapstructure:"ws_path" yaml:"ws_path"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	Log       logger.Config   `mapstructure:"log" yaml:"log"`
	WS        chat.ConnConfig `mapstructure:"ws" yaml:"ws"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Offline   OfflineConfig   `mapstructure:"offline" yaml:"offline"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Kafka     kafka.Config    `mapstructure:"kafka" yaml:"kafka"`
	NATS      natsx.Config    `mapstructure:"nats" yaml:"nats"`
}

func Default() AppConfig {
	return AppConfig{
		NodeID:   1,
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		WSPath:   "/chat",
		Log:      logger.Config{Level: "info", MaxSizeMB: 100, MaxBackups: 7, MaxAgeDays: 14},
		WS:       chat.DefaultConnConfig(),
		Relay:    RelayConfig{PushTimeout: 2 * time.Second, Parallelism: 16},
		Broadcast: BroadcastConfig{
			Workers: 64,
		},
		Auth: AuthConfig{Alg: "HS256", TTL: 2 * time.Hour},
		Offline: OfflineConfig{
			Sink:    SinkNone,
			Keep:    200,
			Batch:   100,
			TTL:     7 * 24 * time.Hour,
			Timeout: 2 * time.Second,
		},
		Redis: RedisConfig{
			Config:      redisx.Config{Addr: "127.0.0.1:6379", PoolSize: 50},
			PresenceTTL: 90 * time.Second,
		},
		Kafka: kafka.DefaultConfig(),
		NATS: natsx.Config{
			Servers: []string{"nats://127.0.0.1:4222"},
			Name:    "pprelay",
			Subject: "im.presence",
		},
	}
}

// Load 读取 yaml 文件（path 为空则只用默认值），再叠加环境变量
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := decode(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decode 先解到 map 再走 mapstructure，"3s" 这类字符串能直接转成 Duration
func decode(raw []byte, out *AppConfig) error {
	var m map[string]interface{}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return errs.ErrArgs.WrapMsg("bad yaml: " + err.Error())
	}
	if len(m) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return errs.Wrap(err)
	}
	if err := dec.Decode(m); err != nil {
		return errs.ErrArgs.WrapMsg("bad config: " + err.Error())
	}
	return nil
}

func applyEnv(c *AppConfig) {
	c.GatewayID = tools.GetEnv("GATEWAY_ID", c.GatewayID)
	c.HTTPAddr = tools.GetEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = tools.GetEnv("GRPC_ADDR", c.GRPCAddr)
	c.NodeID = int64(tools.GetEnvInt("NODE_ID", int(c.NodeID)))
	c.Log.Level = tools.GetEnv("LOG_LEVEL", c.Log.Level)
	c.Offline.Sink = tools.GetEnv("OFFLINE_SINK", c.Offline.Sink)

	if s := tools.GetEnv("JWT_SECRET", ""); s != "" {
		c.Auth.Secret = s
		c.Auth.Enabled = true
	}
	c.Auth.Enabled = tools.GetEnvBool("AUTH_ENABLED", c.Auth.Enabled)

	if addr := tools.GetEnv("REDIS_ADDR", ""); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	c.Redis.Password = tools.GetEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Kafka.Brokers = tools.GetEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	if servers := tools.GetEnvList("NATS_SERVERS", nil); len(servers) > 0 {
		c.NATS.Servers = servers
		c.NATS.Enabled = true
	}
}

// Validate 只检查组合是否自洽，连接类错误留到启动时
func (c *AppConfig) Validate() error {
	if c.HTTPAddr == "" {
		return errs.ErrArgs.WrapMsg("http_addr is empty")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return errs.ErrArgs.WrapMsg("node_id out of range", "node_id", c.NodeID)
	}
	if c.Relay.PushTimeout <= 0 {
		return errs.ErrArgs.WrapMsg("relay.push_timeout must be positive")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return errs.ErrArgs.WrapMsg("auth enabled but secret is empty")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	c.Offline.Sink = strings.ToLower(strings.TrimSpace(c.Offline.Sink))
	switch c.Offline.Sink {
	case "", SinkNone:
		c.Offline.Sink = SinkNone
	case SinkRedis:
		if !c.Redis.Enabled {
			return errs.ErrArgs.WrapMsg("offline sink redis requires redis.enabled")
		}
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return errs.ErrArgs.WrapMsg("offline sink kafka requires brokers and topic")
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown offline sink", "sink", c.Offline.Sink)
	}
	if c.Redis.Mirror && !c.Redis.Enabled {
		return errs.ErrArgs.WrapMsg("redis.mirror requires redis.enabled")
	}
	if c.NATS.Enabled && len(c.NATS.Servers) == 0 {
		return errs.ErrArgs.WrapMsg("nats enabled but servers empty")
	}
	return nil
}
