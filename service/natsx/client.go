package natsx

import (
	"strings"
	"time"

	"PPRelay/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config 客户端配置
type Config struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Servers       []string      `mapstructure:"servers" yaml:"servers"`
	Name          string        `mapstructure:"name" yaml:"name"`
	User          string        `mapstructure:"user" yaml:"user"`
	Password      string        `mapstructure:"password" yaml:"password"`
	Subject       string        `mapstructure:"subject" yaml:"subject"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Client 只用 Core NATS：presence 事件不需要持久化
type Client struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewClient 连接 NATS，断线后无限重连
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("nats servers missing")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", cfg.Servers)
	}
	return &Client{nc: nc, log: log}, nil
}

// Publish 发送一条 Core 消息，hdr 可为空
func (c *Client) Publish(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "nats publish", "subject", subject)
	}
	return nil
}

// Subscribe 订阅 subject；queue 非空时同组分摊。返回值用于退订
func (c *Client) Subscribe(subject, queue string, fn func(msg *nats.Msg)) (func() error, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.nc.QueueSubscribe(subject, queue, fn)
	} else {
		sub, err = c.nc.Subscribe(subject, fn)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "nats subscribe", "subject", subject, "queue", queue)
	}
	return sub.Unsubscribe, nil
}

// Close 优雅关闭，先把缓冲区里的消息刷出去
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}
