package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"PPRelay/global/config"
	midsec "PPRelay/middleware/security"
	"PPRelay/service/chat"
	"PPRelay/service/kafka"
	"PPRelay/service/metrics"
	"PPRelay/service/natsx"
	"PPRelay/service/presence"
	"PPRelay/service/relay"
	"PPRelay/service/storage"
	redisx "PPRelay/service/storage/redis"
	"PPRelay/tools/errs"
	"PPRelay/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "pprelay.Gateway"

// gatewayApp 持有一个网关进程的全部组件
type gatewayApp struct {
	cfg config.AppConfig
	log *zap.Logger
	m   *metrics.Metrics

	reg    *presence.Registry
	router *relay.Router
	gw     *chat.Gateway
	bc     *chat.Broadcaster
	server *chat.Server
	health *health.Server

	rdb     *redis.Client
	closers []func() // 逆序执行
}

func authOptions(cfg config.AppConfig) *midsec.Options {
	opts := midsec.DefaultOptions([]byte(cfg.Auth.Secret))
	if cfg.Auth.Alg != "" {
		opts.JWT.Alg = cfg.Auth.Alg
	}
	if cfg.Auth.TTL > 0 {
		opts.JWT.TTL = cfg.Auth.TTL
	}
	return opts
}

func newGatewayApp(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (_ *gatewayApp, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof)); err != nil {
		log.Warn("set GOMAXPROCS", zap.Error(err))
	}
	ids.SetNodeID(cfg.NodeID)
	if cfg.GatewayID == "" {
		cfg.GatewayID = "gw-" + uuid.NewString()[:8]
	}
	if log.Level() > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	log = log.With(zap.String("gateway", cfg.GatewayID))

	a := &gatewayApp{cfg: cfg, log: log, m: metrics.New(), health: health.NewServer()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.reg = presence.NewRegistry(presence.WithLogger(log.Named("presence")))
	a.router = relay.NewRouter(a.reg,
		relay.WithPushTimeout(cfg.Relay.PushTimeout),
		relay.WithParallelism(cfg.Relay.Parallelism),
		relay.WithLogger(log.Named("relay")),
		relay.WithMetrics(a.m),
	)

	if cfg.Redis.Enabled {
		a.rdb, err = redisx.NewClient(ctx, cfg.Redis.Config)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
	}

	gwOpts := []chat.GatewayOption{
		chat.WithGatewayLogger(log.Named("gateway")),
		chat.WithGatewayMetrics(a.m),
		chat.WithGatewayConfig(chat.GatewayConfig{
			PushTimeout:    cfg.Relay.PushTimeout,
			OfflineTimeout: cfg.Offline.Timeout,
		}),
	}
	sink, err := a.offlineSink()
	if err != nil {
		return nil, err
	}
	if sink != nil {
		gwOpts = append(gwOpts, chat.WithOfflineSink(sink))
	}
	a.gw = chat.NewGateway(a.reg, a.router, gwOpts...)
	// 推送失败的连接按断线处理
	a.router.SetFailureHook(a.gw.OnOutboundFailure)

	a.bc, err = chat.NewBroadcaster(a.reg, chat.BroadcasterConfig{
		Workers:     cfg.Broadcast.Workers,
		PushTimeout: cfg.Relay.PushTimeout,
	}, a.gw.OnOutboundFailure, log.Named("broadcast"), a.m)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	a.subscribe(a.bc.OnChange, a.bc.Start, a.bc.Stop)

	if cfg.Redis.Mirror {
		mirror := storage.NewPresenceMirror(a.rdb, a.reg, cfg.GatewayID, cfg.Redis.PresenceTTL, 0, log.Named("mirror"))
		a.subscribe(mirror.OnChange, mirror.Start, mirror.Stop)
	}

	if cfg.NATS.Enabled {
		cli, err := natsx.NewClient(cfg.NATS, log.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = cli.Close() })
		pub := natsx.NewPresencePublisher(cli, cfg.NATS.Subject, cfg.GatewayID, 0, log.Named("nats"))
		a.subscribe(pub.OnChange, pub.Start, pub.Stop)
	}

	var auth *midsec.Options
	if cfg.Auth.Enabled {
		auth = authOptions(cfg)
	}
	a.server = chat.NewServer(a.gw, a.reg, chat.ServerConfig{
		WSPath:         cfg.WSPath,
		Conn:           cfg.WS,
		Auth:           auth,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log.Named("http"), a.m)

	log.Info("gateway ready",
		zap.String("http", cfg.HTTPAddr),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("offline", cfg.Offline.Sink),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.Bool("redisMirror", cfg.Redis.Mirror),
		zap.Bool("nats", cfg.NATS.Enabled))
	return a, nil
}

// subscribe 挂到 registry 并启动；关闭时先退订再停
func (a *gatewayApp) subscribe(fn presence.Subscriber, start, stop func()) {
	unsub := a.reg.Subscribe(fn)
	start()
	a.closers = append(a.closers, func() {
		unsub()
		stop()
	})
}

func (a *gatewayApp) offlineSink() (chat.OfflineSink, error) {
	switch a.cfg.Offline.Sink {
	case config.SinkRedis:
		if a.rdb == nil {
			return nil, errs.ErrArgs.WrapMsg("offline sink redis requires redis")
		}
		q := storage.NewOfflineQueue(a.rdb, a.cfg.Offline.Keep, a.cfg.Offline.Batch, a.cfg.Offline.TTL)
		return q.WithLogger(a.log.Named("offline")), nil
	case config.SinkKafka:
		p, err := kafka.NewOfflineProducer(a.cfg.Kafka, a.cfg.GatewayID, a.log.Named("kafka"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := p.Close(); err != nil {
				a.log.Warn("close kafka producer", zap.Error(err))
			}
		})
		return p, nil
	default:
		return nil, nil
	}
}

// run 同时跑 HTTP 和 gRPC，ctx 取消后优雅退出
func (a *gatewayApp) run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return errs.WrapMsg(err, "http listen", "addr", a.cfg.HTTPAddr)
	}
	grpcLis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return errs.WrapMsg(err, "grpc listen", "addr", a.cfg.GRPCAddr)
	}

	httpSrv := &http.Server{Handler: a.server.Engine(), ReadHeaderTimeout: 10 * time.Second}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, a.health)
	a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("[HTTP] listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errs.WrapMsg(err, "http serve")
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info("[gRPC] listening", zap.String("addr", grpcLis.Addr().String()))
		if err := gs.Serve(grpcLis); err != nil {
			return errs.WrapMsg(err, "grpc serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		a.health.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		// websocket 连接已被 hijack，Shutdown 不管，这里逐个关闭
		a.gw.Shutdown()
		gs.GracefulStop()
		return errs.Wrap(err)
	})
	return g.Wait()
}

func (a *gatewayApp) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
