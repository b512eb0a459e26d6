package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPRelay/global/config"
	"PPRelay/logger"
	"PPRelay/service/natsx"
	jwtsec "PPRelay/tools/security"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// 构建时通过 ldflags 注入
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "pprelay",
	Short:         "PPRelay - websocket presence and message relay gateway",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("PPRelay version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to yaml config (env vars override)")

	tokenCmd.Flags().String("user", "", "user id to sign")
	tokenCmd.Flags().StringSlice("scope", nil, "optional scopes")
	_ = tokenCmd.MarkFlagRequired("user")

	watchCmd.Flags().String("queue", "", "queue group, empty for broadcast")

	rootCmd.AddCommand(serveCmd, tokenCmd, watchCmd)
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig() (config.AppConfig, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (HTTP/WebSocket + gRPC health)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext()
		defer stop()

		app, err := newGatewayApp(ctx, cfg, logger.Log)
		if err != nil {
			return err
		}
		defer app.close()
		return app.run(ctx)
	},
}

// tokenCmd 本地联调用：用配置里的密钥签一个 token
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a JWT for a user with the configured secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Secret == "" {
			return fmt.Errorf("auth.secret (or JWT_SECRET) is required")
		}
		user, _ := cmd.Flags().GetString("user")
		scopes, _ := cmd.Flags().GetStringSlice("scope")

		token, hash, exp, err := jwtsec.Generate(authOptions(cfg).JWT, user, scopes)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "token: %s\nhash:  %s\nexpires: %s\n", token, hash, exp.Format(time.RFC3339))
		return nil
	},
}

// watchCmd 订阅集群里所有网关发布的上下线事件并打印
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail presence events published on NATS",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Named("watch")

		cli, err := natsx.NewClient(cfg.NATS, log)
		if err != nil {
			return err
		}
		defer cli.Close()

		queue, _ := cmd.Flags().GetString("queue")
		unsub, err := cli.Subscribe(cfg.NATS.Subject, queue, func(msg *nats.Msg) {
			ev, err := natsx.DecodePresenceEvent(msg.Data)
			if err != nil {
				log.Warn("skip presence event", zap.Error(err))
				return
			}
			log.Info("presence",
				zap.String("user", ev.UserID),
				zap.String("status", ev.Status),
				zap.String("gateway", ev.GatewayID),
				zap.Time("at", ev.At))
		})
		if err != nil {
			return err
		}
		defer unsub()

		ctx, stop := signalContext()
		defer stop()
		log.Info("watching", zap.String("subject", cfg.NATS.Subject), zap.Strings("servers", cfg.NATS.Servers))
		<-ctx.Done()
		return nil
	},
}
