package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quickconnect/server/internal/config"
	"quickconnect/server/internal/gateway"
	"quickconnect/server/internal/hub"
	"quickconnect/server/internal/logger"
	"quickconnect/server/internal/matchmaker"
	"quickconnect/server/internal/room"
	"quickconnect/server/internal/server"
	"quickconnect/server/internal/sfu"
	"quickconnect/server/internal/store"
)

const shutdownTimeout = 15 * time.Second

var errGatewayLost = errors.New("gateway connection lost")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "quickconnect:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = config.Default()
	}
	var iceServers string

	cmd := &cobra.Command{
		Use:   "quickconnect",
		Short: "Pair waiting participants into two-person video rooms on a Janus gateway",
		Long: `quickconnect queues browsers that want to talk to a stranger, pairs them
oldest-first through a Redis queue shared by every instance, and sets up a
two-publisher videoroom on a Janus gateway for each pair, relaying SDP and
ICE between the browsers and the gateway.

Settings come from flags, then the environment (a .env file is read if
present), then defaults.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			if cmd.Flags().Changed("ice-servers") {
				cfg.ICEServers = config.ParseICEServers(iceServers, os.Getenv("RTC_ICE_USERNAME"), os.Getenv("RTC_ICE_CREDENTIAL"))
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	f.StringVar(&cfg.JanusURL, "janus-url", cfg.JanusURL, "Janus WebSocket URL")
	f.DurationVar(&cfg.RequestTimeout, "janus-timeout", cfg.RequestTimeout, "deadline of each gateway request")
	f.DurationVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "gateway session keepalive period (0 disables)")
	f.StringVar(&cfg.RedisHost, "redis-host", cfg.RedisHost, "Redis host")
	f.IntVar(&cfg.RedisPort, "redis-port", cfg.RedisPort, "Redis port")
	f.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	f.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	f.StringVar(&cfg.KeyPrefix, "key-prefix", cfg.KeyPrefix, "prefix of every Redis key")
	f.StringVar(&iceServers, "ice-servers", "", "comma-separated ICE server URLs advertised to browsers")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	st := store.New(rdb, cfg.KeyPrefix)
	if err := st.Ping(ctx); err != nil {
		return err
	}

	conn := gateway.New(cfg.JanusURL, log, gateway.WithRequestTimeout(cfg.RequestTimeout))
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect gateway: %w", err)
	}
	defer conn.Close()

	h := hub.New(log)
	rooms := room.New(st, h, conn, log,
		room.WithICEServers(cfg.ICEServers),
		room.WithSessionOptions(sfu.WithKeepAlive(cfg.KeepAliveInterval)))
	mm := matchmaker.New(st, h, rooms, log)
	rooms.SetQueue(mm)
	h.SetHandler(room.NewHandler(ctx, rooms, mm, log))

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.Routes(h, log, map[string]server.Check{
			"gateway": func(context.Context) error {
				if !conn.Ready() {
					return gateway.ErrNotReady
				}
				return nil
			},
			"store": st.Ping,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		mm.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("gateway", cfg.JanusURL))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
		case <-conn.Done():
			cause = errGatewayLost
			log.Error("gateway connection lost, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		if err := h.Shutdown(shutdownCtx); err != nil {
			log.Warn("participants still disconnecting", zap.Error(err))
		}
		return cause
	})

	err = g.Wait()
	log.Info("stopped")
	return err
}
