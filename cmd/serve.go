package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/im-gateway/internal/config"
	"github.com/jmehdipour/im-gateway/internal/db"
	httpSrv "github.com/jmehdipour/im-gateway/internal/http"
	"github.com/jmehdipour/im-gateway/internal/kafka"
	"github.com/jmehdipour/im-gateway/internal/logger"
	"github.com/jmehdipour/im-gateway/internal/metrics"
	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/jmehdipour/im-gateway/internal/repository"
	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/jmehdipour/im-gateway/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP/websocket server, outbox engine and push consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer logger.Sync()
		log := logger.Log

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		var audit repository.AuditRepository
		if cfg.Outbox.Audit {
			chDB, err := db.OpenClickHouse(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			audit = repository.NewAuditRepository(chDB)
		}

		node := cfg.Session.Node
		if node == "" {
			node, _ = os.Hostname()
		}
		presenceTTL := cfg.Session.PresenceTTL
		if presenceTTL <= 0 && cfg.Session.HeartbeatTimeout > 0 {
			presenceTTL = 2 * cfg.Session.HeartbeatTimeout
		}
		presence := repository.NewPresenceRepository(redisClient, node, presenceTTL, log)
		registry := session.NewRegistry(session.Options{
			DeviceGroups: cfg.Session.DeviceGroups,
			KickNotice:   []byte(cfg.Session.KickNotice),
			Observer:     presence,
			Logger:       log,
		})

		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			Breaker:      kafka.NewBreaker(cfg.Breaker.FailThreshold, time.Duration(cfg.Breaker.OpenForMs)*time.Millisecond),
		}, log)

		opts := []outbox.Option{outbox.WithLogger(log)}
		if audit != nil {
			opts = append(opts, outbox.WithAuditor(audit))
		}
		ob := outbox.New(outboxConfig(cfg.Outbox), producer, repository.NewOutboxRepository(mysqlDB), opts...)
		producer.SetSink(ob)
		ob.Start()

		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.PushTopic,
			GroupID:        cfg.Kafka.GroupID + "-" + node,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()
		push := worker.NewPush(consumer, registry, log)

		deps := httpSrv.Deps{
			Outbox:   ob,
			Registry: registry,
			Tokens:   repository.NewTokenRepository(redisClient),
			Presence: presence,
			Redis:    redisClient,
			Logger:   log,
		}
		if audit != nil {
			deps.Events = audit
		}
		server := httpSrv.NewServer(cfg, deps)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Start(cfg.HTTP.Addr) })
		g.Go(func() error { return push.Run(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(sctx)
		})
		runErr := g.Wait()

		// flush in-flight publishes so their confirms reach the outbox before it stops
		if err := producer.Close(); err != nil {
			log.Warn("kafka producer close", zap.Error(err))
		}
		cctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := ob.Close(cctx); err != nil {
			log.Warn("outbox close", zap.Error(err))
		}

		st := ob.Stats()
		log.Info("stopped",
			zap.Int64("sent", st.Sent),
			zap.Int64("confirmed", st.Confirmed),
			zap.Int64("dead", st.Dead),
			zap.Float64("confirm_rate", st.ConfirmRate))
		return runErr
	},
}

func outboxConfig(c config.OutboxConfig) outbox.Config {
	return outbox.Config{
		MaxRetry:               c.MaxRetry,
		BaseRetryDelay:         c.BaseRetryDelay,
		ConfirmTimeout:         c.ConfirmTimeout,
		TimeoutScanInterval:    c.TimeoutScanInterval,
		RecoveryRescanInterval: c.RecoveryRescanInterval,
		RescanLimit:            c.RescanLimit,
		PublishTimeout:         c.PublishTimeout,
		PersistTimeout:         c.PersistTimeout,
		PersistBatchSize:       c.PersistBatchSize,
		SignalBuffer:           c.SignalBuffer,
	}
}
