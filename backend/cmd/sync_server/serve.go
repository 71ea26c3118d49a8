package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paramsync/backend/internal/authservice"
	"paramsync/backend/internal/cache"
	"paramsync/backend/internal/collab"
	"paramsync/backend/internal/config"
	"paramsync/backend/internal/history"
	"paramsync/backend/internal/httpapi"
	"paramsync/backend/internal/observability"
	"paramsync/backend/internal/session"
	"paramsync/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	var rdb redis.UniversalClient
	var presence cache.PresenceCache = cache.NopPresence{}
	if len(cfg.Redis.Addrs) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	hist, closeHist, err := openHistory(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeHist.Close()

	// 未配置 broker 时不发布提交事件
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()

		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic,
			collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: 50 * time.Millisecond,
				MaxBackoff:  time.Second,
				Logger:      logger,
				Metrics:     metrics,
			})
		// 先于 producer.Close 执行，排空队列
		defer dispatcher.Close()
		events = dispatcher
	}

	registry := session.NewRegistry(time.Now)
	hub := ws.NewHub(metrics, logger)
	engine := collab.NewEngine(registry, hist, hub, collab.Options{
		ConflictWindow:  cfg.Sync.ConflictWindow,
		ConflictTimeout: cfg.Sync.ConflictTimeout,
		ExcludeWriter:   !cfg.Sync.EchoToWriter,
		Now:             time.Now,
		Events:          events,
		Metrics:         metrics,
		Logger:          logger,
	})
	issuer := authservice.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	manager := ws.NewManager(hub, engine, collab.NewSemaphoreControl(cfg.Transport.MaxInFlight), ws.Options{
		ReadTimeout:    cfg.Transport.ReadTimeout,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		PresenceTTL:    cfg.Redis.PresenceTTL,
		SendBuffer:     cfg.Transport.SendBuffer,
		MessageRate:    cfg.Transport.MessageRate,
		MessageBurst:   cfg.Transport.MessageBurst,
		AllowedOrigins: cfg.Transport.AllowedOrigins,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		Auth:           issuer,
		Presence:       presence,
		Metrics:        metrics,
		Logger:         logger,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Registry:  registry,
		History:   hist,
		Conns:     hub,
		Presence:  presence,
		Issuer:    issuer,
		WebSocket: manager.WebSocketConnect,
		Gatherer:  reg,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sync server listening", "addr", srv.Addr, "history", cfg.History.Backend, "kafka", events != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return registry.RunJanitor(gctx, cfg.Sync.SweepInterval, cfg.Sync.IdleSessionTTL, logger, metrics.SetSessions)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		// 已升级的 websocket 不受 Shutdown 管理
		n := hub.CloseAll()
		logger.Info("sync server stopped", "closedConns", n)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openHistory(cfg *config.Config, rdb redis.UniversalClient) (history.Log, io.Closer, error) {
	nop := closerFunc(func() error { return nil })
	switch cfg.History.Backend {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("history backend redis requires redis.addrs")
		}
		return history.NewRedisLog(rdb, cfg.History.MaxEvents, cfg.History.TTL), nop, nil
	case "mysql":
		db, err := history.OpenMySQL(cfg.Mysql.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		gl, err := history.NewGormLog(db, cfg.History.MaxEvents)
		if err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("migrate history: %w", err)
		}
		return gl, sqlDB, nil
	default:
		return history.NewMemoryLog(cfg.History.MaxEvents), nop, nil
	}
}
