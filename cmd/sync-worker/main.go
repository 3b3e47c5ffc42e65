// Package main provides the sync worker entry point.
// It consumes sync requests, submits patients to the remote clinic API and
// merges the answers back into the local store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/config"
	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
	redisinfra "github.com/drfirst/go-patientsync/internal/infrastructure/redis"
	"github.com/drfirst/go-patientsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-patientsync/internal/logging"
	"github.com/drfirst/go-patientsync/internal/notify"
	"github.com/drfirst/go-patientsync/internal/observability/metrics"
	"github.com/drfirst/go-patientsync/internal/observability/tracing"
	"github.com/drfirst/go-patientsync/internal/remote"
	"github.com/drfirst/go-patientsync/internal/syncer"
	"github.com/drfirst/go-patientsync/pkg/circuitbreaker"
	"github.com/drfirst/go-patientsync/pkg/workerpool"
)

const (
	serviceName  = "sync-worker"
	eventChannel = "patientsync:events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, serviceName)
	defer logger.Sync()

	if cfg.RemoteAPIURL == "" {
		logger.Fatal("REMOTE_API_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Remote merges publish to the same channel as the ingestion API so its
	// websocket clients see confirmations.
	var (
		locker   patient.Locker
		notifier patient.Notifier
	)
	if cfg.RedisAddr != "" {
		rdb, err := redisinfra.NewClient(ctx, redisinfra.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()

		lockCfg := redisinfra.DefaultLockConfig()
		lockCfg.TTL = cfg.LockTTL
		locker = redisinfra.NewLocker(rdb, lockCfg, logger)
		notifier = notify.NewFanout(redisinfra.NewPubSub(rdb, eventChannel, logger), nil, logger)
	} else {
		logger.Warn("REDIS_ADDR not set, remote merges are not serialized with the ingestion API")
	}

	svcCfg := patient.DefaultServiceConfig()
	svcCfg.MaxRetries = cfg.MergeMaxRetries
	svcCfg.LockWait = cfg.LockWait
	svcCfg.ChangedTopic = redpanda.TopicPatientChanged
	svcCfg.SyncTopic = redpanda.TopicSyncRequests
	service := patient.NewService(patient.NewRepository(pool, logger), locker, notifier, m, svcCfg, logger)

	breakerCfg := circuitbreaker.DefaultConfig("remote-api")
	breakerCfg.IsFailure = remote.IsBreakerFailure
	breakerCfg.OnStateChange = m.BreakerStateChanged
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	remoteCfg := remote.DefaultConfig(cfg.RemoteAPIURL)
	remoteCfg.Token = cfg.RemoteAPIToken
	remoteCfg.Timeout = cfg.RemoteTimeout
	client := remote.NewClient(remoteCfg, breaker, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.SyncWorkers

	worker, err := syncer.New(service, client, m, poolCfg, logger)
	if err != nil {
		logger.Fatal("sync worker creation failed", zap.Error(err))
	}
	worker.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		m.KafkaMessagesConsumed.Inc()
		return worker.HandleMessage(ctx, msg)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("sync worker started",
		zap.Int("workers", poolCfg.Workers),
		zap.String("remote", cfg.RemoteAPIURL))

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !worker.Healthy() || breaker.IsOpen() {
			http.Error(w, "degraded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := worker.Stop(); err != nil {
		logger.Error("worker stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("sync worker stopped")
}
