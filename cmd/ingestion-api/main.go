// Package main provides the ingestion API service entry point.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/api/handlers"
	"github.com/drfirst/go-patientsync/internal/api/middleware"
	"github.com/drfirst/go-patientsync/internal/config"
	"github.com/drfirst/go-patientsync/internal/domain/patient"
	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
	redisinfra "github.com/drfirst/go-patientsync/internal/infrastructure/redis"
	"github.com/drfirst/go-patientsync/internal/infrastructure/redpanda"
	"github.com/drfirst/go-patientsync/internal/logging"
	"github.com/drfirst/go-patientsync/internal/notify"
	"github.com/drfirst/go-patientsync/internal/observability/metrics"
	"github.com/drfirst/go-patientsync/internal/observability/tracing"
	"github.com/drfirst/go-patientsync/pkg/idempotency"
)

const (
	serviceName  = "ingestion-api"
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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := notify.NewHub(logger)

	// Without Redis the lock is per process, which is only safe for a
	// single instance.
	var locker patient.Locker
	notifier := notify.Multi{hub}
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

		fanout := notify.NewFanout(redisinfra.NewPubSub(rdb, eventChannel, logger), hub, logger)
		if _, err := fanout.Run(ctx); err != nil {
			logger.Fatal("event fanout subscribe failed", zap.Error(err))
		}
		notifier = append(notifier, fanout)
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process patient locks")
	}

	svcCfg := patient.DefaultServiceConfig()
	svcCfg.MaxRetries = cfg.MergeMaxRetries
	svcCfg.LockWait = cfg.LockWait
	svcCfg.ChangedTopic = redpanda.TopicPatientChanged
	svcCfg.SyncTopic = redpanda.TopicSyncRequests

	service := patient.NewService(patient.NewRepository(pool, logger), locker, notifier, m, svcCfg, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	patientHandler := handlers.NewPatientHandler(service, inbox, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m.ObserveHTTP))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/patients", patientHandler.Routes())
	})
	r.With(middleware.APIKeyAuth(cfg.APIKeys)).Handle("/ws", hub)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.WebsocketClients.Set(float64(hub.ClientCount()))
			}
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting ingestion API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
