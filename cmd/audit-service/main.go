package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/clinscope/audit/pkg/audit"
	"github.com/clinscope/audit/pkg/auth"
	"github.com/clinscope/audit/pkg/common/config"
	"github.com/clinscope/audit/pkg/common/database"
	"github.com/clinscope/audit/pkg/common/kafka"
	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/common/models"
	"github.com/clinscope/audit/pkg/observability/metrics"
	"github.com/clinscope/audit/pkg/protocol"
)

func main() {
	logger.Init()
	cfg := config.Load()
	metrics.Init()

	proto, err := loadProtocol(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load protocol")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	repo := audit.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate audit tables")
	}

	redisClient := database.GetRedis()
	producer := kafka.NewProducer(cfg.AuditEventTopic)
	defer producer.Close()

	service := audit.NewService(proto, cfg, repo, redisClient, producer)
	runner := audit.NewRunner(service, repo, cfg.RunWorkers, cfg.RunTimeout)
	handler := audit.NewHandler(service, runner)

	router := mux.NewRouter()
	router.Use(auth.Recovery, auth.Logging,
		auth.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		auth.BodyLimit(cfg.MaxRequestBody))
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1/audit").Subrouter()
	if cfg.OIDCIssuer != "" {
		authenticator, err := auth.NewAuthenticator(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to configure OIDC")
		}
		api.Use(auth.Authenticate(authenticator))
	} else {
		logger.Log.Warn("OIDC not configured; audit API is unauthenticated")
	}
	handler.Register(api)

	consumer := kafka.NewConsumer(cfg.AuditRequestTopic, cfg.KafkaGroupID)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go func() {
		if err := consumer.Consume(consumerCtx, runRequestHandler(runner)); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Error("Run request consumer stopped")
		}
	}()

	address := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithField("addr", address).Info("Audit service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start audit service")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down audit service...")
	stopConsumer()
	consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Audit service forced to shutdown")
	}

	database.CloseRedis()
	database.ClosePostgres()
	logger.Log.Info("Audit service stopped")
}

func loadProtocol(cfg *config.Config) (protocol.Protocol, error) {
	if cfg.ProtocolPath == "" {
		logger.Log.Info("Using the built-in default protocol")
		return protocol.Default(), nil
	}
	return protocol.Load(cfg.ProtocolPath)
}

// runRequestHandler turns audit.run.requested events into queued runs.
// Requests that cannot ever succeed are dropped so the message is not
// redelivered; infrastructure failures propagate and retry.
func runRequestHandler(runner *audit.Runner) kafka.EventHandler {
	return func(ctx context.Context, event models.Event) error {
		if event.Type != "audit.run.requested" {
			return nil
		}

		data, err := json.Marshal(event.Data)
		if err != nil {
			return err
		}
		var req models.StartAuditRunRequest
		if err := json.Unmarshal(data, &req); err != nil {
			logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Malformed run request dropped")
			return nil
		}
		if req.Dataset == "" {
			logger.Log.WithField("event_id", event.ID).Warn("Run request without a dataset dropped")
			return nil
		}
		if _, err := audit.NormalizeChecks(req); err != nil {
			logger.Log.WithError(err).WithField("event_id", event.ID).Warn("Invalid run request dropped")
			return nil
		}

		run, err := runner.Enqueue(ctx, req)
		if err != nil {
			return err
		}
		logger.Log.WithFields(logrus.Fields{
			"run_id":  run.ID.String(),
			"dataset": req.Dataset,
		}).Info("Run request accepted")
		return nil
	}
}
