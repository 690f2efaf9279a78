package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"handoff/internal/exchange/closer"
	"handoff/internal/exchange/compliance"
	"handoff/internal/exchange/events"
	"handoff/internal/exchange/handler"
	exchangeMetrics "handoff/internal/exchange/metrics"
	"handoff/internal/exchange/qr"
	"handoff/internal/exchange/service"
	"handoff/internal/exchange/store/instance"
	"handoff/internal/platform/config"
	"handoff/internal/platform/httpserver"
	"handoff/internal/platform/logger"
	platformMetrics "handoff/internal/platform/metrics"
	"handoff/internal/platform/redis"
)

// main wires dependencies and owns the process lifecycle. Business logic
// lives in the internal packages.
func main() {
	cfg := config.Load()
	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. Without DATABASE_URL the service runs on the in-memory
	// store, which is enough for local development and tests.
	var store instance.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if _, err := db.ExecContext(ctx, instance.Schema); err != nil {
			log.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		store = instance.NewPostgres(db)
		log.Info("using postgres store")
	} else {
		store = instance.NewInMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Redis backs the QR nonce store when available.
	var nonces qr.NonceStore
	rc, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if rc != nil {
		defer rc.Close()
		nonces = qr.NewRedisNonceStore(rc)
		log.Info("using redis qr nonce store")
	} else {
		nonces = qr.NewInMemoryNonceStore()
		log.Warn("REDIS_URL not set, using in-memory qr nonce store")
	}

	// Outcome events go to Kafka when brokers are configured.
	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("failed to create kafka publisher", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := kp.Close(flushCtx); err != nil {
				log.Error("failed to flush kafka publisher", "error", err)
			}
		}()
		publisher = kp
		log.Info("publishing outcome events", "topic", cfg.KafkaTopic)
	}

	em := exchangeMetrics.New()
	pm := platformMetrics.New()

	qrSvc := qr.NewService(cfg.QRSigningKey, cfg.QRTokenTTL, nonces)
	svc, err := service.New(store, qrSvc, service.Config{
		AccuracyThresholdM:     cfg.AccuracyThresholdM,
		DefaultGeofenceRadiusM: cfg.DefaultGeofenceRadiusM,
		MapTileTemplate:        cfg.MapTileTemplate,
	},
		service.WithLogger(log),
		service.WithMetrics(em),
		service.WithPublisher(publisher),
	)
	if err != nil {
		log.Error("failed to build exchange service", "error", err)
		os.Exit(1)
	}

	reporter := compliance.New(store, cfg.OnTimeGrace, log)

	jobs, err := closer.New(store, svc, closer.Config{
		SweepInterval:      cfg.SweepInterval,
		SweepBatch:         cfg.SweepBatch,
		SweepWorkers:       cfg.SweepWorkers,
		MaterializeHorizon: cfg.MaterializeHorizon,
	}, log, em)
	if err != nil {
		log.Error("failed to build background jobs", "error", err)
		os.Exit(1)
	}
	if err := jobs.Start(ctx); err != nil {
		log.Error("failed to start background jobs", "error", err)
		os.Exit(1)
	}
	defer jobs.Stop()

	router := chi.NewRouter()
	handler.New(svc, reporter, log, pm).Register(router)
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("starting handoff service", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
