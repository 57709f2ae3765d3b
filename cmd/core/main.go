// Package main is the entry point for the core service: the REST API,
// the rules and persistence workers, the event consumers and the daily
// maintenance jobs, all in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/propdesk/propdesk/internal/cache"
	"github.com/propdesk/propdesk/internal/config"
	"github.com/propdesk/propdesk/internal/database"
	"github.com/propdesk/propdesk/internal/events"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/maintenance"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	assessmenthandlers "github.com/propdesk/propdesk/internal/modules/assessments/handlers"
	"github.com/propdesk/propdesk/internal/modules/auth"
	authhandlers "github.com/propdesk/propdesk/internal/modules/auth/handlers"
	"github.com/propdesk/propdesk/internal/modules/cancellation"
	"github.com/propdesk/propdesk/internal/modules/funded"
	fundedhandlers "github.com/propdesk/propdesk/internal/modules/funded/handlers"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	purchasehandlers "github.com/propdesk/propdesk/internal/modules/purchases/handlers"
	"github.com/propdesk/propdesk/internal/modules/rules"
	ruleshandlers "github.com/propdesk/propdesk/internal/modules/rules/handlers"
	"github.com/propdesk/propdesk/internal/modules/tiers"
	tierhandlers "github.com/propdesk/propdesk/internal/modules/tiers/handlers"
	"github.com/propdesk/propdesk/internal/modules/trading"
	tradinghandlers "github.com/propdesk/propdesk/internal/modules/trading/handlers"
	"github.com/propdesk/propdesk/internal/oracle"
	"github.com/propdesk/propdesk/internal/payments"
	"github.com/propdesk/propdesk/internal/persistence"
	"github.com/propdesk/propdesk/internal/reliability"
	"github.com/propdesk/propdesk/internal/server"
	"github.com/propdesk/propdesk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("Starting core service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	cacheClient, err := cache.New(ctx, cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()
	states := cache.NewStateStore(cacheClient)

	producer := events.NewKafkaProducer(cfg.KafkaBrokers, log)
	defer producer.Close()

	provider := payments.New(payments.Config{
		BaseURL:       cfg.PaymentBaseURL,
		SecretKey:     cfg.PaymentSecretKey,
		WebhookSecret: cfg.PaymentWebhookSecret,
		Timeout:       cfg.PaymentTimeout,
	}, log)

	keyed := locks.NewKeyed()
	prices := oracle.New(cacheClient.Redis())

	// Modules. Construction order follows the dependency direction:
	// rules needs funded for the terminal close path, funded needs
	// assessments for activation.
	authSvc := auth.NewService(auth.NewRepository(db), cacheClient.Redis(), log)
	tierRepo := tiers.NewRepository(db)
	purchaseRepo := purchases.NewRepository(db)
	purchaseSvc := purchases.NewService(db, purchaseRepo, tierRepo, provider, producer, log)
	assessmentRepo := assessments.NewRepository(db)
	assessmentSvc := assessments.NewService(assessmentRepo, tierRepo, purchaseRepo, states, keyed, producer, log)
	tradingSvc := trading.NewService(trading.NewRepository(db), assessmentSvc, states, keyed, prices, producer, cfg, log)
	fundedSvc := funded.NewService(funded.NewRepository(db), assessmentSvc, tierRepo, states, keyed, provider, producer, log)
	rulesSvc := rules.NewService(rules.NewRepository(db), assessmentSvc, fundedSvc, states, keyed, producer, cfg.PassProfitTarget, log)
	cancellationSvc := cancellation.NewService(states, keyed, producer, cfg, log)

	// Background workers share one cancel so shutdown stops them after
	// the HTTP drain.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var wg sync.WaitGroup

	dlq := reliability.NewDLQ(cacheClient.Redis(), reliability.DLQKeyCancelledPositions)
	health := reliability.NewHealthTracker()
	persistWorker := persistence.NewWorker(db, states, keyed, producer, dlq, health, log)
	ruleChecksWorker := persistence.NewRuleChecksWorker(db, states, log)

	wg.Add(3)
	go func() {
		defer wg.Done()
		rulesSvc.Run(workerCtx, cfg.RulesInterval)
	}()
	go func() {
		defer wg.Done()
		persistWorker.Run(workerCtx, cfg.PersistenceInterval)
	}()
	go func() {
		defer wg.Done()
		ruleChecksWorker.Run(workerCtx, cfg.RuleChecksInterval)
	}()

	activationConsumer := events.NewConsumer(cfg.KafkaBrokers, events.GroupFundedActivation,
		[]string{events.TopicAssessmentCompleted}, log)
	cancellationConsumer := events.NewConsumer(cfg.KafkaBrokers, events.GroupEventCancellation,
		[]string{events.TopicEventCancelled}, log)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := activationConsumer.Run(workerCtx, fundedSvc.HandleAssessmentCompleted); err != nil {
			log.Error().Err(err).Msg("Funded activation consumer stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := cancellationConsumer.Run(workerCtx, cancellationSvc.HandleEventCancelled); err != nil {
			log.Error().Err(err).Msg("Event cancellation consumer stopped")
		}
	}()

	scheduler, err := maintenance.New(authSvc, assessmentRepo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build maintenance scheduler")
	}
	scheduler.Start()

	srv := server.New(log,
		server.Options{DB: db, Cache: cacheClient, Health: health, DLQ: dlq},
		authhandlers.NewHandler(authSvc, log),
		tierhandlers.NewHandler(tierRepo, log),
		purchasehandlers.NewHandler(purchaseSvc, authSvc, fundedSvc, cfg.PaymentWebhookSecret, log),
		assessmenthandlers.NewHandler(assessmentSvc, authSvc, log),
		tradinghandlers.NewHandler(tradingSvc, authSvc, log),
		ruleshandlers.NewHandler(rulesSvc, authSvc, log),
		fundedhandlers.NewHandler(fundedSvc, authSvc, log),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.CorePort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.CorePort).Msg("Core API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Drain HTTP first so in-flight sagas finish, then stop workers and
	// consumers, then the cron jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	cancelWorkers()
	if err := activationConsumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close activation consumer")
	}
	if err := cancellationConsumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close cancellation consumer")
	}
	scheduler.Stop()
	wg.Wait()

	log.Info().Msg("Core service stopped")
}
