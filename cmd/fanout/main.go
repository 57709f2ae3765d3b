// Package main is the entry point for the fan-out service: the
// websocket edge that joins the node ring, consumes the routed topics
// and pushes frames to connected clients.
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
	"github.com/propdesk/propdesk/internal/fanout"
	"github.com/propdesk/propdesk/internal/locks"
	"github.com/propdesk/propdesk/internal/modules/assessments"
	"github.com/propdesk/propdesk/internal/modules/auth"
	"github.com/propdesk/propdesk/internal/modules/purchases"
	"github.com/propdesk/propdesk/internal/modules/tiers"
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
	log.Info().Str("node_id", cfg.NodeID).Msg("Starting fan-out service")

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

	// The handshake needs session validation and the assessment
	// ownership check; both read-only here.
	authSvc := auth.NewService(auth.NewRepository(db), cacheClient.Redis(), log)
	producer := events.NewKafkaProducer(cfg.KafkaBrokers, log)
	defer producer.Close()
	assessmentSvc := assessments.NewService(
		assessments.NewRepository(db),
		tiers.NewRepository(db),
		purchases.NewRepository(db),
		cache.NewStateStore(cacheClient),
		locks.NewKeyed(),
		producer,
		log,
	)

	ring := fanout.NewRing()
	membership := fanout.NewMembership(cacheClient.Redis(), ring, cfg.NodeID, log)
	if err := membership.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to join node ring")
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		membership.Watch(workerCtx)
	}()

	registry := fanout.NewRegistry(log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.RunHeartbeat(workerCtx, cfg.HeartbeatInterval, cfg.ConnectionTimeout)
	}()

	router := fanout.NewRouter(registry, ring, cfg.NodeID, log)
	consumer := events.NewConsumer(cfg.KafkaBrokers, events.GroupFanoutRouter, fanout.RoutedTopics(), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Run(workerCtx, router.Handle); err != nil {
			log.Error().Err(err).Msg("Router consumer stopped")
		}
	}()

	wsHandler := fanout.NewWSHandler(registry, ring, cfg.NodeID, authSvc, assessmentSvc, log)
	srv := server.New(log, server.Options{DB: db, Cache: cacheClient}, wsHandler)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.FanoutPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.FanoutPort).Msg("Fan-out service listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Leave the ring first so peers stop routing here, then close the
	// clients and drain.
	leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 5*time.Second)
	if err := membership.Leave(leaveCtx); err != nil {
		log.Error().Err(err).Msg("Failed to leave node ring")
	}
	cancelLeave()

	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	cancelWorkers()
	if err := consumer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router consumer")
	}
	wg.Wait()

	log.Info().Msg("Fan-out service stopped")
}
