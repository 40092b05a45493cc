package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tokenwatch/price-oracle/internal/adapters"
	"github.com/tokenwatch/price-oracle/internal/aggregator"
	"github.com/tokenwatch/price-oracle/internal/api"
	"github.com/tokenwatch/price-oracle/internal/config"
	"github.com/tokenwatch/price-oracle/internal/database"
	"github.com/tokenwatch/price-oracle/internal/jobs"
	"github.com/tokenwatch/price-oracle/internal/linker"
	"github.com/tokenwatch/price-oracle/internal/logging"
	"github.com/tokenwatch/price-oracle/internal/monitor"
	"github.com/tokenwatch/price-oracle/internal/pricecache"
	"github.com/tokenwatch/price-oracle/internal/resolver"
	"github.com/tokenwatch/price-oracle/internal/scheduler"
	"github.com/tokenwatch/price-oracle/internal/store"
	"github.com/tokenwatch/price-oracle/internal/telemetry"
)

func main() {
	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.Environment)
	log := logging.WithComponent("server")

	tel, err := telemetry.Init(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	st := store.New(db.Pool)

	cache := pricecache.New(redis.Client,
		cfg.Pricing.ExchangePriority, cfg.Pricing.QuotePriority,
		config.Duration(cfg.Pricing.BestPriceTTL),
		logging.WithComponent("pricecache"))

	lk := linker.New(st, logging.WithComponent("linker"))

	aggClient := aggregator.NewClient(cfg.Aggregator, logging.WithComponent("aggregator"))
	defer aggClient.Close()
	syncer := aggregator.NewSyncer(aggClient, st, redis.Client, logging.WithComponent("syncer"))

	res := resolver.New(st, cache, lk,
		config.Duration(cfg.Pricing.DirectStaleness),
		config.Duration(cfg.Pricing.AggregatorWarnStaleness),
		logging.WithComponent("resolver"))

	mon := monitor.New(st, logging.WithComponent("monitor"))
	mon.RegisterDependency("database", db)
	mon.RegisterDependency("cache", redis)

	sources := []adapters.SourceAdapter{
		adapters.NewExchangeAdapter(cfg.Exchange, logging.WithComponent("exchange")),
		adapters.NewScrapeAdapter(cfg.Scrape, logging.WithComponent("scrape")),
		adapters.NewAggregatorAdapter(st),
	}
	defer func() {
		for _, source := range sources {
			source.Close()
		}
	}()

	sched := scheduler.New(cfg.Scheduler, st,
		tel.Tracer("scheduler"), logging.WithComponent("scheduler"))
	jobSet := jobs.New(sources, cache, st, lk, syncer, cfg.Pricing,
		logging.WithComponent("jobs"))
	if err := jobSet.RegisterAll(sched); err != nil {
		log.Fatalf("Failed to register jobs: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(rootCtx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, db, redis, sched, st, res, mon)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Info("Shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Telemetry shutdown failed")
	}

	log.Info("Server exited")
}
