package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fitcheck-auction-api/internal/cache"
	"fitcheck-auction-api/internal/config"
	"fitcheck-auction-api/internal/handler"
	"fitcheck-auction-api/internal/payment"
	"fitcheck-auction-api/internal/repository"
	"fitcheck-auction-api/internal/router"
	"fitcheck-auction-api/internal/service"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting FitCheck Auction API...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	// Initialize auction store based on config
	var store repository.AuctionStore
	switch cfg.Database.Type {
	case "postgres", "postgresql":
		pgStore, err := repository.NewPostgresAuctionStore(cfg.Database.PostgresDSN())
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL: %v", err)
		}
		store = pgStore
		log.Println("PostgreSQL auction store initialized")
	case "mysql":
		myStore, err := repository.NewMySQLAuctionStore(cfg.Database.MySQLDSN())
		if err != nil {
			log.Fatalf("Failed to initialize MySQL: %v", err)
		}
		store = myStore
		log.Println("MySQL auction store initialized")
	default: // sqlite
		sqliteStore, err := repository.NewSQLiteAuctionStore(cfg.Database.Path)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
		store = sqliteStore
		log.Println("SQLite auction store initialized")
	}
	defer store.Close()

	// Initialize webhook dedupe cache
	var dedupeCache cache.Cache
	if cfg.Cache.Type == "redis" {
		redisCache, err := cache.NewRedisCache(cache.RedisCacheConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			log.Printf("Warning: Redis cache failed, falling back to memory: %v", err)
			dedupeCache = cache.NewMemoryCache()
		} else {
			defer redisCache.Close()
			dedupeCache = redisCache
		}
	} else {
		dedupeCache = cache.NewMemoryCache()
	}

	// Initialize payment provider
	var provider payment.Provider
	var err error
	switch cfg.Payment.Provider {
	case "lightspark":
		provider, err = payment.NewLightsparkProvider(
			cfg.Payment.LightsparkTokenID,
			cfg.Payment.LightsparkTokenSecret,
			cfg.Payment.LightsparkNodeID,
			cfg.Payment.LightsparkBaseURL,
		)
	default: // bitnob
		provider, err = payment.NewBitnobProvider(cfg.Payment.BitnobAPIKey, cfg.Payment.BitnobProduction)
	}
	if err != nil {
		log.Fatalf("Failed to initialize payment provider: %v", err)
	}

	// Initialize notification dispatcher
	var dispatcher service.Dispatcher
	if cfg.NATS.URL != "" {
		natsDispatcher, err := service.NewNATSDispatcher(cfg.NATS.URL)
		if err != nil {
			log.Fatalf("Failed to initialize NATS dispatcher: %v", err)
		}
		defer natsDispatcher.Close()
		dispatcher = natsDispatcher
	} else {
		log.Println("NATS not configured, using log dispatcher")
		dispatcher = &service.LogDispatcher{}
	}

	// Initialize services
	notifier := service.NewNotificationService(store, dispatcher)
	auctionService := service.NewAuctionService(store, notifier)
	settlementWorker := service.NewSettlementWorker(store, provider, notifier, auctionService, service.SettlementConfig{
		Workers:       cfg.Settlement.Workers,
		QueueSize:     cfg.Settlement.QueueSize,
		SweepInterval: cfg.Settlement.SweepInterval,
		RetryBase:     cfg.Settlement.RetryBase,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		InvoiceTTL:    cfg.Settlement.InvoiceTTL,
	})
	settlementWorker.Start()

	reconciler := service.NewWebhookReconciler(store, notifier, settlementWorker, dedupeCache, cfg.Payment.WebhookSecret)

	// Initialize handlers
	healthHandler := handler.New(store)
	bidHandler := handler.NewBidHandler(auctionService)
	webhookHandler := handler.NewWebhookHandler(reconciler, provider.Name())
	adminHandler := handler.NewAdminHandler(store, cfg.Database.Type)

	// Create router
	r := router.New(router.Config{
		Handler:        healthHandler,
		BidHandler:     bidHandler,
		WebhookHandler: webhookHandler,
		AdminHandler:   adminHandler,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop the settlement worker first so in-flight tasks finish
	settlementWorker.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
	fmt.Println("Goodbye!")
}
