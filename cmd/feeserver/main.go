// Command feeserver wires every layer of the locate-fee pricing
// pipeline together and exposes it behind a thin inbound HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/cryptofunk/locatefees/internal/audit"
	"github.com/cryptofunk/locatefees/internal/auditstore"
	"github.com/cryptofunk/locatefees/internal/cache"
	"github.com/cryptofunk/locatefees/internal/calcservice"
	"github.com/cryptofunk/locatefees/internal/config"
	"github.com/cryptofunk/locatefees/internal/configstore"
	"github.com/cryptofunk/locatefees/internal/dataclients"
	"github.com/cryptofunk/locatefees/internal/dataservice"
	"github.com/cryptofunk/locatefees/internal/decimalkernel"
	"github.com/cryptofunk/locatefees/internal/resilience"

	"github.com/nats-io/nats.go"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx := context.Background()
	validator := config.NewValidator(cfg, config.DefaultValidatorOptions())
	if err := validator.ValidateStartup(ctx); err != nil {
		log.Fatal().Err(err).Msg("startup validation failed")
	}

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer nc.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	sharedCache := cache.New(
		cache.NewLocal(cfg.Cache.LocalMaxEntries),
		cache.NewShared(redisClient, config.NewCacheLogger("shared")),
		cache.NewInvalidator(nc, config.NewLogger("invalidation")),
		cfg.Cache.TTL,
		config.NewLogger("cache"),
	)

	configStore, err := configstore.New(ctx, cfg.Database.GetDSN(), sharedCache, config.NewLogger("configstore"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize config store")
	}
	defer configStore.Close()

	auditBackend, err := auditstore.New(ctx, cfg.Database.GetDSN(), config.NewLogger("auditstore"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audit store")
	}
	defer auditBackend.Close()

	breakers := resilience.NewBreakerManager(
		breakerSettings(cfg.Resilience.SecLend),
		breakerSettings(cfg.Resilience.Market),
		breakerSettings(cfg.Resilience.Event),
	)
	secLendPipeline := resilience.NewPipeline(resilience.EndpointSecLend, breakers.Breaker(resilience.EndpointSecLend), retryConfig(cfg.Resilience.SecLend), cfg.Resilience.SecLend.AttemptTimeout())
	marketPipeline := resilience.NewPipeline(resilience.EndpointMarket, breakers.Breaker(resilience.EndpointMarket), retryConfig(cfg.Resilience.Market), cfg.Resilience.Market.AttemptTimeout())
	eventPipeline := resilience.NewPipeline(resilience.EndpointEvent, breakers.Breaker(resilience.EndpointEvent), retryConfig(cfg.Resilience.Event), cfg.Resilience.Event.AttemptTimeout())

	secLendClient := dataclients.NewSecLendClient(cfg.Providers.SecLend.BaseURL, cfg.Providers.SecLend.APIKey, cfg.Providers.SecLend.GetTimeout(), config.NewProviderLogger("seclend"))
	marketClient := dataclients.NewMarketClient(cfg.Providers.Market.BaseURL, cfg.Providers.Market.APIKey, cfg.Providers.Market.GetTimeout(), config.NewProviderLogger("market"))
	eventClient := dataclients.NewEventClient(cfg.Providers.Event.BaseURL, cfg.Providers.Event.APIKey, cfg.Providers.Event.GetTimeout(), config.NewProviderLogger("event"))

	dataSvc := dataservice.New(
		sharedCache,
		secLendPipeline, marketPipeline, eventPipeline,
		secLendClient, marketClient, eventClient,
		configStore,
		dataservice.Config{
			DefaultVolatilityIndex: decimalkernel.NewFromFloat(cfg.Formula.DefaultVolatilityIndex),
			GlobalMinimumRate:      decimalkernel.NewFromFloat(cfg.Formula.GlobalMinimumRate),
			VolatilityGraceWindow:  cfg.Formula.VolatilityGraceWindow(),
			EventLookaheadDays:     cfg.Formula.EventLookaheadDays,
		},
		config.NewLogger("dataservice"),
	)

	auditQueue := audit.NewQueue(audit.QueueConfig{
		Capacity:         cfg.Audit.QueueCapacity,
		HighWatermark:    cfg.Audit.HighWatermark,
		EnqueueDeadline:  cfg.Audit.EnqueueDeadline(),
		PersistDeadline:  cfg.Audit.PersistDeadline(),
		PartitionWorkers: cfg.Audit.PartitionWorkers,
		BatchSize:        100,
		BatchInterval:    time.Second,
	}, auditBackend, config.NewLogger("audit"))
	auditQueue.Start(ctx)

	constants := decimalkernel.Constants{
		DaysInYear:             decimalkernel.NewFromInt(int64(cfg.Formula.DaysInYear)),
		VolFactor:              decimalkernel.NewFromFloat(cfg.Formula.VolFactor),
		EventFactor:            decimalkernel.NewFromFloat(cfg.Formula.EventFactor),
		Scale:                  cfg.Formula.Scale,
		VolatilityGraceWindow:  cfg.Formula.VolatilityGraceWindow(),
		DefaultVolatilityIndex: decimalkernel.NewFromFloat(cfg.Formula.DefaultVolatilityIndex),
		GlobalMinimumRate:      decimalkernel.NewFromFloat(cfg.Formula.GlobalMinimumRate),
	}

	calcSvc := calcservice.New(sharedCache, configStore, dataSvc, configStore, auditQueue, breakers, constants, config.NewLogger("calcservice"))

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler(calcSvc))

	v1 := router.Group("/v1")
	v1.POST("/fees/calculate", calculateFeeHandler(calcSvc))
	v1.GET("/fees/borrow-rate/:ticker", borrowRateHandler(calcSvc))

	srv := &http.Server{
		Addr:         cfg.API.GetAPIAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.API.GetAPIAddr()).Msg("starting fee server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("fee server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down fee server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("fee server forced to shutdown")
	}
	auditQueue.Stop()
}

func breakerSettings(e config.EndpointResilienceConfig) resilience.BreakerSettings {
	return resilience.BreakerSettings{
		ConsecutiveFailureThreshold: uint32(e.ConsecutiveFailureThreshold),
		RecoveryTimeout:             e.RecoveryTimeout(),
		HalfOpenProbes:              uint32(e.HalfOpenProbes),
		HalfOpenSuccessesToClose:    uint32(e.HalfOpenSuccessesToClose),
	}
}

func retryConfig(e config.EndpointResilienceConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:     e.MaxRetries,
		InitialBackoff: e.InitialBackoff(),
		MaxBackoff:     e.MaxBackoff(),
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logEvent := log.Info()
		if status >= 500 {
			logEvent = log.Error()
		} else if status >= 400 {
			logEvent = log.Warn()
		}
		logEvent.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Msg("http request")
	}
}
