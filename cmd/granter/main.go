package main

import (
	"context"
	"time"

	"github.com/erebus-sh/erebus/internal/granter"
	grmetrics "github.com/erebus-sh/erebus/internal/granter/metrics"
	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/cache"
	"github.com/erebus-sh/erebus/pkg/config"
	"github.com/erebus-sh/erebus/pkg/database"
	"github.com/erebus-sh/erebus/pkg/grantcache"
	"github.com/erebus-sh/erebus/pkg/keys"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/monitoring"
	"github.com/erebus-sh/erebus/pkg/ratelimit"
	"github.com/erebus-sh/erebus/pkg/redis"
	"github.com/erebus-sh/erebus/pkg/server"
	"github.com/erebus-sh/erebus/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("granter")
	config.LoadEnv(logger)

	logger.Info("Starting Granter (grant issuance service)")

	healthChecker := monitoring.NewHealthChecker("granter", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("granter", version.Version, version.GitCommit)

	serviceMetrics := &grmetrics.Metrics{
		GrantsIssued:    metricsCollector.NewCounter("grants_issued_total", "Grants minted", []string{"outcome"}),
		GrantCacheHits:  metricsCollector.NewCounter("grant_cache_lookups_total", "Grant cache lookups", []string{"result"}),
		RateLimitDenied: metricsCollector.NewCounter("rate_limit_denied_total", "Denied grant requests", []string{"project"}),
		LimiterFailOpen: metricsCollector.NewCounter("rate_limit_fail_open_total", "Limiter backend failures", []string{"reason"}),
	}

	// Signing key is fatal configuration: without it no grant can be minted
	signingKey, err := auth.LoadPrivateKey(config.RequireEnv("GRANT_SIGNING_KEY"))
	if err != nil {
		logger.WithError(err).Fatal("Failed to load grant signing key")
	}
	signer, err := auth.NewSigner(signingKey)
	if err != nil {
		logger.WithError(err).Fatal("Failed to construct grant signer")
	}

	// Key store: Postgres when configured, in-memory for development
	var keyStore keys.Store
	if dbURL := config.GetEnv("KEYSTORE_DATABASE_URL", ""); dbURL != "" {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = dbURL
		db := database.MustConnect(context.Background(), dbCfg, logger)
		defer db.Close()
		keyStore = keys.NewPostgresStore(db)
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	} else {
		logger.Warn("KEYSTORE_DATABASE_URL not set, using in-memory key store")
		mem := keys.NewMemoryStore()
		if devKey := config.GetEnv("DEV_SECRET_KEY", ""); devKey != "" {
			mem.Put(devKey, "dev-key", config.GetEnv("DEV_PROJECT_ID", "dev-project"), keys.StatusActive)
		}
		keyStore = mem
	}
	keyStore = keys.NewCachedStore(keyStore,
		config.GetEnvDuration("KEY_CACHE_TTL", 30*time.Second),
		config.GetEnvInt("KEY_CACHE_MAX_ENTRIES", 10000),
		cache.MetricsHooks{})

	// Rate limiter and grant cache: Redis when configured, in-memory
	// otherwise. Both degrade rather than fail.
	var (
		limiter    ratelimit.Limiter
		grantCache grantcache.Cache
	)
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redis.NewClientFromURL(ctx, redisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to redis")
		}
		defer client.Close()
		limiter = ratelimit.NewRedisLimiter(client, ratelimit.DefaultPolicy())
		grantCache = grantcache.NewRedisCache(client)
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(client))
	} else {
		logger.Warn("REDIS_URL not set, using in-memory rate limiter and grant cache")
		limiter = ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy())
		grantCache = grantcache.NewMemoryCache()
	}

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"GRANT_SIGNING_KEY": "set",
	}))

	svc := granter.NewService(keyStore, limiter, grantCache, signer, logger, serviceMetrics)

	router := server.SetupServiceRouter(logger, "granter", healthChecker, metricsCollector)
	granter.NewHandler(svc, logger).RegisterRoutes(router)

	serverConfig := server.DefaultConfig("granter", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("HTTP server startup failed")
	}
}
