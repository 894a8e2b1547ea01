package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rung/go-safecast"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/batch"
	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/integrity"
	"github.com/fhirlake/fhirlake/internal/rescache"
	"github.com/fhirlake/fhirlake/internal/serving"
	"github.com/fhirlake/fhirlake/internal/speed"
	"github.com/fhirlake/fhirlake/internal/viewdef"
)

func main() {
	helper.InitLogging()
	helper.Initfgtrace()
	InitPrometheus()

	pool := initPostgres()
	rdb := initRedis()
	registry := initRegistry()

	memTTL, err := env.GetAsInt("RESULT_CACHE_TTL_SECONDS", false, 120)
	if err != nil {
		zap.S().Fatalf("Failed to get RESULT_CACHE_TTL_SECONDS from env: %s", err)
	}
	redisTTL, err := env.GetAsInt("RESULT_CACHE_REDIS_TTL_SECONDS", false, 600)
	if err != nil {
		zap.S().Fatalf("Failed to get RESULT_CACHE_REDIS_TTL_SECONDS from env: %s", err)
	}
	resultCache := rescache.New(time.Duration(memTTL)*time.Second, time.Duration(redisTTL)*time.Second, rdb)
	runner := batch.NewRunner(pool, registry, resultCache)

	speedCache := initSpeedLayer(rdb)
	windowHours, err := env.GetAsInt("HYBRID_WINDOW_HOURS", false, 24)
	if err != nil {
		zap.S().Fatalf("Failed to get HYBRID_WINDOW_HOURS from env: %s", err)
	}
	hybrid := serving.NewHybrid(runner, speedCache, time.Duration(windowHours)*time.Hour)
	validator := integrity.NewValidator(pool, registry)

	InitHealthCheck(pool, speedCache)
	SetupRestAPI(loadAccounts(), hybrid, runner, speedCache, validator)

	awaitShutdown(pool)
	select {}
}

func awaitShutdown(pool *pgxpool.Pool) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		zap.S().Infof("Received SIG %v", sig)
		pool.Close()
		os.Exit(0)
	}()
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(pool *pgxpool.Pool, speedCache *speed.Cache) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	})
	if speedCache != nil {
		health.AddReadinessCheck("speed-layer", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return speedCache.Ping(ctx)
		})
	}
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func initPostgres() *pgxpool.Pool {
	host, err := env.GetAsString("POSTGRES_HOST", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
	}
	port, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
	}
	user, err := env.GetAsString("POSTGRES_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
	}
	password, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
	}
	database, err := env.GetAsString("POSTGRES_DATABASE", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
	}
	sslMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
	}
	minConns, err := env.GetAsInt("POSTGRES_POOL_MIN", false, 2)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_POOL_MIN from env: %s", err)
	}
	maxConns, err := env.GetAsInt("POSTGRES_POOL_MAX", false, 16)
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_POOL_MAX from env: %s", err)
	}

	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, database, sslMode)
	config, err := pgxpool.ParseConfig(conString)
	if err != nil {
		zap.S().Fatalf("Failed to parse postgres config: %s", err)
	}
	config.MinConns, err = safecast.Int32(minConns)
	if err != nil {
		zap.S().Fatalf("POSTGRES_POOL_MIN out of range: %s", err)
	}
	config.MaxConns, err = safecast.Int32(maxConns)
	if err != nil {
		zap.S().Fatalf("POSTGRES_POOL_MAX out of range: %s", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		zap.S().Fatalf("Failed to create postgres pool: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		zap.S().Warnf("Postgres not reachable at startup: %s", err)
	}
	return pool
}

func initRedis() *redis.Client {
	redisURI, err := env.GetAsString("REDIS_URI", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
	}
	if redisURI == "" {
		zap.S().Infof("REDIS_URI not set, running with in-memory caches only")
		return nil
	}
	redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_PASSWORD from env: %s", err)
	}
	return redis.NewClient(&redis.Options{
		Addr:     redisURI,
		Password: redisPassword,
	})
}

func initRegistry() *viewdef.Registry {
	path, err := env.GetAsString("VIEW_DEFINITIONS_PATH", false, "/config/views")
	if err != nil {
		zap.S().Fatalf("Failed to get VIEW_DEFINITIONS_PATH from env: %s", err)
	}
	registry := viewdef.NewRegistry()
	if err := registry.LoadDirectory(path); err != nil {
		zap.S().Fatalf("Failed to load view definitions from %s: %s", path, err)
	}
	zap.S().Infof("Loaded %d view definitions from %s", len(registry.Names()), path)
	return registry
}

func initSpeedLayer(rdb *redis.Client) *speed.Cache {
	enabled, err := env.GetAsBool("SPEED_LAYER_ENABLED", false, true)
	if err != nil {
		zap.S().Fatalf("Failed to get SPEED_LAYER_ENABLED from env: %s", err)
	}
	if !enabled {
		zap.S().Infof("Speed layer disabled, serving batch-only results")
		return nil
	}
	ttlHours, err := env.GetAsInt("SPEED_LAYER_TTL_HOURS", false, 24)
	if err != nil {
		zap.S().Fatalf("Failed to get SPEED_LAYER_TTL_HOURS from env: %s", err)
	}
	return speed.New(time.Duration(ttlHours)*time.Hour, rdb)
}

// loadAccounts reads basic-auth accounts from the environment, one admin
// account plus up to 100 numbered ones.
func loadAccounts() gin.Accounts {
	accounts := gin.Accounts{}
	for i := 1; i <= 100; i++ {
		user, _ := env.GetAsString("ACCOUNT_NAME_"+strconv.Itoa(i), false, "")         //nolint:errcheck
		password, _ := env.GetAsString("ACCOUNT_PASSWORD_"+strconv.Itoa(i), false, "") //nolint:errcheck
		if user != "" && password != "" {
			zap.S().Infof("Added account for %s", user)
			accounts[user] = password
		}
	}

	adminUser, err := env.GetAsString("VIEWSERVER_USER", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get VIEWSERVER_USER from env: %s", err)
	}
	adminPassword, err := env.GetAsString("VIEWSERVER_PASSWORD", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get VIEWSERVER_PASSWORD from env: %s", err)
	}
	accounts[adminUser] = adminPassword
	return accounts
}
