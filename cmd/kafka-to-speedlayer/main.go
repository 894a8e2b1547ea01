package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/speed"
)

func main() {
	helper.InitLogging()
	helper.Initfgtrace()
	InitPrometheus()

	cache := initSpeedLayer()
	conn := GetOrInit()
	InitHealthCheck(cache)
	startWorker(conn, cache)

	awaitShutdown()
	// We should never get to this await, but better to have it then to always close the program
	select {}
}

func awaitShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		zap.S().Infof("Received SIG %v", sig)
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

func InitHealthCheck(cache *speed.Cache) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddLivenessCheck("kafka", GetLivenessCheck())
	health.AddReadinessCheck("kafka", GetReadinessCheck())
	health.AddReadinessCheck("speed-layer", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cache.Ping(ctx)
	})
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func initSpeedLayer() *speed.Cache {
	ttlHours, err := env.GetAsInt("SPEED_LAYER_TTL_HOURS", false, 24)
	if err != nil {
		zap.S().Fatalf("Failed to get SPEED_LAYER_TTL_HOURS from env: %s", err)
	}

	redisURI, err := env.GetAsString("REDIS_URI", false, "")
	if err != nil {
		zap.S().Fatalf("Failed to get REDIS_URI from env: %s", err)
	}
	var rdb *redis.Client
	if redisURI != "" {
		redisPassword, err := env.GetAsString("REDIS_PASSWORD", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get REDIS_PASSWORD from env: %s", err)
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisURI,
			Password: redisPassword,
		})
	} else {
		zap.S().Warnf("REDIS_URI not set, speed-layer writes stay local to this process")
	}
	return speed.New(time.Duration(ttlHours)*time.Hour, rdb)
}
