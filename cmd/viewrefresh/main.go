package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/helper"
	"github.com/fhirlake/fhirlake/internal/viewdef"
)

func main() {
	helper.InitLogging()
	InitPrometheus()
	InitHealthCheck()

	pool := initPostgres()
	defer pool.Close()

	path, err := env.GetAsString("VIEW_DEFINITIONS_PATH", false, "/config/views")
	if err != nil {
		zap.S().Fatalf("Failed to get VIEW_DEFINITIONS_PATH from env: %s", err)
	}
	registry := viewdef.NewRegistry()
	if err := registry.LoadDirectory(path); err != nil {
		zap.S().Fatalf("Failed to load view definitions from %s: %s", path, err)
	}

	schema, err := env.GetAsString("POSTGRES_SCHEMA", false, "public")
	if err != nil {
		zap.S().Fatalf("Failed to get POSTGRES_SCHEMA from env: %s", err)
	}

	refresher := NewRefresher(pool, registry, schema)
	refresher.UsePool(pool)
	if err := refresher.RefreshAll(context.Background()); err != nil {
		zap.S().Errorf("Refresh failed: %s", err)
		pool.Close()
		os.Exit(1)
	}
	zap.S().Infof("Refresh finished")
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

func InitHealthCheck() {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
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

	conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, database, sslMode)
	pool, err := pgxpool.New(context.Background(), conString)
	if err != nil {
		zap.S().Fatalf("Failed to create postgres pool: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		zap.S().Fatalf("Postgres not reachable: %s", err)
	}
	return pool
}
