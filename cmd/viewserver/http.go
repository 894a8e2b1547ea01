package main

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rung/go-safecast"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/fhirlake/fhirlake/internal/batch"
	"github.com/fhirlake/fhirlake/internal/catalog"
	"github.com/fhirlake/fhirlake/internal/integrity"
	"github.com/fhirlake/fhirlake/internal/serving"
	"github.com/fhirlake/fhirlake/internal/speed"
	"github.com/fhirlake/fhirlake/pkg/datamodel"
)

// SetupRestAPI initializes the REST API and starts listening.
func SetupRestAPI(accounts gin.Accounts, hybrid *serving.Hybrid, runner *batch.Runner, speedCache *speed.Cache, validator *integrity.Validator) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/v1", gin.BasicAuth(accounts))
	{
		v1.GET("/views/:view/rows", getRowsHandler(hybrid))
		v1.GET("/views/:view/count", getCountHandler(hybrid))
		v1.GET("/views/:view/schema", getSchemaHandler(runner))
		v1.GET("/statistics", getStatisticsHandler(hybrid, runner, speedCache))
		v1.DELETE("/cache", deleteCacheHandler(runner, speedCache))
		v1.GET("/integrity/:schema", getIntegrityHandler(validator))
		v1.PUT("/speed/:resourceType/:id", putSpeedHandler(speedCache))
	}

	go func() {
		if err := router.Run(":80"); err != nil {
			zap.S().Fatalf("Failed to start REST API: %s", err)
		}
	}()
}

// queryConstraints extracts search constraints from the query string. Every
// parameter except limit is a constraint; unknown names are rejected further
// down as compile errors.
func queryConstraints(c *gin.Context) datamodel.SearchConstraints {
	constraints := datamodel.SearchConstraints{}
	for key, values := range c.Request.URL.Query() {
		if key == "limit" || len(values) == 0 {
			continue
		}
		constraints[key] = values[0]
	}
	return constraints
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.DefaultQuery("limit", "0")
	limit, err := safecast.Atoi32(raw)
	if err != nil {
		return 0, err
	}
	return int(limit), nil
}

func getRowsHandler(hybrid *serving.Hybrid) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryLimit(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit is not a valid number"})
			return
		}
		result, err := hybrid.Execute(c.Request.Context(), c.Param("view"), queryConstraints(c), limit)
		if err != nil {
			handleQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getCountHandler(hybrid *serving.Hybrid) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := hybrid.ExecuteCount(c.Request.Context(), c.Param("view"), queryConstraints(c))
		if err != nil {
			handleQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

func getSchemaHandler(runner *batch.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		schema, err := runner.GetSchema(c.Param("view"))
		if err != nil {
			handleQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"schema": schema})
	}
}

type systemStatistics struct {
	OS     string                 `json:"os"`
	Arch   string                 `json:"arch"`
	Memory *mem.VirtualMemoryStat `json:"memory,omitempty"`
	Load   *load.AvgStat          `json:"load,omitempty"`
	Host   *host.InfoStat         `json:"host,omitempty"`
}

func getStatisticsHandler(hybrid *serving.Hybrid, runner *batch.Runner, speedCache *speed.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		system := systemStatistics{OS: runtime.GOOS, Arch: runtime.GOARCH}
		if vmStat, err := mem.VirtualMemory(); err == nil {
			system.Memory = vmStat
		}
		if loadStat, err := load.Avg(); err == nil {
			system.Load = loadStat
		}
		if hostStat, err := host.Info(); err == nil {
			system.Host = hostStat
		}

		response := gin.H{
			"resultCache": runner.GetCacheStatistics(),
			"execution":   runner.GetExecutionStatistics(),
			"layers":      hybrid.GetStatistics(),
			"system":      system,
		}
		if speedCache != nil {
			response["speedLayer"] = speedCache.GetStatistics()
		}
		c.JSON(http.StatusOK, response)
	}
}

func deleteCacheHandler(runner *batch.Runner, speedCache *speed.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		runner.ClearCache(c.Request.Context())
		runner.InvalidateMaterializedViewCache()
		if speedCache != nil {
			if err := speedCache.Flush(c.Request.Context()); err != nil {
				zap.S().Warnf("Failed to flush speed layer: %s", err)
			}
		}
		c.Status(http.StatusNoContent)
	}
}

func getIntegrityHandler(validator *integrity.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := validator.Validate(c.Request.Context(), c.Param("schema"))
		if err != nil {
			handleQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report, "passed": report.Passed()})
	}
}

func putSpeedHandler(speedCache *speed.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if speedCache == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "speed layer is disabled"})
			return
		}
		resourceType := c.Param("resourceType")
		if _, err := catalog.Lookup(resourceType); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}
		var document map[string]interface{}
		if err := json.Unmarshal(raw, &document); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body is not a JSON document"})
			return
		}

		err = speedCache.Put(c.Request.Context(), resourceType, c.Param("id"), document)
		if errors.Is(err, datamodel.ErrCacheBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "speed layer backend unreachable"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func handleQueryError(c *gin.Context, err error) {
	if datamodel.IsCompileError(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zap.S().Errorw("Internal server error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
