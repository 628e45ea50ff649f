package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/api/handlers"
	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/middleware"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
)

// Version 服务版本，由 cmd 在构建时覆盖
var Version = "dev"

// Deps 路由依赖
type Deps struct {
	Service    service.PatchService
	Dispatch   handlers.Dispatcher
	Hub        *handlers.LogHub
	MemMonitor *middleware.MemoryMonitor
	Metrics    *middleware.PrometheusMetrics
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}

	// 内存监控端点
	if deps.MemMonitor != nil {
		r.GET("/debug/memory", deps.MemMonitor.MetricsEndpoint())
	}

	if deps.Hub != nil {
		r.GET("/ws/runs/:id/logs", deps.Hub.HandleWebSocket)
	}

	runHandler := handlers.NewRunHandler(deps.Service, deps.Dispatch, logger)

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		v1.GET("/stats", runHandler.GetStats)
		v1.GET("/runs", runHandler.ListRuns)
		v1.GET("/runs/:id", runHandler.GetRun)
		v1.GET("/runs/:id/logs", runHandler.GetRunLogs)

		// 写操作需要 token
		write := v1.Group("", middleware.AuthMiddleware(cfg.Server.APIToken))
		write.POST("/runs", runHandler.CreateRun)
		write.POST("/runs/:id/stop", runHandler.StopRun)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		// 健康检查和指标抓取太频繁，降为 debug
		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		})
		switch c.FullPath() {
		case "/api/health", "/metrics/prometheus":
			entry.Debug("HTTP Request")
		default:
			entry.Info("HTTP Request")
		}
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
