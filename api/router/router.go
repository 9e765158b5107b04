package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oltcli/oltcli/api/handler"
	"github.com/oltcli/oltcli/internal/service"
	"github.com/oltcli/oltcli/pkg/logger"
	"github.com/oltcli/oltcli/simulate"
)

// Services 路由依赖
type Services struct {
	Terminal  *service.TerminalService
	Provision *service.ProvisionService
	Directory *service.Directory
	// Simulator 为空时模拟器接口返回 404
	Simulator      *simulate.Manager
	SimulateConfig string
	Version        string
}

// SetupRouter 设置路由
func SetupRouter(s Services) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware())

	terminalHandler := handler.NewTerminalHandler(s.Terminal)
	batchHandler := handler.NewBatchHandler(s.Provision)
	directoryHandler := handler.NewDirectoryHandler(s.Directory)
	simulateHandler := handler.NewSimulateHandler(s.Simulator, s.SimulateConfig)

	version := s.Version
	if version == "" {
		version = "dev"
	}
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "OLT CLI",
			"version": version,
			"status":  "running",
		})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, handler.SuccessResponse{Code: "SUCCESS", Message: "OK", Data: gin.H{"time": time.Now()}})
		})

		// 交互会话
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", terminalHandler.CreateSession)
			sessions.GET("", terminalHandler.ListSessions)
			sessions.GET("/stats", terminalHandler.GetStats)
			sessions.GET("/:id", terminalHandler.GetSession)
			sessions.POST("/:id/send", terminalHandler.SendLine)
			sessions.GET("/:id/ws", terminalHandler.Attach)
			sessions.DELETE("/:id", terminalHandler.CloseSession)
		}

		// 批量下发
		batch := v1.Group("/batch")
		{
			batch.POST("/run", batchHandler.RunBatch)
			batch.POST("/bootstrap", batchHandler.Bootstrap)
			batch.POST("/provision", batchHandler.Provision)
			batch.POST("/provision-all", batchHandler.ProvisionAll)
			batch.POST("/deprovision", batchHandler.Deprovision)
			batch.GET("/jobs", batchHandler.ListJobs)
			batch.GET("/jobs/:id", batchHandler.GetJob)
		}

		devices := v1.Group("/devices")
		{
			devices.POST("", directoryHandler.UpsertDevice)
			devices.GET("", directoryHandler.ListDevices)
			devices.GET("/:name/resolve", directoryHandler.ResolveTarget)
			devices.DELETE("/:name", directoryHandler.DeleteDevice)
		}
		principals := v1.Group("/principals")
		{
			principals.POST("", directoryHandler.UpsertPrincipal)
			principals.GET("", directoryHandler.ListPrincipals)
			principals.DELETE("/:username", directoryHandler.DeletePrincipal)
		}
		v1.POST("/roles", directoryHandler.UpsertRole)
		v1.GET("/roles", directoryHandler.ListRoles)

		sim := v1.Group("/simulate")
		{
			sim.GET("/namespaces", simulateHandler.ListNamespaces)
			sim.GET("/namespaces/:ns/history", simulateHandler.History)
			sim.POST("/reload", simulateHandler.Reload)
		}
	}

	// 404处理
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志中间件；请求体可能含密码，不记录
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		statusCode := c.Writer.Status()
		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     statusCode,
			"duration":   time.Since(start),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case statusCode >= 500:
			entry.Error("HTTP Error")
		case statusCode >= 400:
			entry.Warn("HTTP Request")
		default:
			entry.Info("HTTP Request")
		}
	}
}
