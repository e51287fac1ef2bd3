package router

import (
	"net/http"
	"strconv"
	"strings"

	"yldr-backend/internal/app"
	"yldr-backend/internal/config"
	"yldr-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware applies the configured origin allowlist. An empty list
// allows everything.
func corsMiddleware(cfg *config.CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0 ||
		(len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range cfg.AllowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SetupRouter wires every route onto the container's handlers.
func SetupRouter(cfg *config.Config, container *app.Container) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(&cfg.CORS))

	logger := logrus.StandardLogger()
	adminIPs := middleware.NewIPAllowlist(logger, cfg.Admin.AllowedIPs)
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.Admin.JWTSecret, logger)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "yldr-backend"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		deposits := api.Group("/deposits")
		{
			deposits.POST("/create-intent", container.IntentHandlers.CreateDepositIntent)
			deposits.GET("/status/:refId", container.StatusHandlers.DepositStatus)
			deposits.GET("/pending", container.StatusHandlers.PendingDeposits)
		}

		relayer := api.Group("/relayer")
		{
			relayer.POST("/progress", container.RelayerHandlers.Progress)
			relayer.POST("/finish", container.RelayerHandlers.Finish)
		}

		withdraw := api.Group("/withdraw")
		{
			withdraw.POST("/create-intent", container.IntentHandlers.CreateWithdrawIntent)
			withdraw.POST("/finish", container.WithdrawHandlers.Finish)
			withdraw.POST("/direct", container.WithdrawHandlers.Direct)
			withdraw.GET("/status/:refId", container.StatusHandlers.WithdrawStatus)
			withdraw.GET("/pending", container.StatusHandlers.PendingWithdrawals)
		}

		api.GET("/ws", container.WebSocketHandler.StatusStream)

		admin := api.Group("/admin", adminIPs.Restrict())
		{
			admin.POST("/login", container.AdminAuthHandler.Login)
			admin.POST("/totp/generate", container.AdminAuthHandler.GenerateTOTPSecret)

			protected := admin.Group("", adminAuth.RequireAdminAuth())
			{
				protected.POST("/intents/:kind/:refId/force-unlock", container.AdminHandlers.ForceUnlock)
				protected.POST("/requeue-stale", container.AdminHandlers.RequeueStale)
			}
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"ok":    false,
			"error": "endpoint not found",
			"path":  c.Request.URL.Path,
		})
	})

	return r
}
