package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter registers the accounting sync routes. Everything under
// /api/accounting needs a valid token carrying one of privilegedRoles.
func NewRouter(h *Handler, auth *Authenticator, privilegedRoles []string, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	accounting := router.Group("/api/accounting", auth.Middleware(), RequireRole(privilegedRoles...))
	{
		accounting.POST("/backfill", h.StartBackfill)
		accounting.GET("/backfill", h.ListBackfills)
		accounting.GET("/backfill/:jobId", h.GetBackfillStatus)

		accounting.POST("/payments/push", h.PushPayments)
		accounting.POST("/invoices/push", h.PushInvoices)

		accounting.GET("/conflicts", h.ListConflicts)
		accounting.POST("/conflicts/:id/resolve", h.ResolveConflict)

		accounting.GET("/logs", h.ListLogs)
		accounting.POST("/logs/:id/retry", h.RetryLog)
	}

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if claims, ok := claimsFrom(c); ok {
			fields = append(fields, zap.String("tenant_id", claims.TenantID), zap.String("user_id", claims.UserID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			return
		}
		logger.Debug("request handled", fields...)
	}
}
