package handler

import (
	"log/slog"
	"net/http"

	"modledger/internal/logger"
	"modledger/internal/metrics"

	"github.com/gin-gonic/gin"
)

// SetupRouter wires the read-only ops API.
func SetupRouter(h *Handler, l *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := logger.Component(l, "http")

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware())

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
		}

		api.GET("/transaction/detail", h.GetTransaction)
		api.GET("/stats", h.GetStats)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
