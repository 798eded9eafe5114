package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/tg-media-indexer/api/handlers"
	"github.com/yourusername/tg-media-indexer/api/middleware"
	"github.com/yourusername/tg-media-indexer/internal/domain"
	"github.com/yourusername/tg-media-indexer/pkg/logger"
)

// RouterDeps are the services the HTTP surface exposes
type RouterDeps struct {
	Runs        handlers.RunService
	Records     domain.RecordRepository
	MultiLogger *logger.MultiLogger
	LogsDir     string
	Logger      *zap.Logger
}

// SetupRouter sets up the HTTP router
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(middleware.Logger(deps.Logger, deps.MultiLogger))
	router.Use(middleware.Recovery(deps.Logger, deps.MultiLogger))
	router.Use(middleware.CORS())

	healthHandler := handlers.NewHealthHandler(deps.Runs, deps.Records)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	v1 := router.Group("/api/v1")
	{
		runHandler := handlers.NewRunHandler(deps.Runs, deps.LogsDir, deps.Logger)
		runs := v1.Group("/runs")
		{
			runs.POST("", runHandler.StartRun)
			runs.GET("", runHandler.ListRuns)
			runs.GET("/:id", runHandler.GetRun)
			runs.GET("/:id/progress", runHandler.GetProgress)
			runs.GET("/:id/events", runHandler.StreamEvents)
			runs.GET("/:id/log", runHandler.GetRunLog)
			runs.POST("/:id/cancel", runHandler.CancelRun)
		}

		recordHandler := handlers.NewRecordHandler(deps.Records)
		records := v1.Group("/records")
		{
			records.GET("/stats", recordHandler.GetStats)
			records.GET("/search", recordHandler.Search)
			records.GET("/:identifier", recordHandler.GetRecord)
		}

		logHandler := handlers.NewLogHandler(deps.LogsDir)
		logs := v1.Group("/logs")
		{
			logs.GET("/categories", logHandler.GetCategories)
			logs.GET("/:category", logHandler.GetLogs)
			logs.GET("/:category/search", logHandler.SearchLogs)
			logs.GET("/:category/export", logHandler.ExportLogs)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}
