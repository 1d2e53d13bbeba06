package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the JSON API surface around a run handler and an
// event hub.
func NewRouter(handler *RunHandler, hub *SSEHub) *gin.Engine {
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/runs", handler.CreateRun)
		api.GET("/runs", handler.ListRuns)
		api.GET("/runs/:id", handler.GetRun)
		api.GET("/runs/:id/report", handler.GetReport)
		api.GET("/runs/:id/events", hub.HandleEvents)
		api.GET("/reports", handler.ListReports)
	}

	return router
}
