package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gcquraishi/chronosgraph/internal/metrics"
	"github.com/gcquraishi/chronosgraph/internal/server/middleware"
	"github.com/gcquraishi/chronosgraph/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		app := c.(*middleware.AppContext).App
		if err := app.Store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Review queue routes
	apiRoutes.GET("/review", routes.GetReviewHandler)
	apiRoutes.POST("/review/:kind/:id/resolve", routes.ResolveReviewHandler)

	// Ingestion routes
	apiRoutes.POST("/batches", routes.SubmitBatchHandler)
	apiRoutes.POST("/works/:qid/enrich", routes.EnrichWorkHandler)
}
