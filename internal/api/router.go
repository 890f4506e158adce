package api

import (
	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-ingest-pipeline/docs"
	"go-ingest-pipeline/internal/api/handler"
	"go-ingest-pipeline/pkg/router"
)

// RegisterRoutes mounts the status API and its swagger UI on r.
func RegisterRoutes(r *router.Router, h *handler.Handler) {
	r.GET("/api/v1/feeds", h.ListFeeds)
	r.GET("/api/v1/feeds/*/checkpoint", h.GetCheckpoint)
	r.GET("/api/v1/runs", h.ListRuns)
	// More specific routes first
	r.GET("/api/v1/runs/*/errors", h.GetRunErrors)
	r.GET("/api/v1/runs/*", h.GetRun)
	r.GET("/api/v1/cycles/last", h.GetLastCycle)
	r.POST("/api/v1/cycles", h.RunCycle)
	r.GET("/swagger/*", router.HandlerFunc(httpSwagger.WrapHandler))
}
