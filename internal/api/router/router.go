package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/upload-queue/internal/api/handlers/upload"
	"github.com/aliskhannn/upload-queue/internal/middleware"
)

func Setup(h *upload.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.POST("/uploads", h.Upload)            // queue a new upload
	api.GET("/uploads/:id", h.Get)            // item or finished attachment
	api.POST("/uploads/:id/cancel", h.Cancel) // cancel an upload
	api.DELETE("/uploads/:id", h.Delete)      // remove from queue
	api.GET("/queue", h.Queue)                // queue state
	api.POST("/queue/pause", h.Pause)         // stop starting operations
	api.POST("/queue/resume", h.Resume)       // start operations again
	api.PATCH("/settings", h.UpdateSettings)  // merge settings
	api.GET("/blobs/:id", h.Blob)             // cached preview
	api.GET("/bulk-actions", h.BulkActions)   // actions for a selection
	api.POST("/bulk-actions/:name", h.InvokeBulkAction)

	return r
}
