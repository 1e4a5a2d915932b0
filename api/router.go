package api

import (
	"github.com/gin-gonic/gin"

	"ytweb/config"
)

func SetupRouter(h *Handler, cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), ClientIdentity(), h.limiter.Middleware())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// The token is the credential, so fetching a link needs no auth header.
	r.GET("/api/link/:token", h.handleFetchLink)

	v := r.Group("/api")
	v.Use(AuthMiddleware(cfg))
	{
		// Background jobs, polled for status
		v.POST("/download", h.handleCreateJob)
		v.GET("/status/:job_id", h.handleJobStatus)
		v.GET("/jobs", h.handleListJobs)

		// Synchronous variants
		v.POST("/download/stream", h.handleStream)
		v.POST("/link", h.handleCreateLink)

		v.POST("/formats", h.handleFormats)
		v.POST("/audio-formats", h.handleAudioFormats)
		v.GET("/history", h.handleHistory)
	}
	return r
}
