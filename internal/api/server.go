// Package api exposes the changerun service over HTTP using gin.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/changerun"
	"github.com/loykin/changerun/internal/common"
	"github.com/loykin/changerun/internal/constants"
)

// Options configure the router.
type Options struct {
	CORSOrigins []string
	// Mode is the gin mode (debug, release, test). Empty keeps gin's current mode.
	Mode string
}

// Handler serves the REST API of a Service.
type Handler struct {
	svc *changerun.Service
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc *changerun.Service, opts Options) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{constants.DefaultCORSOrigin}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), CORS(origins))

	h := &Handler{svc: svc}
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "handles": svc.Registry().Len()})
	})

	api := engine.Group("/api")
	conns := api.Group("/connections")
	conns.GET("", h.listConnections)
	conns.POST("", h.createConnection)
	conns.GET("/:id", h.getConnection)
	conns.PUT("/:id", h.updateConnection)
	conns.DELETE("/:id", h.deleteConnection)
	conns.POST("/:id/test", h.testConnection)

	cl := api.Group("/changelogs")
	cl.GET("/changelog-content", h.changelogContent)
	cl.GET("/:projectKey", h.listChangelog)
	cl.POST("/execute-changelog/:projectKey", h.executeChangelog)
	cl.POST("/apply-tag/:projectKey", h.applyTag)

	q := api.Group("/query")
	q.POST("/execute/:projectKey", h.executeQuery)
	q.POST("/save-changeset/:projectKey", h.saveChangeset)

	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger := common.GetLogger().WithComponent("http").WithRequest(c.Request.Method, c.Request.URL.Path)
		status := c.Writer.Status()
		args := []any{"status", status, "elapsed_ms", time.Since(start).Milliseconds()}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", args...)
			return
		}
		logger.Debug("request served", args...)
	}
}
