package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/settings"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Dispatcher Dispatcher
	Mounts     MountRegistry
	Downloads  Orchestrator
	Settings   settings.Provider
	// Gatherer backs GET /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
}

// Handler serves the admin API and the asset catch-all.
type Handler struct {
	dispatcher Dispatcher
	mounts     MountRegistry
	downloads  Orchestrator
	settings   settings.Provider
	gatherer   prometheus.Gatherer
	log        logger.Logger
	heartbeat  time.Duration
}

// NewHandler returns a Handler over deps.
func NewHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		dispatcher: deps.Dispatcher,
		mounts:     deps.Mounts,
		downloads:  deps.Downloads,
		settings:   deps.Settings,
		gatherer:   deps.Gatherer,
		log:        log,
		heartbeat:  DefaultHeartbeatInterval,
	}
}

// ProxyMiddleware dispatches absolute-form requests before routing. Install
// it ahead of every route.
func (h *Handler) ProxyMiddleware() gin.HandlerFunc {
	return h.proxyRequests
}

// Register installs /metrics, the /api/v1 admin group and the catch-all
// asset route on router.
func (h *Handler) Register(router *gin.Engine) {
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/mounts", h.listMounts)
		v1.POST("/mounts", h.createMount)
		v1.GET("/mounts/:id", h.getMount)
		v1.DELETE("/mounts/:id", h.deleteMount)

		v1.GET("/downloads", h.listDownloads)
		v1.GET("/downloads/:id", h.getDownload)
		v1.GET("/downloads/:id/events", h.downloadEvents)
	}

	router.NoRoute(h.serveAsset)
}
