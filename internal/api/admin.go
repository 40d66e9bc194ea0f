package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/apperrors"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/downloads"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/mounts"
)

// MountRegistry is the read and unmount side of the mount registry.
type MountRegistry interface {
	Unmount(id string) (bool, error)
	Get(id string) (mounts.Info, bool)
	List() []mounts.Info
}

// Orchestrator admits mount requests and reports download progress.
type Orchestrator interface {
	RequestMount(ctx context.Context, id, archivePath string, hint *downloads.Hint) downloads.Outcome
	Active() []downloads.Progress
	Progress(ctx context.Context, id string) (downloads.Progress, bool, error)
	List(ctx context.Context) ([]downloads.Progress, error)
	Subscribe(id string) (<-chan downloads.Progress, func(), bool)
}

// MountRequest is the POST /api/v1/mounts body. Path is optional; without it
// the archive is looked up under the artifact root.
type MountRequest struct {
	ID   string          `binding:"required" json:"id"`
	Path string          `json:"path,omitempty"`
	Hint *downloads.Hint `json:"hint,omitempty"`
}

func (h *Handler) createMount(c *gin.Context) {
	var req MountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	out := h.downloads.RequestMount(c.Request.Context(), req.ID, req.Path, req.Hint)
	logger.FromContext(c.Request.Context(), h.log).Info("Mount requested",
		logger.String("mount_id", req.ID),
		logger.Int("status", out.StatusCode),
		logger.Bool("downloading", out.Downloading),
	)
	c.JSON(out.StatusCode, out)
}

func (h *Handler) deleteMount(c *gin.Context) {
	id := c.Param("id")
	removed, err := h.mounts.Unmount(id)
	if err != nil {
		logger.FromContext(c.Request.Context(), h.log).Warn("Unmount failed",
			logger.String("mount_id", id),
			logger.RedactedError(err),
		)
		c.JSON(apperrors.StatusCode(err), gin.H{"error": apperrors.PublicMessage(err)})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMounts(c *gin.Context) {
	list := h.mounts.List()
	c.JSON(http.StatusOK, gin.H{"mounts": list, "count": len(list)})
}

func (h *Handler) getMount(c *gin.Context) {
	info, ok := h.mounts.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "mount not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) listDownloads(c *gin.Context) {
	list, err := h.downloads.List(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"downloads": list,
		"count":     len(list),
		"active":    len(h.downloads.Active()),
	})
}

func (h *Handler) getDownload(c *gin.Context) {
	p, ok, err := h.downloads.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress store unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"download": p, "percent": p.Percent()})
}
