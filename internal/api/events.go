package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
)

// SSE event names on the download progress stream.
const (
	EventProgress = "progress"
	EventDone     = "done"
)

// DefaultHeartbeatInterval spaces keep-alive comments on idle streams.
const DefaultHeartbeatInterval = 15 * time.Second

func setSSEHeaders(w gin.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// downloadEvents streams progress for one download. A download that already
// finished gets its final record as a single "done" event.
func (h *Handler) downloadEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	log := logger.FromContext(ctx, h.log).With(logger.String("mount_id", id))

	updates, unsubscribe, ok := h.downloads.Subscribe(id)
	if !ok {
		p, found, err := h.downloads.Progress(ctx, id)
		if err != nil || !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "download not found"})
			return
		}
		setSSEHeaders(c.Writer)
		c.SSEvent(EventDone, p)
		return
	}
	defer unsubscribe()

	setSSEHeaders(c.Writer)
	log.Debug("Progress stream opened")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case p, open := <-updates:
			if !open {
				if final, found, err := h.downloads.Progress(ctx, id); err == nil && found {
					c.SSEvent(EventDone, final)
				}
				return false
			}
			c.SSEvent(EventProgress, p)
			return true
		case <-heartbeat.C:
			_, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
	log.Debug("Progress stream closed")
}
