package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/asset-gateway/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/asset-gateway/internal/logger"
)

// Dispatcher answers asset requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) *dispatcher.Response
}

// serveAsset hands the request to the dispatcher and writes its response.
func (h *Handler) serveAsset(c *gin.Context) {
	snap := h.settings.Current()
	log := logger.FromContext(c.Request.Context(), h.log)

	body, ok := h.readBody(c, snap.MaxBufferBytes)
	if !ok {
		return
	}

	resp := h.dispatcher.Dispatch(c.Request.Context(), dispatcher.Request{
		Method:     c.Request.Method,
		Target:     c.Request.RequestURI,
		Host:       c.Request.Host,
		Header:     c.Request.Header,
		Body:       body,
		RemoteAddr: c.Request.RemoteAddr,
	})

	header := c.Writer.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	c.Status(resp.StatusCode)

	if resp.Stream == nil {
		c.Writer.WriteHeaderNow()
		if len(resp.Body) > 0 {
			if _, err := c.Writer.Write(resp.Body); err != nil {
				log.Debug("Writing asset response failed", logger.Error(err))
			}
		}
		return
	}

	written, err := copyStream(c.Request.Context(), c.Writer, resp.Stream, snap.StreamGrace)
	if err != nil {
		log.Debug("Asset stream ended early",
			logger.Int64("bytes_written", written),
			logger.Int64("content_length", resp.ContentLength),
			logger.Error(err),
		)
	}
}

// readBody buffers a request body of at most limit bytes. Larger bodies get
// a 413 and ok=false.
func (h *Handler) readBody(c *gin.Context, limit int64) ([]byte, bool) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, true
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.String(http.StatusBadRequest, "bad request")
		return nil, false
	}
	if int64(len(data)) > limit {
		c.String(http.StatusRequestEntityTooLarge, "request too large")
		return nil, false
	}
	return data, true
}

// copyStream copies stream to w and always closes stream. Once ctx is done
// the stream is force-closed after grace, which unblocks a copy stuck on a
// slow reader.
func copyStream(ctx context.Context, w io.Writer, stream io.ReadCloser, grace time.Duration) (int64, error) {
	var once sync.Once
	closeStream := func() { once.Do(func() { _ = stream.Close() }) }
	defer closeStream()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			closeStream()
		}
	}()

	return io.Copy(w, stream)
}

// proxyRequests dispatches absolute-form targets ("GET http://host/x")
// before routing, so a proxied path like /health never reaches the gateway's
// own routes.
func (h *Handler) proxyRequests(c *gin.Context) {
	if strings.HasPrefix(c.Request.RequestURI, "/") || c.Request.RequestURI == "*" {
		c.Next()
		return
	}
	h.serveAsset(c)
	c.Abort()
}
