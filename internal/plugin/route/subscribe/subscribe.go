// Package subscribe implements the change-notification SSE endpoint
// (spec.md §6 "Change notifier transport"): one long-lived stream per
// tenant, framed and kept alive by internal/service/notifier.
package subscribe

import (
	"net/http"

	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/4xguy/federated-memory-sub004/internal/service/notifier"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the SSE subscription endpoint on r, guarded by auth.
func MountRoutes(r *gin.Engine, notify *notifier.Service, auth gin.HandlerFunc) {
	r.GET("/v1/subscribe", auth, func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		flusher, ok := c.Writer.(http.Flusher)
		flush := func() {}
		if ok {
			flush = flusher.Flush
		}

		if err := notify.ServeSSE(c.Request.Context(), c.Writer, flush, security.GetTenantID(c)); err != nil {
			return
		}
	})
}
