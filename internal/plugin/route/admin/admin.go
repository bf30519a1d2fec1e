// Package admin implements the operator-facing surface over the
// consistency protocol (spec.md §4.5): triggering the reconciliation job,
// listing modules, and per-module/per-tenant stats. There is no route for
// inspecting a reconciliation run or for purging a tenant.
// Trimmed from the teacher's conversation/attachment admin CRUD (see
// DESIGN.md) down to the parts with an equivalent concept in this domain;
// the justification-audit middleware and Prometheus stats mounts are kept
// verbatim in shape.
package admin

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/4xguy/federated-memory-sub004/internal/service/reconcile"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the admin API: reconciliation control, module stats,
// and Prometheus-backed time-series, all gated by auth + justification audit.
func MountRoutes(r *gin.Engine, stores map[string]registrymodule.Store, reconciler *reconcile.Service, cfg *config.Config, auth gin.HandlerFunc) {
	g := r.Group("/v1/admin", auth)

	g.POST("/reconcile", func(c *gin.Context) {
		stats, err := reconciler.Trigger(c.Request.Context())
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	g.GET("/modules/:moduleId/stats", func(c *gin.Context) {
		store, ok := stores[c.Param("moduleId")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown or disabled module"})
			return
		}
		stats, err := store.Stats(c.Request.Context(), security.GetTenantID(c))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	g.GET("/modules", func(c *gin.Context) {
		var ids []string
		for _, def := range moduledef.All() {
			if _, enabled := stores[def.ID()]; enabled {
				ids = append(ids, def.ID())
			}
		}
		c.JSON(http.StatusOK, gin.H{"modules": ids})
	})

	if cfg.PrometheusURL != "" {
		stats := newPrometheusStatsHandler(cfg)
		g.GET("/stats/request-rate", stats.rangeHandler(requestRateQuery, "request_rate", "requests/sec"))
		g.GET("/stats/error-rate", stats.rangeHandler(errorRateQuery, "error_rate", "percent"))
		g.GET("/stats/latency-p95", stats.rangeHandler(latencyP95Query, "latency_p95", "seconds"))
		g.GET("/stats/cache-hit-rate", stats.rangeHandler(cacheHitRateQuery, "cache_hit_rate", "percent"))
		g.GET("/stats/db-pool-utilization", stats.rangeHandler(dbPoolUtilizationQuery, "db_pool_utilization", "percent"))
		g.GET("/stats/store-latency-p95", stats.multiSeriesHandler(storeLatencyP95Query, "store_latency_p95", "seconds", "operation"))
		g.GET("/stats/store-throughput", stats.multiSeriesHandler(storeThroughputQuery, "store_throughput", "operations/sec", "operation"))
	}
}

func handleError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case apperr.Invalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.Conflict:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case apperr.DeadlineExceeded:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "deadline exceeded"})
	case apperr.EmbeddingUnavailable, apperr.StoreUnavailable, apperr.NotifierUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("admin API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
