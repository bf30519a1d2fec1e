// Package modules exposes the enabled module list and per-module stats
// (spec.md §4.1/§6 listModules), a thin read-only surface over
// registry/moduledef and registry/module.Store.
package modules

import (
	"net/http"

	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/gin-gonic/gin"
)

type moduleInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// MountRoutes mounts the module listing/stats API on r, guarded by auth.
func MountRoutes(r *gin.Engine, stores map[string]registrymodule.Store, auth gin.HandlerFunc) {
	g := r.Group("/v1/modules", auth)

	g.GET("", func(c *gin.Context) {
		var out []moduleInfo
		for _, def := range moduledef.All() {
			if _, enabled := stores[def.ID()]; !enabled {
				continue
			}
			out = append(out, moduleInfo{ID: def.ID(), DisplayName: def.DisplayName(), Description: def.Description()})
		}
		c.JSON(http.StatusOK, gin.H{"data": out})
	})

	g.GET("/:moduleId/stats", func(c *gin.Context) {
		store, ok := stores[c.Param("moduleId")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown module"})
			return
		}
		stats, err := store.Stats(c.Request.Context(), security.GetTenantID(c))
		if err != nil {
			if apperr.KindOf(err) == apperr.NotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}
