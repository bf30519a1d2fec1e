// Package search implements the federated search HTTP surface (spec.md
// §4.2/§6): a single query routed across candidate modules by the Central
// Memory Index. Rewritten from the teacher's conversation semantic-search
// handler (doSemanticSearch via vectorStore.Search over group IDs) to
// dispatch through cmi.Service.SearchMemories instead of a single vector
// store.
package search

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/gin-gonic/gin"
)

type searchRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	ModuleID string      `json:"moduleId"`
	Memory   interface{} `json:"memory"`
}

// MountRoutes mounts the federated search API on r, guarded by auth.
func MountRoutes(r *gin.Engine, cmiSvc *cmi.Service, auth gin.HandlerFunc) {
	g := r.Group("/v1/search", auth)

	g.POST("", func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Limit <= 0 {
			req.Limit = 20
		}

		results, err := cmiSvc.SearchMemories(c.Request.Context(), security.GetTenantID(c), req.Query, req.Limit)
		if err != nil {
			handleError(c, err)
			return
		}

		out := make([]searchResponse, 0, len(results))
		for _, r := range results {
			out = append(out, searchResponse{ModuleID: r.ModuleID, Memory: r.Item})
		}
		c.JSON(http.StatusOK, gin.H{"data": out})
	})

	g.GET("/route", func(c *gin.Context) {
		query := c.Query("query")
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
			return
		}
		decision, err := cmiSvc.RouteQuery(c.Request.Context(), security.GetTenantID(c), query)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	})
}

func handleError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case apperr.Invalid:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.DeadlineExceeded:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "deadline exceeded"})
	case apperr.EmbeddingUnavailable, apperr.StoreUnavailable, apperr.NotifierUnavailable:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Error("search API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
