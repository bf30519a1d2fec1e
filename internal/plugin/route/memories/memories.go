// Package memories implements the store/get/update/delete HTTP surface
// spec.md §6 names, backed entirely by the write pipeline (C5). Shaped
// after the teacher's admin.go handler style (handleError + queryInt
// helpers), generalized from conversation/entry CRUD to memory CRUD.
package memories

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type storeRequest struct {
	Content  string                 `json:"content" binding:"required"`
	ModuleID string                 `json:"moduleId"`
	Metadata map[string]interface{} `json:"metadata"`
}

type updateRequest struct {
	Content  *string                `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

// MountRoutes mounts the memory CRUD API on r, guarded by auth.
func MountRoutes(r *gin.Engine, pipeline *writepipeline.Pipeline, auth gin.HandlerFunc) {
	g := r.Group("/v1/memories", auth)

	g.POST("", func(c *gin.Context) {
		var req storeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := pipeline.Store(c.Request.Context(), security.GetTenantID(c), req.ModuleID, req.Content, req.Metadata)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	})

	g.GET("/:moduleId/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		item, err := pipeline.Get(c.Request.Context(), security.GetTenantID(c), c.Param("moduleId"), id)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	})

	g.PATCH("/:moduleId/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		var req updateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := pipeline.Update(c.Request.Context(), security.GetTenantID(c), c.Param("moduleId"), id, req.Content, req.Metadata)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	})

	g.DELETE("/:moduleId/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if err := pipeline.Delete(c.Request.Context(), security.GetTenantID(c), c.Param("moduleId"), id); err != nil {
			handleError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
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
		log.Error("memories API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
