// internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

// handlers binds the engine and store to the HTTP surface.
type handlers struct {
	engine  *Engine
	store   *storage.ServerStore
	limiter *deviceLimiter
	timeout time.Duration
	log     zerolog.Logger
}

func (h *handlers) register(r *gin.Engine, auth gin.HandlerFunc, metrics http.Handler) {
	r.GET("/health", h.health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	api := r.Group("/api/v1", auth)
	api.POST("/sync/", h.sync)
	api.GET("/sync/status", h.status)
	api.GET("/sync/conflicts", h.conflicts)

	api.GET("/graph/entities", h.entities)
	api.GET("/graph/entities/:id", h.entity)
	api.GET("/graph/entities/:id/versions", h.versions)
	api.GET("/graph/entities/:id/related", h.related)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *handlers) requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return c.Request.Context(), func() {}
	}
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *handlers) sync(c *gin.Context) {
	var req inbetweenies.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindUnsupportedProtocol,
			Detail: "malformed request body",
		})
		return
	}
	if !h.limiter.allow(req.DeviceID) {
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindRateLimited,
			Detail: "device " + req.DeviceID + " is syncing too fast",
		})
		return
	}

	ctx, cancel := h.requestCtx(c)
	defer cancel()
	resp, err := h.engine.ProcessSync(ctx, &req)
	if err != nil {
		status, werr := wireStatus(err)
		if werr.Kind == inbetweenies.ErrorKindInternal {
			h.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("sync failed")
		}
		c.AbortWithStatusJSON(status, werr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) status(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindUnsupportedProtocol,
			Detail: "missing device_id",
		})
		return
	}
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	info, err := h.engine.Status(ctx, deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("device_id", deviceID).Msg("status lookup failed")
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *handlers) conflicts(c *gin.Context) {
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	records, err := h.engine.Conflicts(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("conflict listing failed")
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
		return
	}
	if records == nil {
		records = []storage.ConflictRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records, "count": len(records)})
}

func (h *handlers) entities(c *gin.Context) {
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	current, err := h.store.AllCurrent(ctx)
	if err != nil {
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
		return
	}
	want := inbetweenies.EntityType(c.Query("entity_type"))
	out := make([]*inbetweenies.EntityVersion, 0, len(current))
	for _, ev := range current {
		if ev.IsTombstone() {
			continue
		}
		if want != "" && ev.EntityType != want {
			continue
		}
		out = append(out, ev)
	}
	c.JSON(http.StatusOK, gin.H{"entities": out, "count": len(out)})
}

func (h *handlers) entity(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	ev, err := h.store.GetCurrent(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindNotFound,
			Detail: "entity " + id + " not found",
		})
	case errors.Is(err, storage.ErrEntityInConflict):
		leaves, lerr := h.store.Leaves(ctx, id)
		if lerr != nil {
			status, werr := wireStatus(lerr)
			c.AbortWithStatusJSON(status, werr)
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"entity_id":   id,
			"in_conflict": true,
			"leaves":      leaves,
		})
	case err != nil:
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
	case ev.IsTombstone():
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindNotFound,
			Detail: "entity " + id + " is deleted",
		})
	default:
		c.JSON(http.StatusOK, ev)
	}
}

func (h *handlers) versions(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	lineage, err := h.store.Lineage(ctx, id)
	if err != nil {
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
		return
	}
	if len(lineage) == 0 {
		abortWire(c, &inbetweenies.WireError{
			Kind:   inbetweenies.ErrorKindNotFound,
			Detail: "entity " + id + " not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": id, "versions": lineage, "count": len(lineage)})
}

func (h *handlers) related(c *gin.Context) {
	id := c.Param("id")
	ctx, cancel := h.requestCtx(c)
	defer cancel()
	rels, err := h.store.RelationshipsFor(ctx, id)
	if err != nil {
		status, werr := wireStatus(err)
		c.AbortWithStatusJSON(status, werr)
		return
	}
	direction := c.DefaultQuery("direction", "both")
	wantType := inbetweenies.RelationshipType(c.Query("relationship_type"))
	out := make([]inbetweenies.Relationship, 0, len(rels))
	for _, rel := range rels {
		switch direction {
		case "from":
			if rel.FromID != id {
				continue
			}
		case "to":
			if rel.ToID != id {
				continue
			}
		}
		if wantType != "" && rel.Type != wantType {
			continue
		}
		out = append(out, rel)
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": id, "relationships": out, "count": len(out)})
}
