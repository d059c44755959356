package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/scheduler"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// EventReader is the read side of the repository.
type EventReader interface {
	GetEvents(ctx context.Context, f store.Filter, limit int) ([]model.Event, error)
	GetEventByID(ctx context.Context, id string) (model.Event, error)
	GetInstitution(ctx context.Context, cert string) (model.Institution, error)
}

// Orchestrator is the part of the scheduler exposed over HTTP.
type Orchestrator interface {
	HealthCheck(ctx context.Context) *scheduler.HealthReport
	Statistics(ctx context.Context) (*scheduler.StatisticsReport, error)
}

// Handlers serves the read-only query surface.
type Handlers struct {
	events EventReader
	orch   Orchestrator
}

func NewHandlers(events EventReader, orch Orchestrator) *Handlers {
	return &Handlers{events: events, orch: orch}
}

// Router builds the gin engine with every route registered.
func (h *Handlers) Router(withMetrics bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())
	r.GET("/healthz", h.Liveness)
	r.GET("/health", h.Health)
	r.GET("/events", h.ListEvents)
	r.GET("/events/:id", h.GetEvent)
	r.GET("/institutions/:cert", h.GetInstitution)
	r.GET("/statistics", h.Statistics)
	if withMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return r
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		}).Debug("api request")
	}
}

// Liveness answers without touching any dependency.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Health runs the connector discovery probes.
func (h *Handlers) Health(c *gin.Context) {
	rep := h.orch.HealthCheck(c.Request.Context())
	code := http.StatusOK
	if rep.Status == scheduler.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, rep)
}

// ListEvents filters stored events by query parameters.
func (h *Handlers) ListEvents(c *gin.Context) {
	var f store.Filter
	var err error
	if v := c.Query("start"); v != "" {
		if f.Start, err = model.ParseDate(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start: " + err.Error()})
			return
		}
	}
	if v := c.Query("end"); v != "" {
		if f.End, err = model.ParseDate(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end: " + err.Error()})
			return
		}
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end before start"})
		return
	}
	f.Categories = c.QueryArray("category")
	f.Regulators = c.QueryArray("regulator")
	f.Institution = c.Query("institution")
	limit := store.DefaultLimit
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}
	events, err := h.events.GetEvents(c.Request.Context(), f, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
}

func (h *Handlers) GetEvent(c *gin.Context) {
	ev, err := h.events.GetEventByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handlers) GetInstitution(c *gin.Context) {
	inst, err := h.events.GetInstitution(c.Request.Context(), c.Param("cert"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *Handlers) Statistics(c *gin.Context) {
	st, err := h.orch.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.WithError(err).WithField("path", c.FullPath()).Error("api query failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
