// Package api exposes stored decision traces to operators over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"spendsense/internal/model"
	"spendsense/internal/pipeline"
	"spendsense/internal/storage"
	"spendsense/internal/version"
)

const maxListLimit = 500

// Regenerator runs the pipeline for one user on demand.
type Regenerator interface {
	Run(ctx context.Context, userID string) (model.DecisionTrace, error)
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Build     version.Info `json:"build"`
}

// Handler serves the trace endpoints.
type Handler struct {
	store  storage.TraceStore
	regen  Regenerator
	logger zerolog.Logger
}

// NewHandler constructs a handler. regen may be nil, which disables
// on-demand regeneration.
func NewHandler(store storage.TraceStore, regen Regenerator, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		regen:  regen,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	SetupRoutes(router, h)
	return router
}

// SetupRoutes registers the trace endpoints on router.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/traces", h.ListTraces)

		users := v1.Group("/users/:user_id")
		users.GET("/trace", h.CurrentTrace)
		users.GET("/traces", h.TraceHistory)
		users.DELETE("/traces", h.PurgeTraces)
		users.POST("/regenerate", h.Regenerate)
		users.GET("/recommendations/:rec_id/explanation", h.Explanation)
	}
}

// Health reports liveness and build metadata.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Build:     version.Get(),
	})
}

// ListTraces returns current traces filtered by user_id, persona and content.
func (h *Handler) ListTraces(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	filter := model.TraceFilter{
		UserID:  c.Query("user_id"),
		Persona: c.Query("persona"),
		Content: c.Query("content"),
		Limit:   limit,
	}
	traces, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces, "count": len(traces)})
}

// CurrentTrace returns the user's current trace.
func (h *Handler) CurrentTrace(c *gin.Context) {
	trace, err := h.store.Latest(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

// TraceHistory returns the user's stored traces, newest first.
func (h *Handler) TraceHistory(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	traces, err := h.store.History(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces, "count": len(traces)})
}

// Explanation returns only the title and rationale of one recommendation
// from the user's current trace.
func (h *Handler) Explanation(c *gin.Context) {
	trace, err := h.store.Latest(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	explanation, err := pipeline.Explain(trace, c.Param("rec_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, explanation)
}

// PurgeTraces deletes every stored trace of the user.
func (h *Handler) PurgeTraces(c *gin.Context) {
	userID := c.Param("user_id")
	removed, err := h.store.Purge(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info().Str("user_id", userID).Int64("removed", removed).Msg("traces purged")
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "removed": removed})
}

// Regenerate runs the pipeline for the user now. A faulted run still wrote an
// incomplete trace, which is returned alongside the fault.
func (h *Handler) Regenerate(c *gin.Context) {
	if h.regen == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "regeneration is not enabled"})
		return
	}
	trace, err := h.regen.Run(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		var fe *pipeline.FaultError
		if errors.As(err, &fe) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    err.Error(),
				"stage":    fe.Stage,
				"trace_id": trace.TraceID,
			})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, trace)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no trace for user"})
	case errors.Is(err, pipeline.ErrRecommendationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 0 and " + strconv.Itoa(maxListLimit)})
		return 0, false
	}
	return limit, true
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		h.logger.Debug().
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(started)).
			Msg("request served")
	}
}
