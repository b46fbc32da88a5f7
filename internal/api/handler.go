package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/instant-demo/vscode-broker/internal/config"
	"github.com/instant-demo/vscode-broker/internal/domain"
	"github.com/instant-demo/vscode-broker/internal/metrics"
	"github.com/instant-demo/vscode-broker/internal/pool"
	"github.com/instant-demo/vscode-broker/internal/store"
	"github.com/instant-demo/vscode-broker/pkg/logging"
)

// Handler holds the HTTP handlers and dependencies.
type Handler struct {
	cfg     *config.Config
	pool    pool.Manager
	store   store.Repository // nil when the assignment ledger is disabled
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewHandler creates a new API handler. repo and m may be nil.
func NewHandler(cfg *config.Config, manager pool.Manager, repo store.Repository, m *metrics.Collector, logger *logging.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    manager,
		store:   repo,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AllocationResponse is the reply to a session request.
type AllocationResponse struct {
	Status     domain.AllocationStatus `json:"status"`
	InstanceID string                  `json:"instanceId,omitempty"`
	Address    string                  `json:"address,omitempty"`
	URL        string                  `json:"url,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// DestroyRequest asks for an instance to be torn down. The field name
// matches what existing clients send.
type DestroyRequest struct {
	MachineID string `json:"machineId"`
}

// TerminationResponse is the reply to a termination request.
type TerminationResponse struct {
	Status       string `json:"status"`
	InstanceID   string `json:"instanceId"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

// StatsResponse is the pool snapshot plus the ledger's lifetime counters,
// which are present only when the ledger is enabled.
type StatsResponse struct {
	domain.PoolStats
	Counters map[string]int64 `json:"counters,omitempty"`
}

// Router returns the configured Gin router.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(Recovery(h.logger))
	r.Use(RequestID())
	r.Use(RequestLogger(h.logger))
	if h.metrics != nil {
		r.Use(RequestMetrics(h.metrics))
	}

	r.GET("/health", h.health)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("/:sessionKey", h.allocate)
			sessions.POST("/:sessionKey", h.allocate)
			if h.store != nil {
				sessions.GET("/:sessionKey/instances", h.sessionInstances)
			}
		}

		v1.POST("/destroy", h.destroy)

		instances := v1.Group("/instances", APIKeyAuth(h.cfg.Server.APIKey))
		{
			instances.GET("", h.listInstances)
			instances.DELETE("/:id/termination", h.cancelTermination)
			instances.POST("/:id/release", h.release)
			if h.store != nil {
				instances.GET("/:id/assignment", h.assignment)
			}
		}

		poolGroup := v1.Group("/pool", APIKeyAuth(h.cfg.Server.APIKey))
		{
			poolGroup.GET("/stats", h.poolStats)
			poolGroup.POST("/sync", h.syncNow)
		}
	}

	// Legacy routes still called by the browser front end.
	r.POST("/destroy", h.destroy)
	r.GET("/:sessionKey", h.legacyAllocate)

	return r
}

// health returns a simple health check response.
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": h.cfg.Fleet.Provider,
	})
}

// allocate hands an instance to the session named in the path.
// legacyAllocate serves the root-level session path. Browsers request
// favicon.ico and similar files at the same level, and those must not take
// an instance, so any key that looks like a file name is refused.
func (h *Handler) legacyAllocate(c *gin.Context) {
	if strings.Contains(c.Param("sessionKey"), ".") {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: "NOT_FOUND"})
		return
	}
	h.allocate(c)
}

func (h *Handler) allocate(c *gin.Context) {
	sessionKey := c.Param("sessionKey")

	alloc, err := h.pool.Allocate(c.Request.Context(), sessionKey)
	switch alloc.Status {
	case domain.AllocationAssigned:
		c.JSON(http.StatusOK, AllocationResponse{
			Status:     alloc.Status,
			InstanceID: alloc.InstanceID,
			Address:    alloc.Address,
			URL:        alloc.URL,
		})
	case domain.AllocationStarting:
		c.JSON(http.StatusAccepted, AllocationResponse{
			Status:  alloc.Status,
			Message: "No instance is free yet, a new one is starting. Retry shortly.",
		})
	default:
		resp := AllocationResponse{Status: domain.AllocationUnavailable, Error: "no instance available"}
		if err != nil {
			resp.Error = err.Error()
		}
		c.JSON(http.StatusServiceUnavailable, resp)
	}
}

// destroy schedules the teardown of the instance named in the body.
func (h *Handler) destroy(c *gin.Context) {
	var req DestroyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.MachineID == "" {
		h.writeError(c, domain.ErrInvalidInstanceID)
		return
	}

	ticket, err := h.pool.RequestTermination(c.Request.Context(), req.MachineID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, TerminationResponse{
		Status:       "scheduled",
		InstanceID:   ticket.InstanceID,
		DelaySeconds: ticket.DelaySeconds(),
	})
}

// cancelTermination keeps an instance that was about to be torn down.
func (h *Handler) cancelTermination(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.CancelTermination(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TerminationResponse{Status: "cancelled", InstanceID: id})
}

// release returns a busy instance to the idle set.
func (h *Handler) release(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.Release(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TerminationResponse{Status: "released", InstanceID: id})
}

func (h *Handler) listInstances(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instances": h.pool.Instances(c.Request.Context())})
}

func (h *Handler) poolStats(c *gin.Context) {
	ctx := c.Request.Context()
	resp := StatsResponse{PoolStats: h.pool.Stats(ctx)}
	if h.store != nil {
		counters, err := h.store.GetCounters(ctx)
		if err != nil {
			h.logger.WithContext(ctx).Warn("Failed to read counters", "error", err)
		} else {
			resp.Counters = counters
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) syncNow(c *gin.Context) {
	h.pool.SyncNow()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync requested"})
}

// assignment returns the ledger record of an instance.
func (h *Handler) assignment(c *gin.Context) {
	a, err := h.store.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// sessionInstances lists the instances a session was given, so clients can
// tell a fresh instance from one they already used.
func (h *Handler) sessionInstances(c *gin.Context) {
	sessionKey := c.Param("sessionKey")
	ids, err := h.store.ListSessionInstances(c.Request.Context(), sessionKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionKey": sessionKey, "instances": ids})
}

// writeError maps domain errors to HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidInstanceID):
		status, code = http.StatusBadRequest, "INVALID_INSTANCE_ID"
	case errors.Is(err, domain.ErrInstanceNotFound):
		status, code = http.StatusNotFound, "INSTANCE_NOT_FOUND"
	case errors.Is(err, domain.ErrAssignmentNotFound):
		status, code = http.StatusNotFound, "ASSIGNMENT_NOT_FOUND"
	case errors.Is(err, domain.ErrNotBusy):
		status, code = http.StatusConflict, "NOT_BUSY"
	case errors.Is(err, domain.ErrNotPendingTermination):
		status, code = http.StatusConflict, "NOT_PENDING_TERMINATION"
	case errors.Is(err, domain.ErrScalingUnavailable), errors.Is(err, domain.ErrFleetUnavailable):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}
