package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"avs/internal/devops"
	"avs/internal/devops/health"
	avserrors "avs/internal/errors"
	"avs/internal/task"
	"avs/internal/trigger"

	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope of every /v1 response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`

	Sidecars []health.Result `json:"sidecars,omitempty"`
}

// healthProbeTimeout bounds the sidecar probes run by /healthz.
const healthProbeTimeout = 3 * time.Second

// CreateTaskRequest triggers a task by hand.
type CreateTaskRequest struct {
	FileReference string `json:"file_reference"`
}

// handleHealth reports 503 "degraded" when any supervised sidecar fails
// its liveness probe.
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.deps.Sidecars != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		resp.Sidecars = s.deps.Sidecars.Probe(ctx)
		cancel()
		for _, r := range resp.Sidecars {
			if !r.Healthy {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				break
			}
		}
	}
	c.JSON(code, resp)
}

func (s *Server) handleSidecars(c *gin.Context) {
	var statuses []devops.ContainerStatus
	if s.deps.Sidecars != nil {
		statuses = s.deps.Sidecars.Statuses()
	}
	if statuses == nil {
		statuses = []devops.ContainerStatus{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: statuses})
}

func (s *Server) handleCreateTask(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusServiceUnavailable, APIResponse{Error: "task dispatch disabled"})
		return
	}

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid request: " + err.Error()})
		return
	}

	summary, err := s.deps.Tasks.Dispatch(c.Request.Context(), trigger.Request{
		FileReference: req.FileReference,
		Origin:        "http",
	})
	if err != nil {
		c.JSON(statusForTaskError(err), APIResponse{Data: summary, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: summary})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: trigger.Stats{}})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.deps.Tasks.Stats()})
}

func statusForTaskError(err error) int {
	switch {
	case task.IsTaskError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, devops.ErrUnknownRole), avserrors.IsDegraded(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrCheckerStatus),
		errors.Is(err, task.ErrCheckerRequest),
		errors.Is(err, task.ErrEnvelopeDecode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
