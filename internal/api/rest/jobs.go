package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type jobSubmission struct {
	TargetDevice   string `json:"target_device"`
	PayloadRef     string `json:"payload_ref,omitempty"`
	PayloadInline  []byte `json:"payload_inline,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	SubmittedBy    string `json:"submitted_by,omitempty"`
}

func jobResponse(j *types.Job) gin.H {
	resp := gin.H{
		"id":               j.ID,
		"device_id":        j.DeviceID,
		"state":            j.State,
		"ordering_key":     j.OrderingKey,
		"retry_count":      j.RetryCount,
		"lifetime_retries": j.LifetimeRetries,
		"created_at":       j.CreatedAt,
		"transitioned_at":  j.TransitionedAt,
	}
	if j.Payload.URL != "" {
		resp["payload_ref"] = j.Payload.URL
	}
	if j.ErrorDetail != "" {
		resp["error_detail"] = j.ErrorDetail
	}
	if j.SubmittedBy != "" {
		resp["submitted_by"] = j.SubmittedBy
	}
	return resp
}

// POST /api/v1/jobs
func (s *Server) submitJob(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_BODY", "failed to read request body", nil))
		return
	}

	if err := s.lm.Validator().ValidateSubmission(body); err != nil {
		s.respondError(c, err)
		return
	}

	var req jobSubmission
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_BODY", err.Error(), nil))
		return
	}

	j := &types.Job{
		DeviceID: req.TargetDevice,
		Payload: types.PayloadRef{
			URL:    req.PayloadRef,
			Inline: req.PayloadInline,
		},
		IdempotencyKey: req.IdempotencyKey,
		SubmittedBy:    req.SubmittedBy,
	}

	submitted, err := s.lm.Dispatcher().Submit(c.Request.Context(), j)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, jobResponse(submitted))
}

func parsePagination(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}

// GET /api/v1/jobs?device_id=&state=&limit=&offset=
func (s *Server) listJobs(c *gin.Context) {
	deviceID := c.Query("device_id")

	var states []types.JobState
	if raw := c.Query("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			states = append(states, types.JobState(strings.TrimSpace(part)))
		}
	}

	limit, err := parsePagination(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_QUERY", "limit must be a non-negative integer", nil))
		return
	}
	offset, err := parsePagination(c.DefaultQuery("offset", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_QUERY", "offset must be a non-negative integer", nil))
		return
	}

	jobs, err := s.lm.Storage().ListJobs(c.Request.Context(), deviceID, states, limit, offset)
	if err != nil {
		s.respondError(c, err)
		return
	}

	response := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		response = append(response, jobResponse(j))
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  response,
		"count": len(response),
	})
}

// GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_ID", "invalid job ID", nil))
		return
	}

	j, err := s.lm.Storage().GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResponse(j))
}

// POST /api/v1/jobs/:id/cancel
func (s *Server) cancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_ID", "invalid job ID", nil))
		return
	}

	j, err := s.lm.Dispatcher().Cancel(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResponse(j))
}

// POST /api/v1/jobs/:id/retry
func (s *Server) retryJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_ID", "invalid job ID", nil))
		return
	}

	j, err := s.lm.Dispatcher().Retry(c.Request.Context(), jobID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, jobResponse(j))
}

// respondError maps domain errors to HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("VALIDATION_FAILED", err.Error(), nil))
	case errors.Is(err, types.ErrJobNotFound), errors.Is(err, types.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("NOT_FOUND", err.Error(), nil))
	case errors.Is(err, types.ErrConflict), errors.Is(err, types.ErrStaleTransition):
		c.JSON(http.StatusConflict, types.NewErrorResponse("CONFLICT", err.Error(), nil))
	case errors.Is(err, types.ErrTransportUnavailable):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("TRANSPORT_UNAVAILABLE", err.Error(), nil))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL", err.Error(), nil))
	}
}
