package handler

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/supplysync/backend/internal/application/jobs"
	"github.com/supplysync/backend/internal/domain/job"
	"github.com/supplysync/backend/internal/domain/shared"
	"github.com/supplysync/backend/internal/interfaces/http/dto"
)

// JobHandler exposes the operator surface over the job queue
type JobHandler struct {
	BaseHandler
	service *jobs.Service
}

// NewJobHandler creates a job handler
func NewJobHandler(service *jobs.Service) *JobHandler {
	return &JobHandler{service: service}
}

// RegisterRoutes registers job routes on the API group
func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/jobs")
	group.POST("", h.Enqueue)
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.POST("/:id/reset", h.Reset)
	group.POST("/:id/cancel", h.Cancel)
}

// Enqueue validates and stores a new job
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, err.Error())
		return
	}

	payload, err := decodeTypedPayload(job.Type(req.Type), req.Payload)
	if err != nil {
		h.Error(c, err)
		return
	}

	created, err := h.service.Enqueue(c.Request.Context(), job.Type(req.Type), payload)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Created(c, dto.ToJobResponse(created))
}

// Get returns one job with progress and terminal result
func (h *JobHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "invalid job id")
		return
	}
	found, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, dto.ToJobResponse(found))
}

// List returns recent jobs, optionally filtered by status
func (h *JobHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	status := job.Status(c.Query("status"))

	found, err := h.service.List(c.Request.Context(), status, limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	out := make([]dto.JobResponse, 0, len(found))
	for i := range found {
		out = append(out, dto.ToJobResponse(&found[i]))
	}
	h.Success(c, out)
}

// Reset returns a non-running job to the queue
func (h *JobHandler) Reset(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "invalid job id")
		return
	}
	if err := h.service.Reset(c.Request.Context(), id); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, gin.H{"id": id.String(), "status": string(job.StatusPending)})
}

// Cancel marks a job cancelled
func (h *JobHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "invalid job id")
		return
	}
	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, gin.H{"id": id.String(), "status": string(job.StatusCancelled)})
}

// decodeTypedPayload parses the raw payload into the typed structure for the
// job type so enqueue-time validation sees real fields, not a blob.
func decodeTypedPayload(jobType job.Type, raw json.RawMessage) (any, error) {
	switch jobType {
	case job.TypeDocumentExtraction:
		var p job.DocumentExtractionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return p, nil
	case job.TypeCostReconciliation:
		var p job.CostReconciliationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &shared.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return p, nil
	default:
		return nil, &shared.ValidationError{Field: "type", Reason: "unknown job type " + string(jobType)}
	}
}
