// -----------------------------------------------------------------------
// Job Handler - REST surface for job creation, polling state and lifecycle
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
	"github.com/openwings/ausculto/internal/pipeline"
	"github.com/openwings/ausculto/internal/tracker"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	session  *tracker.Session
	storage  interfaces.JobCacheStorage
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(session *tracker.Session, storage interfaces.JobCacheStorage, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		session:  session,
		storage:  storage,
		validate: validator.New(),
		logger:   logger,
	}
}

type createJobPayload struct {
	Kind          string                 `json:"kind" validate:"required"`
	ScopeKind     string                 `json:"scope_kind" validate:"required"`
	ScopeID       string                 `json:"scope_id" validate:"required"`
	Params        map[string]interface{} `json:"params,omitempty"`
	TargetModelID string                 `json:"target_model_id,omitempty"`
	LabeledClips  int                    `json:"labeled_clips,omitempty"`
}

// CreateJobHandler creates a job on the backend and starts tracking it.
// The local dependency guard runs first; an illegal action is rejected
// with a guard code before any network call happens.
// POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	ctx := r.Context()

	var payload createJobPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&payload); err != nil {
		WriteError(w, http.StatusBadRequest, "Missing required fields: kind, scope_kind, scope_id")
		return
	}

	kind := models.JobKind(payload.Kind)
	if !models.IsValidJobKind(kind) {
		WriteError(w, http.StatusBadRequest, "Unknown job kind: "+payload.Kind)
		return
	}
	scope := models.Scope{Kind: models.ScopeKind(payload.ScopeKind), ID: payload.ScopeID}

	state, err := h.session.BuildScopeState(ctx, scope, payload.TargetModelID, payload.LabeledClips)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", scope.Key()).Msg("Failed to build scope state")
		WriteError(w, http.StatusInternalServerError, "Failed to evaluate scope state")
		return
	}

	req := &interfaces.CreateJobRequest{
		Kind:   kind,
		Scope:  scope,
		Params: payload.Params,
	}

	job, err := h.session.CreateJob(ctx, req, state)
	if err != nil {
		if tracker.IsGuardError(err) {
			WriteGuardError(w, string(tracker.GuardCodeOf(err)), err.Error())
			return
		}
		h.logger.Error().Err(err).Str("kind", payload.Kind).Msg("Failed to create job")
		WriteError(w, h.statusForPipelineError(err), "Failed to create job")
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// ListJobsHandler returns a paginated list of cached jobs
// GET /api/jobs?limit=50&offset=0&status=running&kind=foundation_model_run&scope=dataset:ds_1
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts := &interfaces.JobListOptions{
		Kind:     r.URL.Query().Get("kind"),
		Status:   r.URL.Query().Get("status"),
		ScopeKey: r.URL.Query().Get("scope"),
		Limit:    QueryInt(r, "limit", 50),
		Offset:   QueryInt(r, "offset", 0),
		OrderBy:  r.URL.Query().Get("order_by"),
		OrderDir: r.URL.Query().Get("order_dir"),
	}
	if opts.OrderBy == "" {
		opts.OrderBy = "created_at"
	}
	if opts.OrderDir == "" {
		opts.OrderDir = "DESC"
	}

	jobs, err := h.storage.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	totalCount, err := h.storage.CountJobs(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to count jobs")
		totalCount = len(jobs)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"total_count": totalCount,
		"limit":       opts.Limit,
		"offset":      opts.Offset,
	})
}

// GetJobHandler returns a single cached job by ID
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.storage.GetJob(ctx, jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":     job,
		"tracked": h.isTracked(jobID),
	})
}

// GetProgressHandler returns the cached progress of a job. Progress comes
// from the poll loop; this endpoint never calls the backend directly.
// GET /api/jobs/{id}/progress
func (h *JobHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.storage.GetJob(ctx, jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   job.ID,
		"status":   job.Status,
		"progress": job.Progress,
		"terminal": job.IsTerminal(),
		"error":    job.Error,
	})
}

// CancelJobHandler requests backend cancellation and confirms it with a
// follow-up poll. The response carries whatever status the backend
// actually reported, which may be completed if the job won the race.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	job, err := h.session.Cancel(ctx, jobID)
	if err != nil {
		if tracker.IsGuardError(err) {
			WriteGuardError(w, string(tracker.GuardCodeOf(err)), err.Error())
			return
		}
		if errors.Is(err, pipeline.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to cancel job")
		WriteError(w, h.statusForPipelineError(err), "Failed to cancel job")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job":       job,
		"cancelled": job.Status == models.JobStatusCancelled,
	})
}

// DeleteJobHandler deletes a terminal job. Deleting an active job is
// rejected locally with the job-active guard code.
// DELETE /api/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}
	ctx := r.Context()

	jobID := jobIDFromPath(r.URL.Path)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.session.Delete(ctx, jobID); err != nil {
		if tracker.IsGuardError(err) {
			WriteGuardError(w, string(tracker.GuardCodeOf(err)), err.Error())
			return
		}
		if errors.Is(err, pipeline.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to delete job")
		WriteError(w, h.statusForPipelineError(err), "Failed to delete job")
		return
	}

	WriteSuccess(w, "Job deleted")
}

func (h *JobHandler) isTracked(jobID string) bool {
	for _, id := range h.session.TrackedJobs() {
		if id == jobID {
			return true
		}
	}
	return false
}

func (h *JobHandler) statusForPipelineError(err error) int {
	if pipeline.IsTransient(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// jobIDFromPath extracts the job ID from /api/jobs/{id}[/suffix] paths.
func jobIDFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
