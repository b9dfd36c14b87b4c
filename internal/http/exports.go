package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/export"
	"github.com/tubelens/outlierd/internal/store"
	"github.com/tubelens/outlierd/pkg/httpx"
	"github.com/tubelens/outlierd/pkg/slogx"
)

const defaultExportListLimit = 50

// ExportsHandler serves the export-job endpoints. Every route is scoped to
// the authenticated user; other users' jobs are indistinguishable from
// missing ones.
type ExportsHandler struct {
	Store store.Store
	Pool  *export.Pool
}

type createExportRequest struct {
	AnalysisID string `json:"analysisId"`
	Format     string `json:"format"`
}

type exportJobResponse struct {
	ID           string                 `json:"id"`
	AnalysisID   string                 `json:"analysisId"`
	Format       domain.ExportFormat    `json:"format"`
	Status       domain.ExportStatus    `json:"status"`
	Progress     int                    `json:"progress"`
	Filename     string                 `json:"filename,omitempty"`
	FileSize     int64                  `json:"fileSize,omitempty"`
	MIMEType     string                 `json:"mimeType,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	RetryCount   int                    `json:"retryCount"`
	MaxRetries   int                    `json:"maxRetries"`
	ProgressLog  []domain.ProgressEntry `json:"progressLog,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	ExpiresAt    time.Time              `json:"expiresAt"`
}

func newExportJobResponse(j domain.ExportJob) exportJobResponse {
	return exportJobResponse{
		ID:           j.ID,
		AnalysisID:   j.AnalysisID,
		Format:       j.Format,
		Status:       j.Status,
		Progress:     j.Progress,
		Filename:     j.Filename,
		FileSize:     j.FileSize,
		MIMEType:     j.MIMEType,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ProgressLog:  j.ProgressLog,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ExpiresAt:    j.ExpiresAt,
	}
}

// HandleCreate handles POST /v1/exports: persist a pending job and enqueue
// it for the worker pool.
func (h *ExportsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AnalysisID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "analysisId is required")
		return
	}
	format, ok := domain.ParseExportFormat(req.Format)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported export format")
		return
	}

	job, err := h.Pool.CreateJob(ctx, userID, req.AnalysisID, format)
	if err != nil {
		if errors.Is(err, export.ErrQueueFull) || errors.Is(err, export.ErrNotRunning) {
			// The job record exists and stays pending; it will be picked up
			// when capacity returns.
			log.Warn("export queue unavailable, job left pending", "job_id", job.ID, "err", err)
			httpx.WriteJSON(w, http.StatusAccepted, newExportJobResponse(job))
			return
		}
		log.Error("export job creation failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	httpx.WriteJSON(w, http.StatusAccepted, newExportJobResponse(job))
}

// HandleList handles GET /v1/exports with optional status, format and
// limit query parameters. Jobs are returned newest-first.
func (h *ExportsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var statusFilter *domain.ExportStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.ExportStatus(raw)
		switch status {
		case domain.ExportPending, domain.ExportProcessing, domain.ExportCompleted,
			domain.ExportFailed, domain.ExportCancelled:
			statusFilter = &status
		default:
			httpx.WriteError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}

	var formatFilter *domain.ExportFormat
	if raw := r.URL.Query().Get("format"); raw != "" {
		format, ok := domain.ParseExportFormat(raw)
		if !ok {
			httpx.WriteError(w, http.StatusBadRequest, "unknown format filter")
			return
		}
		formatFilter = &format
	}

	limit := defaultExportListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := h.Store.ExportJobs().ListByUser(ctx, userID, statusFilter, formatFilter, limit)
	if err != nil {
		log.Error("export job listing failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]exportJobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newExportJobResponse(j))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// HandleGet handles GET /v1/exports/{id}.
func (h *ExportsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newExportJobResponse(job))
}

// HandleCancel handles POST /v1/exports/{id}/cancel. Only pending and
// processing jobs can be cancelled; a worker mid-job finds out on its next
// store write.
func (h *ExportsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	job, err := h.Store.ExportJobs().Cancel(ctx, r.PathValue("id"), userID, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNotOwner):
			httpx.WriteError(w, http.StatusNotFound, "export job not found")
		case errors.Is(err, store.ErrInvalidTransition):
			httpx.WriteError(w, http.StatusConflict, "job is already finished")
		default:
			log.Error("export job cancel failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, newExportJobResponse(job))
}

// HandleRetry handles POST /v1/exports/{id}/retry for failed jobs with
// retry budget remaining.
func (h *ExportsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	// Ownership first: retries go through the pool, which has no user scope.
	owned, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	job, err := h.Pool.RetryJob(ctx, owned.ID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidTransition):
			httpx.WriteError(w, http.StatusConflict, "job is not retryable")
		case errors.Is(err, export.ErrQueueFull), errors.Is(err, export.ErrNotRunning):
			log.Warn("retry enqueued later, queue unavailable", "job_id", owned.ID, "err", err)
			httpx.WriteJSON(w, http.StatusAccepted, newExportJobResponse(job))
		default:
			log.Error("export job retry failed", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusAccepted, newExportJobResponse(job))
}

// HandleDownload handles GET /v1/exports/{id}/download, streaming the
// rendered file of a completed job.
func (h *ExportsHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnedJob(w, r)
	if !ok {
		return
	}

	if job.Status != domain.ExportCompleted || job.FilePath == "" {
		httpx.WriteError(w, http.StatusConflict, "export is not ready for download")
		return
	}
	if job.Expired(time.Now().UTC()) {
		httpx.WriteError(w, http.StatusGone, "export has expired")
		return
	}

	w.Header().Set("Content-Type", job.MIMEType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.Filename+`"`)
	http.ServeFile(w, r, job.FilePath)
}

// loadOwnedJob fetches the path job and enforces ownership, writing the
// error response itself on failure.
func (h *ExportsHandler) loadOwnedJob(w http.ResponseWriter, r *http.Request) (domain.ExportJob, bool) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	userID, ok := userIDFrom(ctx)
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, "authentication required")
		return domain.ExportJob{}, false
	}

	job, err := h.Store.ExportJobs().GetByID(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "export job not found")
			return domain.ExportJob{}, false
		}
		log.Error("export job lookup failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
		return domain.ExportJob{}, false
	}
	if job.UserID != userID {
		httpx.WriteError(w, http.StatusNotFound, "export job not found")
		return domain.ExportJob{}, false
	}
	return job, true
}
