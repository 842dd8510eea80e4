package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/worker"
)

type jobResponse struct {
	ID              int64            `json:"id"`
	JobID           string           `json:"job_id"`
	JobType         domain.JobType   `json:"job_type"`
	Status          domain.JobStatus `json:"status"`
	Progress        float64          `json:"progress"`
	InputData       map[string]any   `json:"input_data,omitempty"`
	OutputData      map[string]any   `json:"output_data,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DurationSeconds *float64         `json:"duration_seconds,omitempty"`
	DocumentID      *int64           `json:"document_id,omitempty"`
	WorkflowID      *int64           `json:"workflow_id,omitempty"`
	Attempts        int              `json:"attempts"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func newJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		JobID:           job.JobID,
		JobType:         job.Type,
		Status:          job.Status,
		Progress:        job.Progress,
		InputData:       job.Input,
		OutputData:      job.Output,
		ErrorMessage:    job.ErrorMessage,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		DurationSeconds: job.DurationSeconds,
		DocumentID:      job.DocumentID,
		WorkflowID:      job.WorkflowID,
		Attempts:        job.Attempts,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

type createJobRequest struct {
	JobType    domain.JobType `json:"job_type"`
	DocumentID *int64         `json:"document_id,omitempty"`
	WorkflowID *int64         `json:"workflow_id,omitempty"`
	InputData  map[string]any `json:"input_data,omitempty"`
}

func (api *API) CreateJob(w http.ResponseWriter, r *http.Request) {
	var request createJobRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	job, err := api.jobs.Submit(r.Context(), worker.JobRequest{
		Type:       request.JobType,
		DocumentID: request.DocumentID,
		WorkflowID: request.WorkflowID,
		Input:      request.InputData,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

type batchRequest struct {
	DocumentIDs []int64 `json:"document_ids"`
}

func (api *API) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var request batchRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	if len(request.DocumentIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "document_ids must not be empty")
		return
	}
	job, err := api.jobs.SubmitBatch(r.Context(), request.DocumentIDs, 0)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":        "Batch processing started",
		"job_id":         job.JobID,
		"document_count": len(request.DocumentIDs),
	})
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.JobListFilter{
		Status: domain.JobStatus(strings.TrimSpace(query.Get("status"))),
		Type:   domain.JobType(strings.TrimSpace(query.Get("job_type"))),
		Limit:  queryInt(r, "limit"),
	}
	jobs, err := api.jobs.List(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	response := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		response = append(response, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, response)
}

func (api *API) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	job, err := api.jobs.Get(r.Context(), id)
	if err != nil {
		api.writeJobLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) GetJobByExternalID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}
	job, err := api.jobs.GetByJobID(r.Context(), jobID)
	if err != nil {
		api.writeJobLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) writeJobLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
		return
	}
	api.writeServiceError(w, r, err)
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid job id")
		return
	}
	cancelled, err := api.jobs.Cancel(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if !cancelled {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job not found or cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Job cancelled successfully"})
}

func (api *API) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := api.jobs.SystemStatus(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
