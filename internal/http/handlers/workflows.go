package handlers

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iago/docflow/internal/domain"
	"github.com/iago/docflow/internal/service"
)

const maxWorkflowBodyBytes = 1 << 20

// CreateWorkflow accepts a JSON body or, with a YAML content type, a YAML
// definition using the same field names.
func (api *API) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	var workflow *domain.Workflow
	if isYAMLContent(r.Header.Get("Content-Type")) {
		workflow, err = service.DecodeWorkflowYAML(body)
	} else {
		workflow = &domain.Workflow{}
		err = json.Unmarshal(body, workflow)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow definition: "+err.Error())
		return
	}

	created, err := api.workflows.Create(r.Context(), workflow)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func isYAMLContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

func (api *API) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := api.workflows.List(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (api *API) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	workflow, err := api.workflows.Get(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

func (api *API) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	var patch service.WorkflowPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid payload")
		return
	}
	workflow, err := api.workflows.Update(r.Context(), id, patch)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

func (api *API) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	if err := api.workflows.Delete(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Workflow deleted successfully"})
}

func (api *API) ExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	if err := api.workflows.Execute(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":     "Workflow execution started",
		"workflow_id": id,
	})
}

func (api *API) ExecuteWorkflowStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	stepID := strings.TrimSpace(chi.URLParam(r, "step_id"))
	if err := api.workflows.ExecuteStep(r.Context(), id, stepID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":     "Workflow step execution started",
		"workflow_id": id,
		"step_id":     stepID,
	})
}

// WorkflowWebhook is reachable without the bearer token. A workflow with a
// configured secret requires it in the X-Webhook-Secret header.
func (api *API) WorkflowWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid workflow id")
		return
	}
	if err := api.workflows.TriggerWebhook(r.Context(), id, r.Header.Get("X-Webhook-Secret")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":     "Workflow execution started",
		"workflow_id": id,
	})
}
